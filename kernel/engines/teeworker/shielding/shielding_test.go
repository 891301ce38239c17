package shielding

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
)

// 2048位足够测试，且生成更快
const testBits = 2048

func TestRsaRoundTrip(t *testing.T) {
	key, err := GenerateRsaShieldingKey(testBits)
	require.NoError(t, err)

	tests := []struct {
		name  string
		plain []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hello tee")},
		{"multi chunk", bytes.Repeat([]byte{0xab}, 1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cipher, err := key.Encrypt(tt.plain)
			require.NoError(t, err)
			assert.Equal(t, 0, len(cipher)%(testBits/8))

			plain, err := key.Decrypt(cipher)
			require.NoError(t, err)
			assert.Equal(t, len(tt.plain), len(plain))
			assert.True(t, bytes.Equal(tt.plain, plain))
		})
	}
}

func TestRsaDecryptFailures(t *testing.T) {
	key, err := GenerateRsaShieldingKey(testBits)
	require.NoError(t, err)
	other, err := GenerateRsaShieldingKey(testBits)
	require.NoError(t, err)

	cipher, err := other.Encrypt([]byte("not for you"))
	require.NoError(t, err)

	inputs := [][]byte{
		nil,
		[]byte("garbage"),
		bytes.Repeat([]byte{0x01}, testBits/8),
		cipher,
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			_, err := key.Decrypt(in)
			assert.Equal(t, common.KindBadFormatDecipher, common.KindOf(err))
		})
	}
}

func TestAesKey(t *testing.T) {
	key, err := GenerateAesKey()
	require.NoError(t, err)

	cipher, err := key.Encrypt([]byte("response"))
	require.NoError(t, err)
	plain, err := key.Decrypt(cipher)
	require.NoError(t, err)
	assert.Equal(t, "response", string(plain))

	cipher[len(cipher)-1] ^= 0xff
	_, err = key.Decrypt(cipher)
	assert.Equal(t, common.KindBadFormatDecipher, common.KindOf(err))
	_, err = key.Decrypt([]byte{1, 2, 3})
	assert.Equal(t, common.KindBadFormatDecipher, common.KindOf(err))

	_, err = NewAesKey([]byte{1})
	assert.Error(t, err)
}

func TestDeriveAesKey(t *testing.T) {
	k1, err := DeriveAesKey([]byte("secret"), []byte("salt"), []byte("info"))
	require.NoError(t, err)
	k2, err := DeriveAesKey([]byte("secret"), []byte("salt"), []byte("info"))
	require.NoError(t, err)
	k3, err := DeriveAesKey([]byte("secret"), []byte("salt"), []byte("other"))
	require.NoError(t, err)

	assert.Equal(t, k1.Bytes(), k2.Bytes())
	assert.NotEqual(t, k1.Bytes(), k3.Bytes())
}

func TestFileKeyRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileKeyRepository(dir, testBits)
	require.NoError(t, err)

	codec, err := repo.RetrieveKey()
	require.NoError(t, err)
	pub, err := repo.ShieldingPublicKey()
	require.NoError(t, err)

	// 通过json公钥加密，模拟客户端
	raw, err := json.Marshal(pub)
	require.NoError(t, err)
	clientKey := new(RsaPublicKey)
	require.NoError(t, json.Unmarshal(raw, clientKey))
	cipher, err := clientKey.Encrypt([]byte("payload"))
	require.NoError(t, err)

	// 重新打开后仍是同一把key
	reopened, err := NewFileKeyRepository(dir, testBits)
	require.NoError(t, err)
	codec2, err := reopened.RetrieveKey()
	require.NoError(t, err)

	for _, c := range []Codec{codec, codec2} {
		plain, err := c.Decrypt(cipher)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(plain))
	}

	require.NoError(t, reopened.Rotate())
	codec3, err := reopened.RetrieveKey()
	require.NoError(t, err)
	_, err = codec3.Decrypt(cipher)
	assert.Equal(t, common.KindBadFormatDecipher, common.KindOf(err))
}

func TestStaticKeyRepository(t *testing.T) {
	key, err := GenerateAesKey()
	require.NoError(t, err)

	repo := &StaticKeyRepository{Key: key}
	got, err := repo.RetrieveKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	repo.Err = common.ErrInternal
	_, err = repo.RetrieveKey()
	assert.Error(t, err)
}

package shielding

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
)

const AesKeySize = 32

// AesKey AES-256-GCM, the random nonce is prepended to the ciphertext
type AesKey struct {
	key [AesKeySize]byte
}

func NewAesKey(raw []byte) (*AesKey, error) {
	if len(raw) != AesKeySize {
		return nil, fmt.Errorf("invalid aes key length %d", len(raw))
	}
	k := new(AesKey)
	copy(k.key[:], raw)
	return k, nil
}

func GenerateAesKey() (*AesKey, error) {
	k := new(AesKey)
	if _, err := io.ReadFull(rand.Reader, k.key[:]); err != nil {
		return nil, err
	}
	return k, nil
}

// DeriveAesKey 使用hkdf从共享秘密派生对称密钥
func DeriveAesKey(secret, salt, info []byte) (*AesKey, error) {
	k := new(AesKey)
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, k.key[:]); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *AesKey) Bytes() []byte {
	out := make([]byte, AesKeySize)
	copy(out, k.key[:])
	return out
}

func (k *AesKey) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (k *AesKey) Encrypt(plain []byte) ([]byte, error) {
	aead, err := k.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (k *AesKey) Decrypt(data []byte) ([]byte, error) {
	aead, err := k.gcm()
	if err != nil {
		return nil, common.ErrBadFormatDecipher
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, common.ErrBadFormatDecipher
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, common.ErrBadFormatDecipher
	}
	return plain, nil
}

package shielding

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"

	hex "github.com/tmthrgd/go-hex"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
)

const (
	DefaultRsaBits = 3072
	// OAEP with sha256 costs 2*32+2 bytes of every block
	oaepOverhead = 2*sha256.Size + 2
)

// RsaShieldingKey 入站请求使用的非对称shielding key，私钥只存在于enclave内
type RsaShieldingKey struct {
	priv *rsa.PrivateKey
}

// RsaPublicKey the part handed out to clients
type RsaPublicKey struct {
	pub *rsa.PublicKey
}

// rsaPubJSON N为大端hex，E为整数
type rsaPubJSON struct {
	N string `json:"n"`
	E int    `json:"e"`
}

func GenerateRsaShieldingKey(bits int) (*RsaShieldingKey, error) {
	if bits < 2048 {
		return nil, fmt.Errorf("rsa key too short: %d", bits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &RsaShieldingKey{priv: priv}, nil
}

// ParseRsaShieldingKey parse a PKCS1 DER private key
func ParseRsaShieldingKey(der []byte) (*RsaShieldingKey, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, err
	}
	return &RsaShieldingKey{priv: priv}, nil
}

func (k *RsaShieldingKey) Marshal() []byte {
	return x509.MarshalPKCS1PrivateKey(k.priv)
}

func (k *RsaShieldingKey) PublicKey() *RsaPublicKey {
	return &RsaPublicKey{pub: &k.priv.PublicKey}
}

func (k *RsaShieldingKey) Encrypt(plain []byte) ([]byte, error) {
	return k.PublicKey().Encrypt(plain)
}

// Decrypt 任何失败都归一为BadFormatDecipher，不区分具体原因
func (k *RsaShieldingKey) Decrypt(cipher []byte) ([]byte, error) {
	size := k.priv.Size()
	if len(cipher) == 0 || len(cipher)%size != 0 {
		return nil, common.ErrBadFormatDecipher
	}

	plain := make([]byte, 0, len(cipher))
	for off := 0; off < len(cipher); off += size {
		chunk, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.priv, cipher[off:off+size], nil)
		if err != nil {
			return nil, common.ErrBadFormatDecipher
		}
		plain = append(plain, chunk...)
	}
	return plain, nil
}

// Encrypt splits long plaintexts into OAEP sized chunks
func (k *RsaPublicKey) Encrypt(plain []byte) ([]byte, error) {
	chunkSize := k.pub.Size() - oaepOverhead
	if chunkSize <= 0 {
		return nil, fmt.Errorf("rsa key too short")
	}

	out := make([]byte, 0, (len(plain)/chunkSize+1)*k.pub.Size())
	for off := 0; off < len(plain) || off == 0; off += chunkSize {
		end := off + chunkSize
		if end > len(plain) {
			end = len(plain)
		}
		block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, k.pub, plain[off:end], nil)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		if end == len(plain) {
			break
		}
	}
	return out, nil
}

func (k *RsaPublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(rsaPubJSON{
		N: hex.EncodeToString(k.pub.N.Bytes()),
		E: k.pub.E,
	})
}

func (k *RsaPublicKey) UnmarshalJSON(data []byte) error {
	var raw rsaPubJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n, err := hex.DecodeString(raw.N)
	if err != nil {
		return err
	}
	if len(n) == 0 || raw.E <= 1 {
		return fmt.Errorf("invalid rsa public key")
	}
	k.pub = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: raw.E}
	return nil
}

package signer

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ethereum/go-ethereum/crypto"
	hex "github.com/tmthrgd/go-hex"

	"github.com/xuperchain/teeworker/lib/utils"
)

const (
	EthereumKeyFile = "bitacross_ethereum.key"
	BitcoinKeyFile  = "bitacross_bitcoin.key"

	// 调用方传入的均为32字节预哈希消息
	PrehashSize = 32
)

// Signer 跨链消息签名器
type Signer interface {
	Sign(prehash []byte) ([]byte, error)
	PublicKey() []byte
}

// EthereumSigner secp256k1 recoverable signature [R||S||V]
type EthereumSigner struct {
	priv *ecdsa.PrivateKey
}

func NewEthereumSigner(priv *ecdsa.PrivateKey) (*EthereumSigner, error) {
	if priv == nil {
		return nil, fmt.Errorf("new ethereum signer failed because param error")
	}
	return &EthereumSigner{priv: priv}, nil
}

// LoadOrCreateEthereumSigner 文件不存在时生成新key
func LoadOrCreateEthereumSigner(keyDir string) (*EthereumSigner, error) {
	path := filepath.Join(keyDir, EthereumKeyFile)
	if utils.FileIsExist(path) {
		priv, err := crypto.LoadECDSA(path)
		if err != nil {
			return nil, fmt.Errorf("load ethereum key failed.path:%s,err:%v", path, err)
		}
		return NewEthereumSigner(priv)
	}

	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, priv); err != nil {
		return nil, fmt.Errorf("save ethereum key failed.path:%s,err:%v", path, err)
	}
	return NewEthereumSigner(priv)
}

func (t *EthereumSigner) Sign(prehash []byte) ([]byte, error) {
	if len(prehash) != PrehashSize {
		return nil, fmt.Errorf("invalid prehash length %d", len(prehash))
	}
	return crypto.Sign(prehash, t.priv)
}

// PublicKey 33字节压缩公钥
func (t *EthereumSigner) PublicKey() []byte {
	return crypto.CompressPubkey(&t.priv.PublicKey)
}

func (t *EthereumSigner) Address() []byte {
	return crypto.PubkeyToAddress(t.priv.PublicKey).Bytes()
}

// BitcoinSigner BIP-340 schnorr
type BitcoinSigner struct {
	priv *btcec.PrivateKey
}

func NewBitcoinSigner(priv *btcec.PrivateKey) (*BitcoinSigner, error) {
	if priv == nil {
		return nil, fmt.Errorf("new bitcoin signer failed because param error")
	}
	return &BitcoinSigner{priv: priv}, nil
}

// LoadOrCreateBitcoinSigner key以hex保存
func LoadOrCreateBitcoinSigner(keyDir string) (*BitcoinSigner, error) {
	path := filepath.Join(keyDir, BitcoinKeyFile)
	if utils.FileIsExist(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(keyBytes) != btcec.PrivKeyBytesLen {
			return nil, fmt.Errorf("invalid bitcoin key file.path:%s", path)
		}
		priv, _ := btcec.PrivKeyFromBytes(keyBytes)
		return NewBitcoinSigner(priv)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Serialize())), 0600); err != nil {
		return nil, fmt.Errorf("save bitcoin key failed.path:%s,err:%v", path, err)
	}
	return NewBitcoinSigner(priv)
}

func (t *BitcoinSigner) Sign(prehash []byte) ([]byte, error) {
	if len(prehash) != PrehashSize {
		return nil, fmt.Errorf("invalid prehash length %d", len(prehash))
	}
	sig, err := schnorr.Sign(t.priv, prehash)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// PublicKey 32字节x-only公钥
func (t *BitcoinSigner) PublicKey() []byte {
	return schnorr.SerializePubKey(t.priv.PubKey())
}

package top

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ed25519"
)

// CallSigner 对payload签名的账户，既用于客户端构造调用，也用于enclave自签名
type CallSigner interface {
	Identity() Identity
	Sign(payload []byte) ([]byte, error)
}

// Ed25519Signer substrate account
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid ed25519 seed length %d", len(seed))
	}
	return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (t *Ed25519Signer) Identity() Identity {
	return NewIdentity(IdentitySubstrate, t.priv.Public().(ed25519.PublicKey))
}

func (t *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(t.priv, payload), nil
}

// EvmSigner signs the blake2b digest of the payload, recoverable [R||S||V]
type EvmSigner struct {
	priv *ecdsa.PrivateKey
}

func NewEvmSigner(priv *ecdsa.PrivateKey) *EvmSigner {
	return &EvmSigner{priv: priv}
}

func (t *EvmSigner) Identity() Identity {
	addr := crypto.PubkeyToAddress(t.priv.PublicKey)
	return NewIdentity(IdentityEvm, addr.Bytes())
}

func (t *EvmSigner) Sign(payload []byte) ([]byte, error) {
	digest := Blake2b256(payload)
	return crypto.Sign(digest[:], t.priv)
}

// BitcoinSigner BIP-340 schnorr over the blake2b digest of the payload
type BitcoinSigner struct {
	priv *btcec.PrivateKey
}

func NewBitcoinSigner(priv *btcec.PrivateKey) *BitcoinSigner {
	return &BitcoinSigner{priv: priv}
}

func (t *BitcoinSigner) Identity() Identity {
	return NewIdentity(IdentityBitcoin, t.priv.PubKey().SerializeCompressed())
}

func (t *BitcoinSigner) Sign(payload []byte) ([]byte, error) {
	digest := Blake2b256(payload)
	sig, err := schnorr.Sign(t.priv, digest[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// VerifyIdentitySignature checks sig over payload for the given identity
func VerifyIdentitySignature(id Identity, payload, sig []byte) bool {
	if id.Validate() != nil {
		return false
	}

	switch id.Type {
	case IdentitySubstrate:
		if len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(id.Address), payload, sig)
	case IdentityEvm:
		if len(sig) != crypto.SignatureLength {
			return false
		}
		digest := Blake2b256(payload)
		pub, err := crypto.SigToPub(digest[:], sig)
		if err != nil {
			return false
		}
		return crypto.PubkeyToAddress(*pub) == common.BytesToAddress(id.Address)
	case IdentityBitcoin:
		pub, err := btcec.ParsePubKey(id.Address)
		if err != nil {
			return false
		}
		s, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false
		}
		digest := Blake2b256(payload)
		return s.Verify(digest[:], pub)
	}
	return false
}

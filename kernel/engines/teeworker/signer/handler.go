package signer

import (
	"fmt"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
)

// RelayerChecker relayer白名单
type RelayerChecker interface {
	ContainsKey(id top.Identity) bool
}

// Handler 只有relayer可以请求跨链签名
type Handler struct {
	log      logs.Logger
	relayers RelayerChecker
	ethereum Signer
	bitcoin  Signer
}

func NewHandler(relayers RelayerChecker, ethereum, bitcoin Signer, log logs.Logger) (*Handler, error) {
	if relayers == nil || ethereum == nil || bitcoin == nil || log == nil {
		return nil, fmt.Errorf("new signer handler failed because param error")
	}
	return &Handler{
		log:      log,
		relayers: relayers,
		ethereum: ethereum,
		bitcoin:  bitcoin,
	}, nil
}

func (t *Handler) SignEthereum(sender top.Identity, prehash []byte) ([]byte, error) {
	return t.sign(t.ethereum, "ethereum", sender, prehash)
}

func (t *Handler) SignBitcoin(sender top.Identity, prehash []byte) ([]byte, error) {
	return t.sign(t.bitcoin, "bitcoin", sender, prehash)
}

func (t *Handler) sign(s Signer, chain string, sender top.Identity, prehash []byte) ([]byte, error) {
	if !t.relayers.ContainsKey(sender) {
		t.log.Warn("sign request from non relayer", "chain", chain, "sender", sender)
		return nil, common.ErrNotRelayer
	}

	sig, err := s.Sign(prehash)
	if err != nil {
		t.log.Warn("sign failed", "chain", chain, "sender", sender, "err", err)
		return nil, common.ErrBadFormat.More("%v", err)
	}
	return sig, nil
}

// EthereumPublicKey 供relayer查询
func (t *Handler) EthereumPublicKey() []byte {
	return t.ethereum.PublicKey()
}

func (t *Handler) BitcoinPublicKey() []byte {
	return t.bitcoin.PublicKey()
}

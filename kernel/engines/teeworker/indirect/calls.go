package indirect

import (
	"encoding/json"
	"fmt"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/stf"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
)

// RelayerStore 链上维护的relayer集合
type RelayerStore interface {
	Add(id top.Identity) error
	Remove(id top.Identity) error
}

// EnclaveStore 链上调度的enclave版本
type EnclaveStore interface {
	Update(sidechainBlock uint64, mrenclave [32]byte) error
	Remove(sidechainBlock uint64) error
}

// IndirectExecutor indirect call执行时可用的能力
type IndirectExecutor interface {
	Decrypt(cipher []byte) ([]byte, error)
	Encrypt(plain []byte) ([]byte, error)
	SubmitTrustedCall(shard top.ShardIdentifier, encrypted []byte) (top.Hash, error)
	SignCallWithSelf(shard top.ShardIdentifier, call *top.TrustedCall) (*top.TrustedCallSigned, error)
	EnclaveAccount() top.Identity
	RelayerRegistry() RelayerStore
	ScheduledEnclaves() EnclaveStore
}

// IndirectCall 从parentchain extrinsic中识别出的调用
type IndirectCall interface {
	Name() string
	Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error
}

type SetScheduledEnclave struct {
	SidechainBlock uint64   `json:"sidechain_block"`
	Mrenclave      top.Hash `json:"mrenclave"`
}

func (c *SetScheduledEnclave) Name() string { return CallSetScheduledEnclave }

func (c *SetScheduledEnclave) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	return executor.ScheduledEnclaves().Update(c.SidechainBlock, c.Mrenclave)
}

type RemoveScheduledEnclave struct {
	SidechainBlock uint64 `json:"sidechain_block"`
}

func (c *RemoveScheduledEnclave) Name() string { return CallRemoveScheduledEnclave }

func (c *RemoveScheduledEnclave) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	return executor.ScheduledEnclaves().Remove(c.SidechainBlock)
}

type AddRelayer struct {
	Account top.Identity `json:"account"`
}

func (c *AddRelayer) Name() string { return CallAddRelayer }

func (c *AddRelayer) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	return executor.RelayerRegistry().Add(c.Account)
}

type RemoveRelayer struct {
	Account top.Identity `json:"account"`
}

func (c *RemoveRelayer) Name() string { return CallRemoveRelayer }

func (c *RemoveRelayer) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	return executor.RelayerRegistry().Remove(c.Account)
}

// ShieldFunds 链上资产转入shard，收款账户由shielding key加密
type ShieldFunds struct {
	Shard            top.ShardIdentifier `json:"shard"`
	AccountEncrypted top.HexBytes        `json:"account_encrypted"`
	Amount           uint64              `json:"amount"`
}

func (c *ShieldFunds) Name() string { return CallShieldFunds }

func (c *ShieldFunds) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	plain, err := executor.Decrypt(c.AccountEncrypted)
	if err != nil {
		return err
	}
	var who top.Identity
	if err := json.Unmarshal(plain, &who); err != nil {
		return common.ErrBadFormat.More("decode shielded account failed.err:%v", err)
	}
	if err := who.Validate(); err != nil {
		return common.ErrBadFormat.More("%v", err)
	}

	return submitSelfSigned(executor, c.Shard, stf.MethodBalanceShield, &stf.ShieldParams{
		Who:    who,
		Amount: c.Amount,
	})
}

// CallWorker 把链上转发的加密请求原样交给author
type CallWorker struct {
	Request top.Request `json:"request"`
}

func (c *CallWorker) Name() string { return CallCallWorker }

func (c *CallWorker) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	_, err := executor.SubmitTrustedCall(c.Request.Shard, c.Request.Cyphertext)
	return err
}

type LinkIdentity struct {
	Shard             top.ShardIdentifier `json:"shard"`
	EncryptedIdentity top.HexBytes        `json:"encrypted_identity"`
	Networks          []string            `json:"networks,omitempty"`
}

func (c *LinkIdentity) Name() string { return CallLinkIdentity }

func (c *LinkIdentity) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	who, err := extrinsicSigner(ext)
	if err != nil {
		return err
	}
	return submitSelfSigned(executor, c.Shard, stf.MethodLinkIdentity, &stf.LinkIdentityParams{
		Who:               who,
		EncryptedIdentity: c.EncryptedIdentity,
		Networks:          c.Networks,
	})
}

type RequestVC struct {
	Shard     top.ShardIdentifier `json:"shard"`
	Assertion string              `json:"assertion"`
}

func (c *RequestVC) Name() string { return CallRequestVC }

func (c *RequestVC) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	who, err := extrinsicSigner(ext)
	if err != nil {
		return err
	}
	if c.Assertion == "" {
		return common.ErrBadFormat.More("empty assertion")
	}
	return submitSelfSigned(executor, c.Shard, stf.MethodRequestVC, &stf.RequestVCParams{
		Who:       who,
		Assertion: c.Assertion,
	})
}

// BatchAll utility.batch_all，内部call在过滤时已解码，任一失败即中止
type BatchAll struct {
	Calls []IndirectCall
}

func (c *BatchAll) Name() string { return CallBatchAll }

func (c *BatchAll) Dispatch(executor IndirectExecutor, ext *ParsedExtrinsic) error {
	for i, call := range c.Calls {
		if err := call.Dispatch(executor, ext); err != nil {
			return fmt.Errorf("batch call %d(%s) failed: %v", i, call.Name(), err)
		}
	}
	return nil
}

// batchArgs 每个元素为 index(2) ‖ args
type batchArgs struct {
	Calls []top.HexBytes `json:"calls"`
}

func extrinsicSigner(ext *ParsedExtrinsic) (top.Identity, error) {
	if ext == nil || ext.Signature == nil {
		return top.Identity{}, common.ErrUnauthorized.More("call requires a signed extrinsic")
	}
	return top.NewIdentity(top.IdentitySubstrate, ext.Signature.Address[:]), nil
}

func submitSelfSigned(executor IndirectExecutor, shard top.ShardIdentifier, method string,
	params interface{}) error {
	call, err := top.NewTrustedCall(method, executor.EnclaveAccount(), params)
	if err != nil {
		return common.ErrBadFormat.More("%v", err)
	}
	signed, err := executor.SignCallWithSelf(shard, call)
	if err != nil {
		return err
	}
	encoded, err := signed.IntoOperation(top.KindIndirectCall).Encode()
	if err != nil {
		return common.ErrBadFormat.More("%v", err)
	}
	cipher, err := executor.Encrypt(encoded)
	if err != nil {
		return err
	}
	_, err = executor.SubmitTrustedCall(shard, cipher)
	return err
}

package stf

import (
	"encoding/json"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
)

const (
	MethodNoop            = "noop"
	MethodBalanceTransfer = "balance_transfer"
	MethodBalanceShield   = "balance_shield"
	MethodLinkIdentity    = "link_identity"
	MethodRequestVC       = "request_vc"

	GetterNonce       = "nonce"
	GetterFreeBalance = "free_balance"
	GetterMrenclave   = "mrenclave"
)

// TransferParams balance_transfer参数
type TransferParams struct {
	To     top.Identity `json:"to"`
	Amount uint64       `json:"amount"`
}

// ShieldParams balance_shield参数，由链上ShieldFunds触发
type ShieldParams struct {
	Who    top.Identity `json:"who"`
	Amount uint64       `json:"amount"`
}

// LinkIdentityParams link_identity参数，身份数据保持加密
type LinkIdentityParams struct {
	Who               top.Identity `json:"who"`
	EncryptedIdentity top.HexBytes `json:"encrypted_identity"`
	Networks          []string     `json:"networks,omitempty"`
}

// RequestVCParams request_vc参数
type RequestVCParams struct {
	Who       top.Identity `json:"who"`
	Assertion string       `json:"assertion"`
}

func registerBuiltins(t *Executor) {
	t.handlers[MethodNoop] = noop
	t.handlers[MethodBalanceTransfer] = balanceTransfer
	t.handlers[MethodBalanceShield] = balanceShield
	t.handlers[MethodLinkIdentity] = linkIdentity
	t.handlers[MethodRequestVC] = requestVC

	t.getters[GetterNonce] = getNonce
	t.getters[GetterFreeBalance] = getFreeBalance
	t.getters[GetterMrenclave] = getMrenclave
}

func noop(ctx *ExecContext, call *top.TrustedCall) ([]byte, error) {
	return nil, nil
}

func balanceTransfer(ctx *ExecContext, call *top.TrustedCall) ([]byte, error) {
	var params TransferParams
	if err := call.DecodeParams(&params); err != nil {
		return nil, common.ErrBadFormat.More("%v", err)
	}
	if err := params.To.Validate(); err != nil {
		return nil, common.ErrBadFormat.More("%v", err)
	}
	if err := ctx.State.Transfer(ctx.Shard, call.Sender, params.To, params.Amount); err != nil {
		return nil, err
	}
	return nil, nil
}

// onlyEnclave 链上触发的call只能由enclave账户以IndirectCall形式提交
func onlyEnclave(ctx *ExecContext, call *top.TrustedCall) error {
	if ctx.Kind != top.KindIndirectCall || !call.Sender.Equal(ctx.EnclaveAccount) {
		return common.ErrUnauthorized.More("%s must be triggered by the parentchain", call.Method)
	}
	return nil
}

func balanceShield(ctx *ExecContext, call *top.TrustedCall) ([]byte, error) {
	if err := onlyEnclave(ctx, call); err != nil {
		return nil, err
	}
	var params ShieldParams
	if err := call.DecodeParams(&params); err != nil {
		return nil, common.ErrBadFormat.More("%v", err)
	}
	bal, err := ctx.State.Balance(ctx.Shard, params.Who)
	if err != nil {
		return nil, err
	}
	if bal+params.Amount < bal {
		return nil, common.ErrExecuteFailed.More("balance overflow")
	}
	return nil, ctx.State.SetBalance(ctx.Shard, params.Who, bal+params.Amount)
}

// linkIdentity 身份关联的业务逻辑不在worker内，这里只校验参数并记录
func linkIdentity(ctx *ExecContext, call *top.TrustedCall) ([]byte, error) {
	if err := onlyEnclave(ctx, call); err != nil {
		return nil, err
	}
	var params LinkIdentityParams
	if err := call.DecodeParams(&params); err != nil {
		return nil, common.ErrBadFormat.More("%v", err)
	}
	if len(params.EncryptedIdentity) == 0 {
		return nil, common.ErrBadFormat.More("empty identity")
	}
	ctx.Log.Info("link identity accepted", "who", params.Who.Key(), "networks", len(params.Networks))
	return nil, nil
}

func requestVC(ctx *ExecContext, call *top.TrustedCall) ([]byte, error) {
	if err := onlyEnclave(ctx, call); err != nil {
		return nil, err
	}
	var params RequestVCParams
	if err := call.DecodeParams(&params); err != nil {
		return nil, common.ErrBadFormat.More("%v", err)
	}
	if params.Assertion == "" {
		return nil, common.ErrBadFormat.More("empty assertion")
	}
	ctx.Log.Info("vc request accepted", "who", params.Who.Key(), "assertion", params.Assertion)
	return nil, nil
}

// 账户相关的查询必须签名
func signedSender(getter *top.Getter) (top.Identity, error) {
	if getter.Sender == nil || len(getter.Signature) == 0 {
		return top.Identity{}, common.ErrUnauthorized.More("getter %s must be signed", getter.Method)
	}
	return *getter.Sender, nil
}

func getNonce(ctx *ExecContext, getter *top.Getter) ([]byte, error) {
	sender, err := signedSender(getter)
	if err != nil {
		return nil, err
	}
	nonce, err := ctx.State.AccountNonce(ctx.Shard, sender)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nonce)
}

func getFreeBalance(ctx *ExecContext, getter *top.Getter) ([]byte, error) {
	sender, err := signedSender(getter)
	if err != nil {
		return nil, err
	}
	bal, err := ctx.State.Balance(ctx.Shard, sender)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bal)
}

func getMrenclave(ctx *ExecContext, getter *top.Getter) ([]byte, error) {
	mr := ctx.State.Mrenclave()
	return json.Marshal(top.HexBytes(mr[:]))
}

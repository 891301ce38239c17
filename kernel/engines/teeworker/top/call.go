package top

import (
	"encoding/json"

	"github.com/xuperchain/teeworker/lib/utils"
)

// TrustedCall 需要在enclave内执行的状态变更调用
type TrustedCall struct {
	Method string          `json:"method"`
	Sender Identity        `json:"sender"`
	Params json.RawMessage `json:"params,omitempty"`
}

// TrustedCallSigned signature covers hash(call ‖ nonce ‖ mrenclave ‖ shard)
type TrustedCallSigned struct {
	Call      TrustedCall `json:"call"`
	Nonce     uint64      `json:"nonce"`
	Signature HexBytes    `json:"signature"`
}

// Getter 只读查询，不带nonce。Signature为空时为公开查询
type Getter struct {
	Method    string          `json:"method"`
	Sender    *Identity       `json:"sender,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Signature HexBytes        `json:"signature,omitempty"`
}

func NewTrustedCall(method string, sender Identity, params interface{}) (*TrustedCall, error) {
	call := &TrustedCall{Method: method, Sender: sender}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		call.Params = raw
	}
	return call, nil
}

func (t *TrustedCall) Encode() []byte {
	raw, _ := json.Marshal(t)
	return raw
}

// DecodeParams unmarshal the call params into v
func (t *TrustedCall) DecodeParams(v interface{}) error {
	return json.Unmarshal(t.Params, v)
}

// SignaturePayload bytes signed by the sender of a trusted call
func SignaturePayload(call *TrustedCall, nonce uint64, mrenclave [32]byte, shard ShardIdentifier) []byte {
	digest := Blake2b256(call.Encode(), utils.EncodeUint64(nonce), mrenclave[:], shard[:])
	return digest[:]
}

// Sign build a signed call with the given signer, the signer must be the call sender
func (t *TrustedCall) Sign(signer CallSigner, nonce uint64, mrenclave [32]byte, shard ShardIdentifier) (*TrustedCallSigned, error) {
	sig, err := signer.Sign(SignaturePayload(t, nonce, mrenclave, shard))
	if err != nil {
		return nil, err
	}
	return &TrustedCallSigned{Call: *t, Nonce: nonce, Signature: sig}, nil
}

func (t *TrustedCallSigned) VerifySignature(mrenclave [32]byte, shard ShardIdentifier) bool {
	return VerifyIdentitySignature(t.Call.Sender, SignaturePayload(&t.Call, t.Nonce, mrenclave, shard), t.Signature)
}

func (t *TrustedCallSigned) IntoOperation(kind OperationKind) *Operation {
	return &Operation{Kind: kind, Call: t}
}

func (t *Getter) Encode() []byte {
	raw, _ := json.Marshal(t)
	return raw
}

func (t *Getter) unsignedPayload(shard ShardIdentifier) []byte {
	unsigned := Getter{Method: t.Method, Sender: t.Sender, Params: t.Params}
	digest := Blake2b256(unsigned.Encode(), shard[:])
	return digest[:]
}

// Sign a getter for the given shard
func (t *Getter) Sign(signer CallSigner, shard ShardIdentifier) error {
	id := signer.Identity()
	t.Sender = &id
	sig, err := signer.Sign(t.unsignedPayload(shard))
	if err != nil {
		return err
	}
	t.Signature = sig
	return nil
}

// VerifySignature 公开查询总是通过，签名查询必须由sender签名
func (t *Getter) VerifySignature(shard ShardIdentifier) bool {
	if len(t.Signature) == 0 {
		return true
	}
	if t.Sender == nil {
		return false
	}
	return VerifyIdentitySignature(*t.Sender, t.unsignedPayload(shard), t.Signature)
}

package top

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type OperationKind string

const (
	KindDirectCall   OperationKind = "direct_call"
	KindIndirectCall OperationKind = "indirect_call"
	KindGetter       OperationKind = "get"
)

var (
	ErrEmptyOperation   = errors.New("empty trusted operation")
	ErrVariantMismatch  = errors.New("trusted operation variant mismatch")
	ErrUnknownOperation = errors.New("unknown trusted operation kind")
)

// Operation trusted operation，DirectCall/IndirectCall携带签名调用，Getter携带查询
type Operation struct {
	Kind   OperationKind      `json:"kind"`
	Call   *TrustedCallSigned `json:"call,omitempty"`
	Getter *Getter            `json:"getter,omitempty"`
}

func NewDirectCall(call *TrustedCallSigned) *Operation {
	return &Operation{Kind: KindDirectCall, Call: call}
}

func NewIndirectCall(call *TrustedCallSigned) *Operation {
	return &Operation{Kind: KindIndirectCall, Call: call}
}

func NewGetter(getter *Getter) *Operation {
	return &Operation{Kind: KindGetter, Getter: getter}
}

// Validate 检查变体与载荷是否一致
func (op *Operation) Validate() error {
	if op == nil {
		return ErrEmptyOperation
	}
	switch op.Kind {
	case KindDirectCall, KindIndirectCall:
		if op.Call == nil || op.Getter != nil {
			return ErrVariantMismatch
		}
		if op.Call.Call.Method == "" {
			return fmt.Errorf("trusted call method is empty")
		}
		return op.Call.Call.Sender.Validate()
	case KindGetter:
		if op.Getter == nil || op.Call != nil {
			return ErrVariantMismatch
		}
		if op.Getter.Method == "" {
			return fmt.Errorf("getter method is empty")
		}
		if op.Getter.Sender != nil {
			return op.Getter.Sender.Validate()
		}
		return nil
	}
	return ErrUnknownOperation
}

func (op *Operation) Encode() ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(op)
}

// DecodeOperation decode and validate an encoded trusted operation
func DecodeOperation(raw []byte) (*Operation, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	op := new(Operation)
	if err := dec.Decode(op); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after trusted operation")
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// HashOf blake2b-256 of the canonical encoding
func HashOf(op *Operation) (Hash, error) {
	raw, err := op.Encode()
	if err != nil {
		return Hash{}, err
	}
	return Blake2b256(raw), nil
}

func (op *Operation) IsCall() bool {
	return op.Kind == KindDirectCall || op.Kind == KindIndirectCall
}

// SignedCall returns the signed call of a direct or indirect call
func (op *Operation) SignedCall() (*TrustedCallSigned, bool) {
	if !op.IsCall() || op.Call == nil {
		return nil, false
	}
	return op.Call, true
}

// Sender 发起账户，公开查询没有发起账户
func (op *Operation) Sender() (Identity, bool) {
	switch {
	case op.IsCall() && op.Call != nil:
		return op.Call.Call.Sender, true
	case op.Kind == KindGetter && op.Getter != nil && op.Getter.Sender != nil:
		return *op.Getter.Sender, true
	}
	return Identity{}, false
}

// Nonce only calls carry a nonce
func (op *Operation) Nonce() (uint64, bool) {
	if call, ok := op.SignedCall(); ok {
		return call.Nonce, true
	}
	return 0, false
}

package author

import (
	"fmt"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
)

type modeKind int

const (
	modeSubmit modeKind = iota
	modeSubmitWatch
	modeSubmitWatchAndBroadcast
)

// SubmissionMode 提交方式，广播模式携带转发时使用的rpc方法名
type SubmissionMode struct {
	kind      modeKind
	rpcMethod string
}

func Submit() SubmissionMode {
	return SubmissionMode{kind: modeSubmit}
}

func SubmitWatch() SubmissionMode {
	return SubmissionMode{kind: modeSubmitWatch}
}

func SubmitWatchAndBroadcast(rpcMethod string) SubmissionMode {
	return SubmissionMode{kind: modeSubmitWatchAndBroadcast, rpcMethod: rpcMethod}
}

func (m SubmissionMode) watch() bool {
	return m.kind != modeSubmit
}

func (m SubmissionMode) String() string {
	switch m.kind {
	case modeSubmit:
		return "submit"
	case modeSubmitWatch:
		return "submit_watch"
	default:
		return "submit_watch_broadcast"
	}
}

// BroadcastedRequest 转发给其他worker的请求副本
type BroadcastedRequest struct {
	Id        string `json:"id"`
	Payload   string `json:"payload"`
	RpcMethod string `json:"rpc_method"`
}

// TopRef 指向一条pool记录的引用
type TopRef interface {
	resolve() (top.Hash, error)
}

// HashRef 直接给出hash
type HashRef top.Hash

func (r HashRef) resolve() (top.Hash, error) {
	return top.Hash(r), nil
}

// EncodedRef 编码后的operation
type EncodedRef []byte

func (r EncodedRef) resolve() (top.Hash, error) {
	op, err := top.DecodeOperation(r)
	if err != nil {
		return top.Hash{}, common.ErrBadFormat.More("%v", err)
	}
	return top.HashOf(op)
}

// OperationRef 内存中的operation
type OperationRef struct {
	Op *top.Operation
}

func (r OperationRef) resolve() (top.Hash, error) {
	if r.Op == nil {
		return top.Hash{}, common.ErrBadFormat.More("empty operation")
	}
	hash, err := top.HashOf(r.Op)
	if err != nil {
		return top.Hash{}, common.ErrBadFormat.More("%v", err)
	}
	return hash, nil
}

// ExecutedRef 出块后需要从pool中移除的记录
type ExecutedRef struct {
	Ref      TopRef
	Included bool
}

// RemoveFailure 未能移除的记录及原因
type RemoveFailure struct {
	Ref ExecutedRef
	Err error
}

func (f *RemoveFailure) Error() string {
	return fmt.Sprintf("remove trusted operation failed: %v", f.Err)
}

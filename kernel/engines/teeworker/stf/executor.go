package stf

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/metrics"
)

// State 执行器需要的状态读写能力
type State interface {
	Mrenclave() [32]byte
	AccountNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error)
	IncAccountNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error)
	Balance(shard top.ShardIdentifier, account top.Identity) (uint64, error)
	SetBalance(shard top.ShardIdentifier, account top.Identity, amount uint64) error
	Transfer(shard top.ShardIdentifier, from, to top.Identity, amount uint64) error
}

// ExecContext 单次执行的上下文
type ExecContext struct {
	Shard top.ShardIdentifier
	Kind  top.OperationKind
	State State
	Log   logs.Logger
	// enclave自身账户，链上触发的call由它签名
	EnclaveAccount top.Identity
}

// Handler 执行一个trusted call，返回的输出会带给watcher
type Handler func(ctx *ExecContext, call *top.TrustedCall) ([]byte, error)

// GetterHandler 执行只读查询
type GetterHandler func(ctx *ExecContext, getter *top.Getter) ([]byte, error)

// ExecResult call执行结果
type ExecResult struct {
	Output    []byte
	NonceUsed bool
}

// UnknownMethodLabel 未注册method在指标中的标签值
const UnknownMethodLabel = "unknown"

type Executor struct {
	log            logs.Logger
	state          State
	enclaveAccount top.Identity

	// 保证同一时刻只有一个call在检查并推进nonce
	execLock sync.Mutex

	lock     sync.RWMutex
	handlers map[string]Handler
	getters  map[string]GetterHandler
}

func NewExecutor(state State, enclaveAccount top.Identity, log logs.Logger) (*Executor, error) {
	if state == nil || log == nil {
		return nil, fmt.Errorf("new executor failed because param error")
	}
	t := &Executor{
		log:            log,
		state:          state,
		enclaveAccount: enclaveAccount,
		handlers:       make(map[string]Handler),
		getters:        make(map[string]GetterHandler),
	}
	registerBuiltins(t)
	return t, nil
}

func (t *Executor) RegisterHandler(method string, handler Handler) error {
	if method == "" || handler == nil {
		return fmt.Errorf("register handler param error")
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.handlers[method]; ok {
		return fmt.Errorf("handler %s already registered", method)
	}
	t.handlers[method] = handler
	return nil
}

func (t *Executor) RegisterGetter(method string, handler GetterHandler) error {
	if method == "" || handler == nil {
		return fmt.Errorf("register getter param error")
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.getters[method]; ok {
		return fmt.Errorf("getter %s already registered", method)
	}
	t.getters[method] = handler
	return nil
}

func (t *Executor) Methods() []string {
	t.lock.RLock()
	defer t.lock.RUnlock()

	out := make([]string, 0, len(t.handlers))
	for m := range t.handlers {
		out = append(out, m)
	}
	return out
}

func (t *Executor) newContext(shard top.ShardIdentifier, kind top.OperationKind) *ExecContext {
	return &ExecContext{
		Shard:          shard,
		Kind:           kind,
		State:          t.state,
		Log:            t.log,
		EnclaveAccount: t.enclaveAccount,
	}
}

// Execute 执行一条call：验签、校验nonce、推进nonce、执行handler
// nonce在handler执行前推进，handler失败时不回退
func (t *Executor) Execute(shard top.ShardIdentifier, op *top.Operation) (*ExecResult, error) {
	if err := op.Validate(); err != nil {
		return nil, common.ErrBadFormat.More("%v", err)
	}
	call, ok := op.SignedCall()
	if !ok {
		return nil, common.ErrUnsupportedOperation.More("not a trusted call")
	}
	method := call.Call.Method
	t.lock.RLock()
	handler, known := t.handlers[method]
	t.lock.RUnlock()
	label := metricLabel(method, known)
	if !call.VerifySignature(t.state.Mrenclave(), shard) {
		metrics.DirectCallCounter.WithLabelValues(label, "bad_signature").Inc()
		return nil, common.ErrInvalidSignature
	}

	t.execLock.Lock()
	defer t.execLock.Unlock()

	sender := call.Call.Sender
	expected, err := t.state.AccountNonce(shard, sender)
	if err != nil {
		return nil, err
	}
	if call.Nonce != expected {
		metrics.DirectCallCounter.WithLabelValues(label, "bad_nonce").Inc()
		return nil, common.ErrInvalidNonce.More("expect %d got %d", expected, call.Nonce)
	}
	if _, err := t.state.IncAccountNonce(shard, sender); err != nil {
		return nil, err
	}
	result := &ExecResult{NonceUsed: true}

	if !known {
		metrics.DirectCallCounter.WithLabelValues(label, "unknown").Inc()
		return result, common.ErrUnknownMethod.More("%s", method)
	}

	output, err := handler(t.newContext(shard, op.Kind), &call.Call)
	if err != nil {
		metrics.DirectCallCounter.WithLabelValues(label, "failed").Inc()
		t.log.Warn("trusted call execute failed", "method", method, "sender", sender.Key(),
			"nonce", call.Nonce, "err", err)
		if _, isStd := errors.Cause(err).(*common.Error); isStd {
			return result, err
		}
		return result, common.ErrExecuteFailed.More("%v", err)
	}

	metrics.DirectCallCounter.WithLabelValues(label, "ok").Inc()
	result.Output = output
	return result, nil
}

// metricLabel 未注册的method统一记为unknown
func metricLabel(method string, known bool) string {
	if !known {
		return UnknownMethodLabel
	}
	return method
}

// ExecuteGetter 签名getter需验签，公开getter直接执行
func (t *Executor) ExecuteGetter(shard top.ShardIdentifier, getter *top.Getter) ([]byte, error) {
	if getter == nil {
		return nil, common.ErrBadFormat.More("empty getter")
	}
	if !getter.VerifySignature(shard) {
		return nil, common.ErrInvalidSignature
	}

	t.lock.RLock()
	handler, ok := t.getters[getter.Method]
	t.lock.RUnlock()
	if !ok {
		return nil, common.ErrUnknownMethod.More("%s", getter.Method)
	}
	return handler(t.newContext(shard, top.KindGetter), getter)
}

package taskreceiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/shielding"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/metrics"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 128
)

const unknownMethod = "unknown"

var ErrReceiverStopped = fmt.Errorf("task receiver stopped")

// SignHandler relayer签名能力
type SignHandler interface {
	SignEthereum(sender top.Identity, prehash []byte) ([]byte, error)
	SignBitcoin(sender top.Identity, prehash []byte) ([]byte, error)
}

// TaskResult Payload为用请求中aes key加密后的结果
type TaskResult struct {
	Payload []byte
	Err     error
}

type Task struct {
	Request *top.Request
	// 至少1个缓冲，worker不会阻塞在应答上
	Resp chan<- TaskResult
}

type Config struct {
	Workers   int
	QueueSize int
}

// Receiver 固定数量的worker消费同一个任务队列
type Receiver struct {
	log     logs.Logger
	conf    *Config
	keys    common.KeyRepository
	state   common.StateFacade
	handler SignHandler

	queue chan *Task
	// Submit持读锁入队，Stop持写锁后再清空队列
	submitLock sync.RWMutex

	lock    sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped chan struct{}
}

func NewReceiver(conf *Config, keys common.KeyRepository, state common.StateFacade,
	handler SignHandler, log logs.Logger) (*Receiver, error) {
	if keys == nil || state == nil || handler == nil || log == nil {
		return nil, fmt.Errorf("new task receiver failed because param error")
	}
	if conf == nil {
		conf = &Config{}
	}
	if conf.Workers <= 0 {
		conf.Workers = DefaultWorkers
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = DefaultQueueSize
	}

	return &Receiver{
		log:     log,
		conf:    conf,
		keys:    keys,
		state:   state,
		handler: handler,
		queue:   make(chan *Task, conf.QueueSize),
		stopped: make(chan struct{}),
	}, nil
}

// Submit 阻塞直到任务入队、ctx结束或receiver停止
func (t *Receiver) Submit(ctx context.Context, task *Task) error {
	if task == nil || task.Request == nil || task.Resp == nil {
		return common.ErrParameter
	}

	t.submitLock.RLock()
	defer t.submitLock.RUnlock()
	select {
	case <-t.stopped:
		return ErrReceiverStopped
	default:
	}

	select {
	case t.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopped:
		return ErrReceiverStopped
	}
}

func (t *Receiver) Start() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.group != nil {
		return
	}
	select {
	case <-t.stopped:
		return
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.group = &errgroup.Group{}
	for i := 0; i < t.conf.Workers; i++ {
		t.group.Go(func() error {
			t.worker(ctx)
			return nil
		})
	}
	t.log.Info("task receiver started", "workers", t.conf.Workers, "queue", t.conf.QueueSize)
}

// Stop 等待正在执行的任务完成，未处理的任务以ErrReceiverStopped应答
func (t *Receiver) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()
	select {
	case <-t.stopped:
		return
	default:
	}
	close(t.stopped)

	if t.group != nil {
		t.cancel()
		t.group.Wait()
	}
	// 等待已进入Submit的调用返回
	t.submitLock.Lock()
	defer t.submitLock.Unlock()
	for {
		select {
		case task := <-t.queue:
			respond(task, TaskResult{Err: ErrReceiverStopped})
		default:
			t.log.Info("task receiver stopped")
			return
		}
	}
}

func (t *Receiver) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-t.queue:
			respond(task, t.Handle(task.Request))
		}
	}
}

// methodLabel 只有已知的direct call方法作为指标标签
func methodLabel(method string) string {
	switch method {
	case top.DirectSignEthereum, top.DirectSignBitcoin:
		return method
	}
	return unknownMethod
}

func respond(task *Task, result TaskResult) {
	select {
	case task.Resp <- result:
	default:
	}
}

// Handle 同步执行一个direct call请求
func (t *Receiver) Handle(req *top.Request) TaskResult {
	begin := time.Now()
	method := unknownMethod
	defer func() {
		metrics.TaskHistogram.WithLabelValues(method).Observe(time.Since(begin).Seconds())
	}()

	if !t.state.ShardExists(req.Shard) {
		return TaskResult{Err: common.ErrInvalidShard}
	}

	key, err := t.keys.RetrieveKey()
	if err != nil {
		t.log.Warn("retrieve shielding key failed", "err", err)
		return TaskResult{Err: common.ErrBadFormatDecipher}
	}
	plain, err := key.Decrypt(req.Cyphertext)
	if err != nil {
		return TaskResult{Err: common.ErrBadFormatDecipher}
	}

	call, err := top.DecodeDirectCallSigned(plain)
	if err != nil {
		return TaskResult{Err: common.ErrBadFormat.More("%v", err)}
	}
	if !call.VerifySignature(t.state.Mrenclave(), req.Shard) {
		return TaskResult{Err: common.ErrInvalidSignature}
	}
	method = methodLabel(call.Call.Method)

	aesKey, err := shielding.NewAesKey(call.Call.AesKey)
	if err != nil {
		return TaskResult{Err: common.ErrBadFormat.More("%v", err)}
	}

	var out []byte
	switch call.Call.Method {
	case top.DirectSignEthereum:
		out, err = t.handler.SignEthereum(call.Call.Sender, call.Call.Payload)
	case top.DirectSignBitcoin:
		out, err = t.handler.SignBitcoin(call.Call.Sender, call.Call.Payload)
	default:
		err = common.ErrUnsupportedOperation.More("direct call %s", call.Call.Method)
	}
	metrics.DirectCallCounter.WithLabelValues(method, string(common.KindOf(err))).Inc()
	if err != nil {
		t.log.Debug("direct call failed", "method", method, "sender", call.Call.Sender, "err", err)
		return TaskResult{Err: err}
	}

	payload, err := aesKey.Encrypt(out)
	if err != nil {
		return TaskResult{Err: common.ErrInternal.More("%v", err)}
	}
	return TaskResult{Payload: payload}
}

package stf

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/timer"
)

const (
	DefaultBlockInterval = 6 * time.Second
	DefaultMaxBlockOps   = 1024
)

// ReadySource 出块时读取可执行记录
type ReadySource interface {
	Ready(shard top.ShardIdentifier) []*top.PooledOperation
	GetShards() []top.ShardIdentifier
}

// ImportSink 出块后回写执行结果
type ImportSink interface {
	OnBlockImported(shard top.ShardIdentifier, executed []*common.ExecutedOperation) error
}

// SidechainBlock 侧链块摘要
type SidechainBlock struct {
	Number     uint64              `json:"number"`
	Shard      top.ShardIdentifier `json:"shard"`
	ParentHash top.Hash            `json:"parent_hash"`
	Operations []top.Hash          `json:"operations"`
	Timestamp  int64               `json:"timestamp"`
}

func (b *SidechainBlock) Hash() top.Hash {
	raw, _ := json.Marshal(b)
	return top.Blake2b256(raw)
}

type chainHead struct {
	number uint64
	hash   top.Hash
}

// Composer 周期性地为每个shard执行ready记录并产出侧链块
type Composer struct {
	log      logs.Logger
	executor *Executor
	source   ReadySource
	sink     ImportSink
	interval time.Duration
	maxOps   int

	lock  sync.Mutex
	heads map[top.ShardIdentifier]chainHead

	exitCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewComposer(executor *Executor, source ReadySource, sink ImportSink,
	interval time.Duration, log logs.Logger) (*Composer, error) {
	if executor == nil || source == nil || sink == nil || log == nil {
		return nil, fmt.Errorf("new composer failed because param error")
	}
	if interval <= 0 {
		interval = DefaultBlockInterval
	}
	return &Composer{
		log:      log,
		executor: executor,
		source:   source,
		sink:     sink,
		interval: interval,
		maxOps:   DefaultMaxBlockOps,
		heads:    make(map[top.ShardIdentifier]chainHead),
		exitCh:   make(chan struct{}),
	}, nil
}

// ComposeBlock 执行shard当前全部ready记录，没有记录时不出块
func (t *Composer) ComposeBlock(shard top.ShardIdentifier) (*SidechainBlock, error) {
	tm := timer.NewXTimer()
	ready := t.source.Ready(shard)
	if len(ready) == 0 {
		return nil, nil
	}
	if len(ready) > t.maxOps {
		ready = ready[:t.maxOps]
	}

	executed := make([]*common.ExecutedOperation, 0, len(ready))
	var included []top.Hash
	for _, p := range ready {
		res := t.executeOne(shard, p)
		executed = append(executed, res)
		if res.Included {
			included = append(included, res.Hash)
		}
	}
	tm.Mark("execute")

	t.lock.Lock()
	head := t.heads[shard]
	block := &SidechainBlock{
		Number:     head.number + 1,
		Shard:      shard,
		ParentHash: head.hash,
		Operations: included,
		Timestamp:  time.Now().UnixNano(),
	}
	t.heads[shard] = chainHead{number: block.Number, hash: block.Hash()}
	t.lock.Unlock()

	err := t.sink.OnBlockImported(shard, executed)
	tm.Mark("import")
	t.log.Info("sidechain block composed", "shard", shard, "number", block.Number,
		"included", len(included), "executed", len(executed), "timer", tm.Print())
	return block, err
}

func (t *Composer) executeOne(shard top.ShardIdentifier, p *top.PooledOperation) *common.ExecutedOperation {
	res := &common.ExecutedOperation{Hash: p.Hash}
	op := p.Operation

	if op.Kind == top.KindGetter {
		output, err := t.executor.ExecuteGetter(shard, op.Getter)
		if err != nil {
			t.log.Warn("getter execute failed", "hash", p.Hash, "err", err)
			return res
		}
		res.Included = true
		res.Output = output
		return res
	}

	if call, ok := op.SignedCall(); ok {
		res.Sender = call.Call.Sender
		res.Nonce = call.Nonce
	}
	result, err := t.executor.Execute(shard, op)
	if result != nil {
		res.NonceUsed = result.NonceUsed
		res.Output = result.Output
	}
	if err != nil {
		t.log.Warn("trusted call execute failed", "hash", p.Hash, "err", err)
		return res
	}
	res.Included = true
	return res
}

// Head 最新侧链块高度
func (t *Composer) Head(shard top.ShardIdentifier) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.heads[shard].number
}

func (t *Composer) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.exitCh:
				return
			case <-ticker.C:
				for _, shard := range t.source.GetShards() {
					if _, err := t.ComposeBlock(shard); err != nil {
						t.log.Warn("compose sidechain block failed", "shard", shard, "err", err)
					}
				}
			}
		}
	}()
}

func (t *Composer) Stop() {
	t.once.Do(func() {
		close(t.exitCh)
	})
	t.wg.Wait()
}

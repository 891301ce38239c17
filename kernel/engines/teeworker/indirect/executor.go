package indirect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/metrics"
	"github.com/xuperchain/teeworker/lib/storage/kvdb"
)

const (
	CursorTablePrefix = "IC/"
	cursorKey         = "cursor"

	resultOk     = "ok"
	resultFailed = "failed"
)

// ParentchainBlock 已finalize的parentchain块
type ParentchainBlock struct {
	Number     uint64   `json:"number"`
	Hash       top.Hash `json:"hash"`
	Extrinsics [][]byte `json:"extrinsics"`
}

// TrustedCallSubmitter 把加密后的operation送入admission流程
type TrustedCallSubmitter interface {
	SubmitTrustedCall(shard top.ShardIdentifier, encrypted []byte) (top.Hash, error)
}

// NonceSource enclave账户下一个nonce
type NonceSource interface {
	NextNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error)
}

type ExecutorCtx struct {
	Keys      common.KeyRepository
	Submitter TrustedCallSubmitter
	Nonces    NonceSource
	State     common.StateFacade
	Signer    top.CallSigner
	Relayers  RelayerStore
	Enclaves  EnclaveStore
	Parser    ExtrinsicParser
	Filter    CallFilter
	Metadata  Metadata
	// 为nil时cursor只保存在内存
	DB  kvdb.Database
	Log logs.Logger
}

type executorCursor struct {
	BlockNumber uint64 `json:"block_number"`
	// 下一个待处理的extrinsic
	ExtrinsicIndex int  `json:"extrinsic_index"`
	Done           bool `json:"done"`
}

// Executor 遍历parentchain块中的extrinsic并执行识别出的indirect call
type Executor struct {
	ctx   *ExecutorCtx
	log   logs.Logger
	table kvdb.Database

	// 同一时间只处理一个块
	lock   sync.Mutex
	cursor *executorCursor
	signLock sync.Mutex
}

func NewExecutor(ctx *ExecutorCtx) (*Executor, error) {
	if ctx == nil || ctx.Keys == nil || ctx.Submitter == nil || ctx.Nonces == nil ||
		ctx.State == nil || ctx.Signer == nil || ctx.Relayers == nil || ctx.Enclaves == nil ||
		ctx.Metadata == nil || ctx.Log == nil {
		return nil, fmt.Errorf("new indirect executor failed because param error")
	}
	if ctx.Parser == nil {
		ctx.Parser = DefaultParser{}
	}
	if ctx.Filter == nil {
		ctx.Filter = NewDefaultFilter(ctx.Parser, ctx.Log)
	}

	t := &Executor{
		ctx: ctx,
		log: ctx.Log,
	}
	if ctx.DB != nil {
		t.table = kvdb.NewTable(ctx.DB, CursorTablePrefix)
	}
	cursor, err := t.reloadCursor()
	if err != nil {
		return nil, err
	}
	t.cursor = cursor

	CheckMetadata(ctx.Metadata, ctx.Log)
	return t, nil
}

// ExecuteBlock 返回成功执行的indirect call数，单个call失败只记录日志
func (t *Executor) ExecuteBlock(block *ParentchainBlock) (int, error) {
	if block == nil {
		return 0, common.ErrParameter
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	start := 0
	if c := t.cursor; c != nil {
		if block.Number < c.BlockNumber || (block.Number == c.BlockNumber && c.Done) {
			t.log.Debug("parentchain block already handled, skip", "number", block.Number)
			return 0, nil
		}
		if block.Number == c.BlockNumber {
			start = c.ExtrinsicIndex
		}
	}

	executed := 0
	for i := start; i < len(block.Extrinsics); i++ {
		if t.executeOne(block.Number, i, block.Extrinsics[i]) {
			executed++
		}
		if err := t.storeCursor(&executorCursor{BlockNumber: block.Number, ExtrinsicIndex: i + 1}); err != nil {
			return executed, err
		}
	}

	err := t.storeCursor(&executorCursor{
		BlockNumber:    block.Number,
		ExtrinsicIndex: len(block.Extrinsics),
		Done:           true,
	})
	t.log.Info("parentchain block handled", "number", block.Number, "hash", block.Hash,
		"extrinsics", len(block.Extrinsics), "executed", executed)
	return executed, err
}

func (t *Executor) executeOne(number uint64, index int, raw []byte) bool {
	call, ok := t.ctx.Filter.FilterIntoWithMetadata(raw, t.ctx.Metadata)
	if !ok {
		return false
	}

	ext, err := t.ctx.Parser.Parse(raw)
	if err != nil {
		ext = &ParsedExtrinsic{Raw: raw}
	}

	if err := call.Dispatch(t, ext); err != nil {
		metrics.IndirectCallCounter.WithLabelValues(call.Name(), resultFailed).Inc()
		t.log.Warn("dispatch indirect call failed", "block", number, "index", index,
			"call", call.Name(), "err", err)
		return false
	}
	metrics.IndirectCallCounter.WithLabelValues(call.Name(), resultOk).Inc()
	t.log.Debug("indirect call dispatched", "block", number, "index", index, "call", call.Name())
	return true
}

// Run 消费块直到ctx结束或blocks关闭
func (t *Executor) Run(ctx context.Context, blocks <-chan *ParentchainBlock) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-blocks:
			if !ok {
				return nil
			}
			if _, err := t.ExecuteBlock(block); err != nil {
				t.log.Error("execute parentchain block failed", "number", block.Number, "err", err)
			}
		}
	}
}

// LastHandled 最近处理的块号及该块是否处理完
func (t *Executor) LastHandled() (uint64, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cursor == nil {
		return 0, false
	}
	return t.cursor.BlockNumber, t.cursor.Done
}

func (t *Executor) storeCursor(cursor *executorCursor) error {
	t.cursor = cursor
	if t.table == nil {
		return nil
	}

	buf, err := json.Marshal(cursor)
	if err != nil {
		return common.ErrInternal.More("%v", err)
	}
	if err := t.table.Put([]byte(cursorKey), buf); err != nil {
		t.log.Warn("store indirect executor cursor failed", "err", err, "block", cursor.BlockNumber)
		return common.ErrStorage.More("%v", err)
	}
	return nil
}

func (t *Executor) reloadCursor() (*executorCursor, error) {
	if t.table == nil {
		return nil, nil
	}

	buf, err := t.table.Get([]byte(cursorKey))
	if errors.Is(err, kvdb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, common.ErrStorage.More("%v", err)
	}

	cursor := new(executorCursor)
	if err := json.Unmarshal(buf, cursor); err != nil {
		return nil, common.ErrStorage.More("invalid cursor.err:%v", err)
	}
	return cursor, nil
}

func (t *Executor) Decrypt(cipher []byte) ([]byte, error) {
	key, err := t.ctx.Keys.RetrieveKey()
	if err != nil {
		return nil, err
	}
	return key.Decrypt(cipher)
}

func (t *Executor) Encrypt(plain []byte) ([]byte, error) {
	key, err := t.ctx.Keys.RetrieveKey()
	if err != nil {
		return nil, err
	}
	return key.Encrypt(plain)
}

func (t *Executor) SubmitTrustedCall(shard top.ShardIdentifier, encrypted []byte) (top.Hash, error) {
	return t.ctx.Submitter.SubmitTrustedCall(shard, encrypted)
}

// SignCallWithSelf 以enclave账户签名，nonce取pool中该账户的下一个nonce
func (t *Executor) SignCallWithSelf(shard top.ShardIdentifier, call *top.TrustedCall) (*top.TrustedCallSigned, error) {
	if !call.Sender.Equal(t.EnclaveAccount()) {
		return nil, common.ErrUnauthorized.More("call sender is not the enclave account")
	}

	t.signLock.Lock()
	defer t.signLock.Unlock()
	nonce, err := t.ctx.Nonces.NextNonce(shard, call.Sender)
	if err != nil {
		return nil, err
	}
	return call.Sign(t.ctx.Signer, nonce, t.ctx.State.Mrenclave(), shard)
}

func (t *Executor) EnclaveAccount() top.Identity {
	return t.ctx.Signer.Identity()
}

func (t *Executor) RelayerRegistry() RelayerStore {
	return t.ctx.Relayers
}

func (t *Executor) ScheduledEnclaves() EnclaveStore {
	return t.ctx.Enclaves
}

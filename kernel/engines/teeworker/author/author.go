package author

import (
	"context"
	"fmt"
	"sync"

	hex "github.com/tmthrgd/go-hex"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/filter"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/metrics"
)

// Author 入池前的准入流程：shard检查、解密、解码、过滤、验签、入池、广播
type Author struct {
	log   logs.Logger
	pool  common.OperationPool
	state common.StateFacade
	keys  common.KeyRepository

	filterLock      sync.RWMutex
	submitFilter    common.OperationFilter
	broadcastFilter common.OperationFilter

	broadcastCh chan<- *BroadcastedRequest
}

// NewAuthor broadcastCh为nil时广播请求只记日志
func NewAuthor(pool common.OperationPool, state common.StateFacade, keys common.KeyRepository,
	submitFilter, broadcastFilter common.OperationFilter, broadcastCh chan<- *BroadcastedRequest,
	log logs.Logger) (*Author, error) {
	if pool == nil || state == nil || keys == nil || log == nil {
		return nil, fmt.Errorf("new author failed because param error")
	}
	if submitFilter == nil {
		submitFilter = filter.AllowAll
	}
	if broadcastFilter == nil {
		broadcastFilter = filter.AllowAll
	}

	return &Author{
		log:             log,
		pool:            pool,
		state:           state,
		keys:            keys,
		submitFilter:    submitFilter,
		broadcastFilter: broadcastFilter,
		broadcastCh:     broadcastCh,
	}, nil
}

func (t *Author) SetSubmitFilter(f common.OperationFilter) {
	t.filterLock.Lock()
	defer t.filterLock.Unlock()
	t.submitFilter = f
}

func (t *Author) SetBroadcastFilter(f common.OperationFilter) {
	t.filterLock.Lock()
	defer t.filterLock.Unlock()
	t.broadcastFilter = f
}

func (t *Author) filters() (common.OperationFilter, common.OperationFilter) {
	t.filterLock.RLock()
	defer t.filterLock.RUnlock()
	return t.submitFilter, t.broadcastFilter
}

// ProcessTop 处理一条加密请求，raw为编码后的top.Request
// 解密相关的失败统一返回BadFormatDecipher，不暴露具体失败环节
func (t *Author) ProcessTop(ctx context.Context, raw []byte, mode SubmissionMode) (top.Hash, error) {
	if err := ctx.Err(); err != nil {
		return top.Hash{}, common.ErrInternal.More("%v", err)
	}
	req, err := top.DecodeRequest(raw)
	if err != nil {
		return t.reject(common.ErrBadFormat.More("%v", err))
	}

	if !t.state.ShardExists(req.Shard) {
		return t.reject(common.ErrInvalidShard)
	}

	key, err := t.keys.RetrieveKey()
	if err != nil {
		t.log.Warn("retrieve shielding key failed", "err", err)
		return t.reject(common.ErrBadFormatDecipher)
	}
	plain, err := key.Decrypt(req.Cyphertext)
	if err != nil {
		return t.reject(common.ErrBadFormatDecipher)
	}

	op, err := top.DecodeOperation(plain)
	if err != nil {
		return t.reject(common.ErrBadFormat)
	}

	submitFilter, broadcastFilter := t.filters()
	if !submitFilter.Admit(op) {
		return t.reject(common.ErrUnsupportedOperation)
	}
	if !t.authenticate(req.Shard, op) {
		return t.reject(common.ErrInvalidSignature)
	}

	hash, err := top.HashOf(op)
	if err != nil {
		return t.reject(common.ErrBadFormat)
	}
	existed := t.pool.Contains(req.Shard, hash)

	if mode.watch() {
		hash, err = t.pool.SubmitAndWatch(req.Shard, op)
	} else {
		hash, err = t.pool.SubmitOne(req.Shard, op)
	}
	if err != nil {
		t.log.Debug("submit trusted operation to pool failed", "shard", req.Shard, "err", err)
		return t.reject(err)
	}
	if !existed {
		t.updatePoolSize(req.Shard, 1)
	}
	t.incSubmitted(req.Shard, mode)

	if mode.kind == modeSubmitWatchAndBroadcast {
		t.broadcast(hash, raw, mode.rpcMethod, op, broadcastFilter)
	}
	return hash, nil
}

// authenticate call签名覆盖nonce、mrenclave和shard，签名getter由sender签名
func (t *Author) authenticate(shard top.ShardIdentifier, op *top.Operation) bool {
	if call, ok := op.SignedCall(); ok {
		return call.VerifySignature(t.state.Mrenclave(), shard)
	}
	if op.Kind == top.KindGetter {
		return op.Getter.VerifySignature(shard)
	}
	return false
}

func (t *Author) reject(err error) (top.Hash, error) {
	if c, e := metrics.TopRejectedCounter.GetMetricWithLabelValues(string(common.KindOf(err))); e == nil {
		c.Inc()
	}
	return top.Hash{}, err
}

func (t *Author) incSubmitted(shard top.ShardIdentifier, mode SubmissionMode) {
	c, err := metrics.TopSubmittedCounter.GetMetricWithLabelValues(shard.String(), mode.String())
	if err != nil {
		t.log.Warn("update submitted metric failed", "err", err)
		return
	}
	c.Inc()
}

// updatePoolSize 指标更新失败只记录日志
func (t *Author) updatePoolSize(shard top.ShardIdentifier, delta float64) {
	g, err := metrics.TopPoolSizeGauge.GetMetricWithLabelValues(shard.String())
	if err != nil {
		t.log.Warn("update pool size metric failed", "shard", shard, "err", err)
		return
	}
	g.Add(delta)
}

func (t *Author) resetPoolSize(shard top.ShardIdentifier) {
	g, err := metrics.TopPoolSizeGauge.GetMetricWithLabelValues(shard.String())
	if err != nil {
		t.log.Warn("update pool size metric failed", "shard", shard, "err", err)
		return
	}
	status := t.pool.Status(shard)
	g.Set(float64(status.ReadyCount + status.PendingCount))
}

// broadcast 不阻塞，失败只记日志，不影响已完成的入池
func (t *Author) broadcast(hash top.Hash, raw []byte, rpcMethod string, op *top.Operation,
	broadcastFilter common.OperationFilter) {
	if !broadcastFilter.Admit(op) {
		t.log.Debug("operation not admitted for broadcast", "hash", hash)
		return
	}
	if t.broadcastCh == nil {
		t.log.Warn("broadcast channel not set, drop broadcast", "hash", hash)
		return
	}

	req := &BroadcastedRequest{
		Id:        hex.EncodeToString(hash[:]),
		Payload:   hex.EncodeToString(raw),
		RpcMethod: rpcMethod,
	}
	select {
	case t.broadcastCh <- req:
		t.pool.UpdateStatus(hash, top.StatusBroadcast)
	default:
		t.log.Warn("broadcast channel is full, drop broadcast", "hash", hash, "rpc_method", rpcMethod)
	}
}

// RemoveTop 移除一条记录，未命中返回ErrOperationNotFound
func (t *Author) RemoveTop(ref TopRef, shard top.ShardIdentifier, inblock bool) (top.Hash, error) {
	if ref == nil {
		return top.Hash{}, common.ErrBadFormat.More("empty ref")
	}
	hash, err := ref.resolve()
	if err != nil {
		return top.Hash{}, err
	}

	removed := t.pool.RemoveInvalid([]top.Hash{hash}, shard, inblock)
	if len(removed) == 0 {
		return hash, common.ErrOperationNotFound.More("%s", hash)
	}
	t.updatePoolSize(shard, -1)
	return hash, nil
}

// RemoveCallsFromPool 逐条移除，返回失败的记录，单条失败不影响其余记录
func (t *Author) RemoveCallsFromPool(shard top.ShardIdentifier, executed []ExecutedRef) []*RemoveFailure {
	var failures []*RemoveFailure
	for _, ref := range executed {
		if _, err := t.RemoveTop(ref.Ref, shard, ref.Included); err != nil {
			failures = append(failures, &RemoveFailure{Ref: ref, Err: err})
		}
	}
	return failures
}

// OnBlockImported 出块后回推执行结果、清理pool并推进nonce
func (t *Author) OnBlockImported(shard top.ShardIdentifier, executed []*common.ExecutedOperation) error {
	refs := make([]ExecutedRef, 0, len(executed))
	for _, e := range executed {
		if len(e.Output) > 0 {
			t.pool.AttachResult(e.Hash, e.Output)
		}
		refs = append(refs, ExecutedRef{Ref: HashRef(e.Hash), Included: e.Included})
	}

	failures := t.RemoveCallsFromPool(shard, refs)
	for _, f := range failures {
		t.log.Warn("remove executed operation failed", "shard", shard, "err", f.Err)
	}
	for _, e := range executed {
		if e.NonceUsed {
			t.pool.OnExecuted(shard, e.Sender, e.Nonce)
		}
	}
	t.resetPoolSize(shard)

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d executed operations not removed", len(failures), len(executed))
	}
	return nil
}

// MigratePool 迁移pool中old的记录并重新统计两个shard的pool size
func (t *Author) MigratePool(old, new top.ShardIdentifier) {
	t.pool.MigrateShard(old, new)
	t.resetPoolSize(old)
	t.resetPoolSize(new)
}

// PendingTops 编码后的全部记录，ready在前
func (t *Author) PendingTops(shard top.ShardIdentifier) [][]byte {
	all := t.pool.All(shard)
	out := make([][]byte, 0, len(all))
	for _, p := range all {
		out = append(out, p.Encoded)
	}
	return out
}

func (t *Author) GetPendingGetters(shard top.ShardIdentifier) []*top.Operation {
	var out []*top.Operation
	for _, p := range t.pool.All(shard) {
		if p.Operation.Kind == top.KindGetter {
			out = append(out, p.Operation)
		}
	}
	return out
}

func (t *Author) GetPendingTrustedCalls(shard top.ShardIdentifier) []*top.Operation {
	var out []*top.Operation
	for _, p := range t.pool.All(shard) {
		if p.Operation.IsCall() {
			out = append(out, p.Operation)
		}
	}
	return out
}

func (t *Author) GetPendingTrustedCallsFor(shard top.ShardIdentifier, account top.Identity) []*top.Operation {
	pooled := t.pool.PendingTrustedCallsFor(shard, account)
	out := make([]*top.Operation, 0, len(pooled))
	for _, p := range pooled {
		out = append(out, p.Operation)
	}
	return out
}

func (t *Author) GetStatus(shard top.ShardIdentifier) top.PoolStatus {
	return t.pool.Status(shard)
}

// GetShards pool中有记录的shard
func (t *Author) GetShards() []top.ShardIdentifier {
	return t.pool.Shards()
}

// ListHandledShards worker负责的全部shard
func (t *Author) ListHandledShards() []top.ShardIdentifier {
	return t.state.ListShards()
}

func (t *Author) Ready(shard top.ShardIdentifier) []*top.PooledOperation {
	return t.pool.Ready(shard)
}

func (t *Author) HashOf(op *top.Operation) (top.Hash, error) {
	return top.HashOf(op)
}

func (t *Author) SubmitTop(ctx context.Context, raw []byte) (top.Hash, error) {
	return t.ProcessTop(ctx, raw, Submit())
}

func (t *Author) WatchTop(ctx context.Context, raw []byte) (top.Hash, error) {
	return t.ProcessTop(ctx, raw, SubmitWatch())
}

func (t *Author) WatchAndBroadcastTop(ctx context.Context, raw []byte, rpcMethod string) (top.Hash, error) {
	return t.ProcessTop(ctx, raw, SubmitWatchAndBroadcast(rpcMethod))
}

// SubmitTrustedCall 提交enclave自己构造并加密的call，走与rpc请求相同的准入流程
func (t *Author) SubmitTrustedCall(shard top.ShardIdentifier, encrypted []byte) (top.Hash, error) {
	req := &top.Request{Shard: shard, Cyphertext: encrypted}
	return t.ProcessTop(context.Background(), req.Encode(), Submit())
}

func (t *Author) UpdateConnectionState(hash top.Hash, encoded []byte, forceWait bool) {
	t.pool.UpdateConnectionState(hash, encoded, forceWait)
}

func (t *Author) SwapRpcConnectionHash(old, new top.Hash) {
	t.pool.SwapRpcConnectionHash(old, new)
}

package toppool

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/patrickmn/go-cache"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
)

const (
	defaultReadyLimit   = 8192
	defaultPendingLimit = 8192
	defaultBanTime      = 30 * time.Minute
)

type Config struct {
	// 单个shard最多ready条数
	ReadyLimit int
	// 单个shard最多pending条数
	PendingLimit int
	// 被移除的hash在此时间内不允许重新提交
	BanTime time.Duration
}

func GetDefConfig() *Config {
	return &Config{
		ReadyLimit:   defaultReadyLimit,
		PendingLimit: defaultPendingLimit,
		BanTime:      defaultBanTime,
	}
}

type shardPool struct {
	// ready按进入ready的先后排列
	ready    *deque.Deque
	byHash   map[top.Hash]*entry
	accounts map[string]*accountQueue
	pending  int
}

func newShardPool() *shardPool {
	return &shardPool{
		ready:    deque.New(),
		byHash:   make(map[top.Hash]*entry),
		accounts: make(map[string]*accountQueue),
	}
}

// Pool 按shard隔离的trusted operation池
// 同一账户的call只有在更小nonce全部ready之后才会ready
type Pool struct {
	log    logs.Logger
	conf   *Config
	state  common.StateFacade
	banned *cache.Cache

	lock     sync.RWMutex
	shards   map[top.ShardIdentifier]*shardPool
	owner    map[top.Hash]top.ShardIdentifier
	watchers *watchSet
	// entry hash => rpc连接使用的hash
	alias map[top.Hash]top.Hash
	// 等待随终态推送的执行输出
	results   map[top.Hash][]byte
	responder common.RpcResponder
}

func NewPool(conf *Config, state common.StateFacade, log logs.Logger) (*Pool, error) {
	if state == nil || log == nil {
		return nil, fmt.Errorf("new pool failed because param error")
	}
	if conf == nil {
		conf = GetDefConfig()
	}
	if conf.BanTime <= 0 {
		conf.BanTime = defaultBanTime
	}

	pool := &Pool{
		log:      log,
		conf:     conf,
		state:    state,
		banned:   cache.New(conf.BanTime, conf.BanTime),
		shards:   make(map[top.ShardIdentifier]*shardPool),
		owner:    make(map[top.Hash]top.ShardIdentifier),
		watchers: newWatchSet(),
		alias:    make(map[top.Hash]top.Hash),
		results:  make(map[top.Hash][]byte),
	}
	return pool, nil
}

// SetResponder 设置rpc推送，nil表示只做进程内通知
func (t *Pool) SetResponder(responder common.RpcResponder) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.responder = responder
}

func (t *Pool) SubmitOne(shard top.ShardIdentifier, op *top.Operation) (top.Hash, error) {
	return t.submit(shard, op, false)
}

// SubmitAndWatch 提交并登记rpc推送，重复提交同一hash返回已有记录
func (t *Pool) SubmitAndWatch(shard top.ShardIdentifier, op *top.Operation) (top.Hash, error) {
	return t.submit(shard, op, true)
}

func (t *Pool) submit(shard top.ShardIdentifier, op *top.Operation, watch bool) (top.Hash, error) {
	if op == nil {
		return top.Hash{}, common.ErrInvalidTrustedOperation.More("empty operation")
	}
	encoded, err := op.Encode()
	if err != nil {
		return top.Hash{}, common.ErrInvalidTrustedOperation.More("%v", err)
	}
	if !t.state.ShardExists(shard) {
		return top.Hash{}, common.ErrInvalidTrustedOperation.More("unknown shard %s", shard)
	}
	hash := top.Blake2b256(encoded)
	if _, banned := t.banned.Get(hash.String()); banned {
		return hash, common.ErrTemporarilyBanned
	}

	t.lock.Lock()
	sp, ok := t.shards[shard]
	if !ok {
		sp = newShardPool()
	}
	if _, exist := sp.byHash[hash]; exist {
		if watch {
			t.watchers.rpc[t.watchKey(hash)] = true
		}
		t.lock.Unlock()
		return hash, nil
	}

	e := &entry{
		hash:       hash,
		shard:      shard,
		op:         op,
		encoded:    encoded,
		insertedAt: time.Now(),
	}
	var events []StatusEvent
	if call, isCall := op.SignedCall(); isCall {
		events, err = t.insertCall(sp, e, call)
	} else {
		events, err = t.insertGetter(sp, e)
	}
	if err != nil {
		t.lock.Unlock()
		return top.Hash{}, err
	}

	t.shards[shard] = sp
	t.owner[hash] = shard
	if watch {
		t.watchers.rpc[hash] = true
	}
	status := e.status
	notes := t.collect(events)
	t.lock.Unlock()

	t.log.Debug("trusted operation pooled", "shard", shard, "hash", hash, "status", status)
	t.dispatch(notes)
	return hash, nil
}

func (t *Pool) insertGetter(sp *shardPool, e *entry) ([]StatusEvent, error) {
	if sp.ready.Len() >= t.conf.ReadyLimit {
		return nil, common.ErrPoolFull
	}
	e.status = top.StatusReady
	sp.byHash[e.hash] = e
	sp.ready.PushBack(e)
	return []StatusEvent{{Hash: e.hash, Status: top.StatusReady}}, nil
}

func (t *Pool) insertCall(sp *shardPool, e *entry, call *top.TrustedCallSigned) ([]StatusEvent, error) {
	e.account = call.Call.Sender.Key()
	e.nonce = call.Nonce
	e.hasNonce = true

	acc, ok := sp.accounts[e.account]
	if !ok {
		expected, err := t.state.AccountNonce(e.shard, call.Call.Sender)
		if err != nil {
			t.log.Warn("query account nonce failed", "account", e.account, "err", err)
			return nil, common.ErrStorage.More("%v", err)
		}
		acc = newAccountQueue(expected)
	}
	if e.nonce < acc.expected {
		return nil, common.ErrStaleNonce.More("nonce %d less than %d", e.nonce, acc.expected)
	}
	if _, dup := acc.get(e.nonce); dup {
		return nil, common.ErrInvalidTrustedOperation.More("nonce %d already pooled", e.nonce)
	}

	if e.nonce == acc.nextNonce() {
		if sp.ready.Len() >= t.conf.ReadyLimit {
			return nil, common.ErrPoolFull
		}
		e.status = top.StatusReady
	} else {
		if sp.pending >= t.conf.PendingLimit {
			return nil, common.ErrPoolFull
		}
		e.status = top.StatusFuture
	}

	sp.accounts[e.account] = acc
	sp.byHash[e.hash] = e
	acc.put(e)
	if e.status == top.StatusFuture {
		sp.pending++
		return []StatusEvent{{Hash: e.hash, Status: top.StatusFuture}}, nil
	}

	sp.ready.PushBack(e)
	events := []StatusEvent{{Hash: e.hash, Status: top.StatusReady}}
	return append(events, promote(sp, acc, e.nonce+1)...), nil
}

// promote 从from开始把连续的pending提升为ready
func promote(sp *shardPool, acc *accountQueue, from uint64) []StatusEvent {
	var events []StatusEvent
	for next := from; ; next++ {
		e, ok := acc.get(next)
		if !ok {
			return events
		}
		if e.status == top.StatusReady {
			continue
		}
		e.status = top.StatusReady
		sp.pending--
		sp.ready.PushBack(e)
		events = append(events, StatusEvent{Hash: e.hash, Status: top.StatusReady})
	}
}

// reevaluate 以账户当前expected重新计算ready/pending，低于expected的记录被丢弃
func (t *Pool) reevaluate(sp *shardPool, acc *accountQueue) []StatusEvent {
	var events []StatusEvent
	next := acc.expected
	for _, e := range acc.entries() {
		switch {
		case e.nonce < acc.expected:
			t.detach(sp, e)
			t.banned.SetDefault(e.hash.String(), struct{}{})
			events = append(events, StatusEvent{Hash: e.hash, Status: top.StatusDropped})
		case e.nonce == next:
			if e.status != top.StatusReady {
				e.status = top.StatusReady
				sp.pending--
				sp.ready.PushBack(e)
				events = append(events, StatusEvent{Hash: e.hash, Status: top.StatusReady})
			}
			next++
		default:
			if e.status == top.StatusReady {
				e.status = top.StatusFuture
				sp.pending++
				events = append(events, StatusEvent{Hash: e.hash, Status: top.StatusFuture})
			}
		}
	}
	if acc.empty() {
		for key, q := range sp.accounts {
			if q == acc {
				delete(sp.accounts, key)
			}
		}
	}
	compactReady(sp)
	return events
}

// detach 从索引中摘除，ready队列由compactReady统一整理
func (t *Pool) detach(sp *shardPool, e *entry) {
	delete(sp.byHash, e.hash)
	delete(t.owner, e.hash)
	if e.status != top.StatusReady {
		sp.pending--
	}
	if !e.hasNonce {
		return
	}
	if acc, ok := sp.accounts[e.account]; ok {
		acc.remove(e.nonce)
	}
}

func compactReady(sp *shardPool) {
	kept := deque.New()
	for i := 0; i < sp.ready.Len(); i++ {
		e := sp.ready.At(i).(*entry)
		if cur, ok := sp.byHash[e.hash]; ok && cur == e && e.status == top.StatusReady {
			kept.PushBack(e)
		}
	}
	sp.ready = kept
}

// RemoveInvalid 移除指定hash，返回实际移除的hash，未命中的不算错误
// inblock为true表示已打包进侧链块，该账户后续call保持ready
func (t *Pool) RemoveInvalid(hashes []top.Hash, shard top.ShardIdentifier, inblock bool) []top.Hash {
	t.lock.Lock()
	sp, ok := t.shards[shard]
	if !ok {
		t.lock.Unlock()
		return nil
	}

	status := top.StatusInvalid
	if inblock {
		status = top.StatusInSidechainBlock
	}
	var removed []top.Hash
	var events []StatusEvent
	touched := make(map[string]*accountQueue)
	for _, hash := range hashes {
		e, exist := sp.byHash[hash]
		if !exist {
			continue
		}
		t.detach(sp, e)
		t.banned.SetDefault(hash.String(), struct{}{})
		removed = append(removed, hash)
		events = append(events, StatusEvent{Hash: hash, Status: status})

		if !e.hasNonce {
			continue
		}
		if acc, ok := sp.accounts[e.account]; ok {
			if inblock && e.nonce >= acc.expected {
				acc.expected = e.nonce + 1
			}
			touched[e.account] = acc
		}
	}
	for _, acc := range touched {
		events = append(events, t.reevaluate(sp, acc)...)
	}
	compactReady(sp)
	notes := t.collect(events)
	t.lock.Unlock()

	t.dispatch(notes)
	return removed
}

// OnExecuted 记录账户已执行的nonce，推进后续call
func (t *Pool) OnExecuted(shard top.ShardIdentifier, sender top.Identity, nonce uint64) {
	t.lock.Lock()
	sp, ok := t.shards[shard]
	if !ok {
		t.lock.Unlock()
		return
	}
	acc, ok := sp.accounts[sender.Key()]
	if !ok || nonce+1 <= acc.expected {
		t.lock.Unlock()
		return
	}
	acc.expected = nonce + 1
	notes := t.collect(t.reevaluate(sp, acc))
	t.lock.Unlock()

	t.dispatch(notes)
}

// UpdateStatus 推送外部产生的状态，如Broadcast，不改变池内状态
func (t *Pool) UpdateStatus(hash top.Hash, status top.OperationStatus) {
	t.lock.Lock()
	notes := t.collect([]StatusEvent{{Hash: hash, Status: status}})
	t.lock.Unlock()

	t.dispatch(notes)
}

func (t *Pool) Ready(shard top.ShardIdentifier) []*top.PooledOperation {
	t.lock.RLock()
	defer t.lock.RUnlock()

	sp, ok := t.shards[shard]
	if !ok {
		return nil
	}
	out := make([]*top.PooledOperation, 0, sp.ready.Len())
	for i := 0; i < sp.ready.Len(); i++ {
		out = append(out, sp.ready.At(i).(*entry).snapshot())
	}
	return out
}

// Pending not yet executable calls, oldest first
func (t *Pool) Pending(shard top.ShardIdentifier) []*top.PooledOperation {
	t.lock.RLock()
	defer t.lock.RUnlock()

	sp, ok := t.shards[shard]
	if !ok {
		return nil
	}
	return pendingOf(sp)
}

func pendingOf(sp *shardPool) []*top.PooledOperation {
	out := make([]*top.PooledOperation, 0, sp.pending)
	for _, e := range sp.byHash {
		if e.status != top.StatusReady {
			out = append(out, e.snapshot())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].InsertedAt.Before(out[j].InsertedAt)
	})
	return out
}

// All ready在前，pending在后
func (t *Pool) All(shard top.ShardIdentifier) []*top.PooledOperation {
	ready := t.Ready(shard)

	t.lock.RLock()
	defer t.lock.RUnlock()
	sp, ok := t.shards[shard]
	if !ok {
		return ready
	}
	return append(ready, pendingOf(sp)...)
}

// PendingTrustedCallsFor all pooled calls of account in nonce order
func (t *Pool) PendingTrustedCallsFor(shard top.ShardIdentifier, account top.Identity) []*top.PooledOperation {
	t.lock.RLock()
	defer t.lock.RUnlock()

	sp, ok := t.shards[shard]
	if !ok {
		return nil
	}
	acc, ok := sp.accounts[account.Key()]
	if !ok {
		return nil
	}
	entries := acc.entries()
	out := make([]*top.PooledOperation, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// NextNonce 账户下一个可直接ready的nonce
func (t *Pool) NextNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error) {
	t.lock.RLock()
	if sp, ok := t.shards[shard]; ok {
		if acc, ok := sp.accounts[account.Key()]; ok {
			next := acc.nextNonce()
			t.lock.RUnlock()
			return next, nil
		}
	}
	t.lock.RUnlock()

	return t.state.AccountNonce(shard, account)
}

func (t *Pool) Get(hash top.Hash) (*top.PooledOperation, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	shard, ok := t.owner[hash]
	if !ok {
		return nil, false
	}
	return t.shards[shard].byHash[hash].snapshot(), true
}

func (t *Pool) Contains(shard top.ShardIdentifier, hash top.Hash) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	sp, ok := t.shards[shard]
	if !ok {
		return false
	}
	_, exist := sp.byHash[hash]
	return exist
}

func (t *Pool) Status(shard top.ShardIdentifier) top.PoolStatus {
	t.lock.RLock()
	defer t.lock.RUnlock()

	sp, ok := t.shards[shard]
	if !ok {
		return top.PoolStatus{}
	}
	return top.PoolStatus{ReadyCount: sp.ready.Len(), PendingCount: sp.pending}
}

// Shards 池中有记录的shard，按字节序
func (t *Pool) Shards() []top.ShardIdentifier {
	t.lock.RLock()
	defer t.lock.RUnlock()

	out := make([]top.ShardIdentifier, 0, len(t.shards))
	for shard, sp := range t.shards {
		if len(sp.byHash) > 0 {
			out = append(out, shard)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// MigrateShard 把old下的记录整体迁到new下，new已有记录时合并
// 合并后按账户重新计算ready/pending，同一nonce冲突时保留new中的记录
func (t *Pool) MigrateShard(old, new top.ShardIdentifier) {
	t.lock.Lock()
	sp, ok := t.shards[old]
	if !ok || old == new {
		t.lock.Unlock()
		return
	}
	delete(t.shards, old)
	dst, ok := t.shards[new]
	if !ok {
		for _, e := range sp.byHash {
			e.shard = new
			t.owner[e.hash] = new
		}
		t.shards[new] = sp
		t.lock.Unlock()
		return
	}

	prior := make(map[top.Hash]top.OperationStatus, len(sp.byHash))
	var events []StatusEvent
	var order []*accountQueue
	touched := make(map[string]*accountQueue)
	for _, e := range migrationOrder(sp) {
		if _, exist := dst.byHash[e.hash]; exist {
			t.owner[e.hash] = new
			continue
		}
		e.shard = new
		if !e.hasNonce {
			dst.byHash[e.hash] = e
			t.owner[e.hash] = new
			if e.status == top.StatusReady {
				dst.ready.PushBack(e)
			} else {
				dst.pending++
			}
			continue
		}

		acc, ok := dst.accounts[e.account]
		if !ok {
			acc = newAccountQueue(sp.accounts[e.account].expected)
			dst.accounts[e.account] = acc
		}
		if src := sp.accounts[e.account]; src.expected > acc.expected {
			acc.expected = src.expected
		}
		if _, dup := acc.get(e.nonce); dup {
			delete(t.owner, e.hash)
			t.banned.SetDefault(e.hash.String(), struct{}{})
			events = append(events, StatusEvent{Hash: e.hash, Status: top.StatusDropped})
			continue
		}

		// 统一先记为pending，由reevaluate决定是否ready
		prior[e.hash] = e.status
		e.status = top.StatusFuture
		dst.pending++
		dst.byHash[e.hash] = e
		t.owner[e.hash] = new
		acc.put(e)
		if _, seen := touched[e.account]; !seen {
			touched[e.account] = acc
			order = append(order, acc)
		}
	}
	for _, acc := range order {
		for _, ev := range t.reevaluate(dst, acc) {
			if before, ok := prior[ev.Hash]; ok && before == ev.Status {
				continue
			}
			events = append(events, ev)
		}
	}
	// 未被promote回ready的记录状态确实发生了变化
	for hash, before := range prior {
		if e, ok := dst.byHash[hash]; ok && before == top.StatusReady && e.status != top.StatusReady {
			events = append(events, StatusEvent{Hash: hash, Status: e.status})
		}
	}
	compactReady(dst)
	notes := t.collect(events)
	t.lock.Unlock()

	t.log.Info("pool shard migrated", "old", old, "new", new, "merged", len(prior))
	t.dispatch(notes)
}

// migrationOrder old中ready的记录在前，保持进入ready的先后
func migrationOrder(sp *shardPool) []*entry {
	out := make([]*entry, 0, len(sp.byHash))
	seen := make(map[top.Hash]bool, len(sp.byHash))
	for i := 0; i < sp.ready.Len(); i++ {
		e := sp.ready.At(i).(*entry)
		if cur, ok := sp.byHash[e.hash]; ok && cur == e && !seen[e.hash] {
			seen[e.hash] = true
			out = append(out, e)
		}
	}
	rest := make([]*entry, 0, len(sp.byHash)-len(out))
	for hash, e := range sp.byHash {
		if !seen[hash] {
			rest = append(rest, e)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].insertedAt.Before(rest[j].insertedAt)
	})
	return append(out, rest...)
}

// Watch 进程内订阅某个hash的状态变化
func (t *Pool) Watch(hash top.Hash) *Subscription {
	t.lock.Lock()
	defer t.lock.Unlock()

	sub := newSubscription(t.watchKey(hash))
	t.watchers.add(sub)
	return sub
}

func (t *Pool) Unsubscribe(sub *Subscription) {
	t.lock.Lock()
	t.watchers.removeSub(sub)
	t.lock.Unlock()
	sub.close()
}

func (t *Pool) UpdateConnectionState(hash top.Hash, encoded []byte, forceWait bool) {
	t.lock.RLock()
	responder := t.responder
	key := t.watchKey(hash)
	t.lock.RUnlock()

	if responder == nil {
		return
	}
	if err := responder.UpdateConnectionState(key, encoded, forceWait); err != nil {
		t.log.Warn("update connection state failed", "hash", key, "err", err)
	}
}

// AttachResult 池中没有该记录时忽略
func (t *Pool) AttachResult(hash top.Hash, encoded []byte) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.owner[hash]; !ok {
		return
	}
	t.results[hash] = append([]byte(nil), encoded...)
}

// SwapRpcConnectionHash 连接改用新hash后，后续通知都以新hash发出
func (t *Pool) SwapRpcConnectionHash(old, new top.Hash) {
	t.lock.Lock()
	t.watchers.rekey(old, new)
	for src, dst := range t.alias {
		if dst == old {
			t.alias[src] = new
		}
	}
	if _, ok := t.owner[old]; ok {
		t.alias[old] = new
	}
	responder := t.responder
	t.lock.Unlock()

	if responder == nil {
		return
	}
	if err := responder.SwapHash(old, new); err != nil {
		t.log.Warn("swap rpc connection hash failed", "old", old, "new", new, "err", err)
	}
}

func (t *Pool) watchKey(hash top.Hash) top.Hash {
	if key, ok := t.alias[hash]; ok {
		return key
	}
	return hash
}

type notification struct {
	event     StatusEvent
	subs      []*Subscription
	rpc       bool
	responder common.RpcResponder
}

// collect 在持锁时取出待通知对象，终态时清理登记
func (t *Pool) collect(events []StatusEvent) []notification {
	notes := make([]notification, 0, len(events))
	for _, ev := range events {
		origin := ev.Hash
		ev.Hash = t.watchKey(origin)
		if ev.Status.IsFinal() {
			ev.Value = t.results[origin]
			delete(t.results, origin)
		}
		if !t.watchers.watched(ev.Hash) {
			if ev.Status.IsFinal() {
				delete(t.alias, origin)
			}
			continue
		}
		subs := make([]*Subscription, len(t.watchers.subs[ev.Hash]))
		copy(subs, t.watchers.subs[ev.Hash])
		notes = append(notes, notification{
			event:     ev,
			subs:      subs,
			rpc:       t.watchers.rpc[ev.Hash],
			responder: t.responder,
		})
		if ev.Status.IsFinal() {
			delete(t.watchers.subs, ev.Hash)
			delete(t.watchers.rpc, ev.Hash)
			delete(t.alias, origin)
		}
	}
	return notes
}

// dispatch 不持池锁调用，避免与连接注册表的锁嵌套
func (t *Pool) dispatch(notes []notification) {
	for _, n := range notes {
		for _, sub := range n.subs {
			if !sub.send(n.event) {
				t.log.Warn("drop status event of slow subscriber", "hash", n.event.Hash, "status", n.event.Status)
			}
			if n.event.Status.IsFinal() {
				sub.close()
			}
		}
		if !n.rpc || n.responder == nil {
			continue
		}
		var err error
		if n.event.Value != nil {
			err = n.responder.SendStateWithStatus(n.event.Hash, n.event.Value, n.event.Status)
		} else {
			err = n.responder.UpdateStatus(n.event.Hash, n.event.Status)
		}
		if err != nil {
			t.log.Warn("push status to rpc connection failed", "hash", n.event.Hash,
				"status", n.event.Status, "err", err)
		}
	}
}

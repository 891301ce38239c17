package toppool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
)

type mockState struct {
	lock   sync.Mutex
	shards map[top.ShardIdentifier]bool
	nonces map[string]uint64
	err    error
}

func newMockState(shards ...top.ShardIdentifier) *mockState {
	st := &mockState{
		shards: make(map[top.ShardIdentifier]bool),
		nonces: make(map[string]uint64),
	}
	for _, s := range shards {
		st.shards[s] = true
	}
	return st
}

func (t *mockState) ShardExists(shard top.ShardIdentifier) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.shards[shard]
}

func (t *mockState) ListShards() []top.ShardIdentifier {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []top.ShardIdentifier
	for s := range t.shards {
		out = append(out, s)
	}
	return out
}

func (t *mockState) AccountNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.err != nil {
		return 0, t.err
	}
	return t.nonces[account.Key()], nil
}

func (t *mockState) Mrenclave() [32]byte {
	return [32]byte{}
}

func (t *mockState) setNonce(account top.Identity, nonce uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.nonces[account.Key()] = nonce
}

type statusUpdate struct {
	hash   top.Hash
	status top.OperationStatus
}

type mockResponder struct {
	lock     sync.Mutex
	updates  []statusUpdate
	swaps    [][2]top.Hash
	states   map[top.Hash][]byte
	failNext bool
}

func newMockResponder() *mockResponder {
	return &mockResponder{states: make(map[top.Hash][]byte)}
}

func (t *mockResponder) UpdateStatus(hash top.Hash, status top.OperationStatus) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.failNext {
		t.failNext = false
		return fmt.Errorf("connection closed")
	}
	t.updates = append(t.updates, statusUpdate{hash, status})
	return nil
}

func (t *mockResponder) UpdateConnectionState(hash top.Hash, encoded []byte, forceWait bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.states[hash] = encoded
	return nil
}

func (t *mockResponder) SendStateWithStatus(hash top.Hash, encoded []byte, status top.OperationStatus) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.updates = append(t.updates, statusUpdate{hash, status})
	t.states[hash] = encoded
	return nil
}

func (t *mockResponder) SwapHash(old, new top.Hash) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.swaps = append(t.swaps, [2]top.Hash{old, new})
	return nil
}

func (t *mockResponder) received() []statusUpdate {
	t.lock.Lock()
	defer t.lock.Unlock()
	out := make([]statusUpdate, len(t.updates))
	copy(out, t.updates)
	return out
}

var (
	shardA = top.ShardIdentifier{1}
	shardB = top.ShardIdentifier{2}
)

func account(b byte) top.Identity {
	addr := make([]byte, 32)
	addr[0] = b
	return top.NewIdentity(top.IdentitySubstrate, addr)
}

func callOp(sender top.Identity, nonce uint64, method string) *top.Operation {
	return top.NewDirectCall(&top.TrustedCallSigned{
		Call:      top.TrustedCall{Method: method, Sender: sender},
		Nonce:     nonce,
		Signature: top.HexBytes{0x01},
	})
}

func getterOp(method string) *top.Operation {
	return top.NewGetter(&top.Getter{Method: method})
}

func newTestPool(t *testing.T, conf *Config, st *mockState) *Pool {
	log, err := logs.NewLogger("", "toppool")
	require.NoError(t, err)
	pool, err := NewPool(conf, st, log)
	require.NoError(t, err)
	return pool
}

func readyNonces(pool *Pool, shard top.ShardIdentifier) []uint64 {
	var out []uint64
	for _, p := range pool.Ready(shard) {
		if n, ok := p.Operation.Nonce(); ok {
			out = append(out, n)
		}
	}
	return out
}

func TestNonceOrdering(t *testing.T) {
	st := newMockState(shardA)
	alice := account(1)
	st.setNonce(alice, 5)
	pool := newTestPool(t, nil, st)

	_, err := pool.SubmitOne(shardA, callOp(alice, 7, "noop"))
	require.NoError(t, err)
	_, err = pool.SubmitOne(shardA, callOp(alice, 5, "noop"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, readyNonces(pool, shardA))
	assert.Equal(t, top.PoolStatus{ReadyCount: 1, PendingCount: 1}, pool.Status(shardA))

	_, err = pool.SubmitOne(shardA, callOp(alice, 6, "noop"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6, 7}, readyNonces(pool, shardA))
	assert.Equal(t, top.PoolStatus{ReadyCount: 3, PendingCount: 0}, pool.Status(shardA))

	next, err := pool.NextNonce(shardA, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next)
}

func TestNonceGapKeepsPending(t *testing.T) {
	st := newMockState(shardA)
	alice := account(1)
	st.setNonce(alice, 5)
	pool := newTestPool(t, nil, st)

	for _, n := range []uint64{7, 6} {
		_, err := pool.SubmitOne(shardA, callOp(alice, n, "noop"))
		require.NoError(t, err)
	}
	assert.Empty(t, pool.Ready(shardA))
	assert.Len(t, pool.Pending(shardA), 2)

	_, err := pool.SubmitOne(shardA, callOp(alice, 5, "noop"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6, 7}, readyNonces(pool, shardA))
	assert.Empty(t, pool.Pending(shardA))
}

func TestReadyFifoAcrossAccounts(t *testing.T) {
	st := newMockState(shardA)
	pool := newTestPool(t, nil, st)

	order := []*top.Operation{
		callOp(account(1), 0, "noop"),
		getterOp("free_balance"),
		callOp(account(2), 0, "noop"),
		callOp(account(1), 1, "noop"),
	}
	var hashes []top.Hash
	for _, op := range order {
		hash, err := pool.SubmitOne(shardA, op)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}

	ready := pool.Ready(shardA)
	require.Len(t, ready, len(order))
	for i, p := range ready {
		assert.Equal(t, hashes[i], p.Hash)
		assert.Equal(t, top.StatusReady, p.Status)
	}
	// 快照可重复读取
	assert.Equal(t, ready, pool.Ready(shardA))
}

func TestSubmitIdempotent(t *testing.T) {
	st := newMockState(shardA)
	pool := newTestPool(t, nil, st)

	op := callOp(account(1), 0, "noop")
	h1, err := pool.SubmitOne(shardA, op)
	require.NoError(t, err)
	h2, err := pool.SubmitAndWatch(shardA, callOp(account(1), 0, "noop"))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, pool.Status(shardA).ReadyCount)
	assert.True(t, pool.Contains(shardA, h1))
	assert.False(t, pool.Contains(shardB, h1))
}

func TestSubmitErrors(t *testing.T) {
	st := newMockState(shardA)
	alice := account(1)
	st.setNonce(alice, 5)
	pool := newTestPool(t, &Config{ReadyLimit: 2, PendingLimit: 1, BanTime: time.Minute}, st)

	_, err := pool.SubmitOne(shardA, callOp(alice, 6, "noop"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		shard top.ShardIdentifier
		op    *top.Operation
		kind  common.ErrorKind
	}{
		{"unknown shard", shardB, callOp(alice, 5, "noop"), common.KindInvalidTrustedOperation},
		{"nil op", shardA, nil, common.KindInvalidTrustedOperation},
		{"malformed op", shardA, &top.Operation{Kind: top.KindGetter}, common.KindInvalidTrustedOperation},
		{"stale nonce", shardA, callOp(alice, 4, "noop"), common.KindStaleNonce},
		{"duplicate nonce", shardA, callOp(alice, 6, "other"), common.KindInvalidTrustedOperation},
		{"pending full", shardA, callOp(alice, 9, "noop"), common.KindPoolFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pool.SubmitOne(tt.shard, tt.op)
			require.Error(t, err)
			assert.Equal(t, tt.kind, common.KindOf(err))
		})
	}

	_, err = pool.SubmitOne(shardA, getterOp("a"))
	require.NoError(t, err)
	_, err = pool.SubmitOne(shardA, getterOp("b"))
	require.NoError(t, err)
	_, err = pool.SubmitOne(shardA, getterOp("c"))
	assert.Equal(t, common.KindPoolFull, common.KindOf(err))

	st.err = fmt.Errorf("db closed")
	_, err = pool.SubmitOne(shardA, callOp(account(9), 0, "noop"))
	assert.Equal(t, common.KindInternal, common.KindOf(err))
}

func TestRemoveInvalid(t *testing.T) {
	st := newMockState(shardA)
	alice := account(1)
	pool := newTestPool(t, nil, st)

	var hashes []top.Hash
	for n := uint64(0); n < 3; n++ {
		hash, err := pool.SubmitOne(shardA, callOp(alice, n, "noop"))
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}

	missing := top.Blake2b256([]byte("missing"))
	removed := pool.RemoveInvalid([]top.Hash{missing, hashes[1]}, shardA, false)
	assert.Equal(t, []top.Hash{hashes[1]}, removed)

	// 1被移除后2失去前驱，回到pending
	assert.Equal(t, []uint64{0}, readyNonces(pool, shardA))
	assert.Equal(t, 1, pool.Status(shardA).PendingCount)

	// 被移除的hash暂时不能重新提交
	_, err := pool.SubmitOne(shardA, callOp(alice, 1, "noop"))
	assert.Equal(t, common.KindInvalidTrustedOperation, common.KindOf(err))
	assert.True(t, common.ErrTemporarilyBanned.Equal(common.CastError(err)))

	_, err = pool.SubmitOne(shardA, callOp(alice, 1, "replacement"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, readyNonces(pool, shardA))

	// 未知shard不是错误
	assert.Empty(t, pool.RemoveInvalid(hashes, shardB, false))
}

func TestRemoveInBlockKeepsSuccessorsReady(t *testing.T) {
	st := newMockState(shardA)
	alice := account(1)
	pool := newTestPool(t, nil, st)

	h0, err := pool.SubmitOne(shardA, callOp(alice, 0, "noop"))
	require.NoError(t, err)
	_, err = pool.SubmitOne(shardA, callOp(alice, 1, "noop"))
	require.NoError(t, err)

	assert.Equal(t, []top.Hash{h0}, pool.RemoveInvalid([]top.Hash{h0}, shardA, true))
	assert.Equal(t, []uint64{1}, readyNonces(pool, shardA))

	// 已执行的nonce不能再次进入
	_, err = pool.SubmitOne(shardA, callOp(alice, 0, "again"))
	assert.Equal(t, common.KindStaleNonce, common.KindOf(err))
}

func TestOnExecuted(t *testing.T) {
	st := newMockState(shardA)
	alice := account(1)
	pool := newTestPool(t, nil, st)

	h0, err := pool.SubmitOne(shardA, callOp(alice, 0, "noop"))
	require.NoError(t, err)
	h1, err := pool.SubmitOne(shardA, callOp(alice, 1, "noop"))
	require.NoError(t, err)
	sub := pool.Watch(h0)

	pool.OnExecuted(shardA, alice, 0)
	assert.False(t, pool.Contains(shardA, h0))
	assert.True(t, pool.Contains(shardA, h1))
	assert.Equal(t, []uint64{1}, readyNonces(pool, shardA))

	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, top.StatusDropped, ev.Status)
	_, ok = <-sub.Events()
	assert.False(t, ok)

	// 重复通知无影响
	pool.OnExecuted(shardA, alice, 0)
	pool.OnExecuted(shardB, alice, 0)
	assert.Equal(t, 1, pool.Status(shardA).ReadyCount)
}

func TestWatchers(t *testing.T) {
	st := newMockState(shardA)
	alice := account(1)
	pool := newTestPool(t, nil, st)
	responder := newMockResponder()
	pool.SetResponder(responder)

	op := callOp(alice, 1, "noop")
	hash, err := top.HashOf(op)
	require.NoError(t, err)
	sub := pool.Watch(hash)

	_, err = pool.SubmitAndWatch(shardA, op)
	require.NoError(t, err)
	_, err = pool.SubmitOne(shardA, callOp(alice, 0, "noop"))
	require.NoError(t, err)

	pool.UpdateStatus(hash, top.StatusBroadcast)
	pool.RemoveInvalid([]top.Hash{hash}, shardA, true)

	var got []top.OperationStatus
	for ev := range sub.Events() {
		assert.Equal(t, hash, ev.Hash)
		got = append(got, ev.Status)
	}
	want := []top.OperationStatus{top.StatusFuture, top.StatusReady, top.StatusBroadcast, top.StatusInSidechainBlock}
	assert.Equal(t, want, got)

	var pushed []top.OperationStatus
	for _, u := range responder.received() {
		assert.Equal(t, hash, u.hash)
		pushed = append(pushed, u.status)
	}
	assert.Equal(t, want, pushed)
}

func TestSwapRpcConnectionHash(t *testing.T) {
	st := newMockState(shardA)
	pool := newTestPool(t, nil, st)
	responder := newMockResponder()
	pool.SetResponder(responder)

	hash, err := pool.SubmitAndWatch(shardA, getterOp("free_balance"))
	require.NoError(t, err)
	swapped := top.Blake2b256([]byte("new connection"))

	pool.SwapRpcConnectionHash(hash, swapped)
	pool.UpdateConnectionState(hash, []byte("partial"), true)
	pool.RemoveInvalid([]top.Hash{hash}, shardA, false)

	responder.lock.Lock()
	defer responder.lock.Unlock()
	assert.Equal(t, [][2]top.Hash{{hash, swapped}}, responder.swaps)
	assert.Equal(t, []byte("partial"), responder.states[swapped])
	require.Len(t, responder.updates, 2)
	assert.Equal(t, statusUpdate{hash, top.StatusReady}, responder.updates[0])
	assert.Equal(t, statusUpdate{swapped, top.StatusInvalid}, responder.updates[1])
}

func TestAttachResult(t *testing.T) {
	st := newMockState(shardA)
	pool := newTestPool(t, nil, st)
	responder := newMockResponder()
	pool.SetResponder(responder)

	hash, err := pool.SubmitAndWatch(shardA, getterOp("free_balance"))
	require.NoError(t, err)
	sub := pool.Watch(hash)
	pool.AttachResult(hash, []byte("42"))
	// 不在池中的hash被忽略
	pool.AttachResult(top.Hash{0xff}, []byte("x"))

	// 输出在终态之前不会单独推送
	responder.lock.Lock()
	assert.Empty(t, responder.states)
	responder.lock.Unlock()

	pool.RemoveInvalid([]top.Hash{hash}, shardA, true)
	ev := <-sub.Events()
	assert.Equal(t, top.StatusInSidechainBlock, ev.Status)
	assert.Equal(t, []byte("42"), ev.Value)

	responder.lock.Lock()
	defer responder.lock.Unlock()
	assert.Equal(t, []statusUpdate{{hash, top.StatusReady}, {hash, top.StatusInSidechainBlock}}, responder.updates)
	assert.Equal(t, []byte("42"), responder.states[hash])
	assert.Empty(t, pool.results)
}

func TestMigrateShard(t *testing.T) {
	st := newMockState(shardA, shardB)
	pool := newTestPool(t, nil, st)

	hash, err := pool.SubmitOne(shardA, callOp(account(1), 0, "noop"))
	require.NoError(t, err)
	_, err = pool.SubmitOne(shardB, getterOp("free_balance"))
	require.NoError(t, err)
	assert.Equal(t, []top.ShardIdentifier{shardA, shardB}, pool.Shards())

	pool.MigrateShard(shardA, shardB)
	assert.Equal(t, []top.ShardIdentifier{shardB}, pool.Shards())
	assert.True(t, pool.Contains(shardB, hash))
	assert.Equal(t, 2, pool.Status(shardB).ReadyCount)

	got, ok := pool.Get(hash)
	require.True(t, ok)
	assert.Equal(t, shardB, got.Shard)
}

func TestMigrateShardNonceConflict(t *testing.T) {
	st := newMockState(shardA, shardB)
	pool := newTestPool(t, nil, st)
	alice, bob := account(1), account(2)

	x, err := pool.SubmitOne(shardA, callOp(alice, 0, "noop"))
	require.NoError(t, err)
	z, err := pool.SubmitOne(shardA, callOp(alice, 1, "noop"))
	require.NoError(t, err)
	b0, err := pool.SubmitOne(shardA, callOp(bob, 0, "noop"))
	require.NoError(t, err)
	y, err := pool.SubmitOne(shardB, callOp(alice, 0, "transfer"))
	require.NoError(t, err)
	sub := pool.Watch(x)

	pool.MigrateShard(shardA, shardB)

	// 同一nonce以shardB中的记录为准，x被丢弃
	assert.False(t, pool.Contains(shardB, x))
	_, ok := pool.Get(x)
	assert.False(t, ok)
	ev := <-sub.Events()
	assert.Equal(t, top.StatusDropped, ev.Status)
	_, err = pool.SubmitOne(shardB, callOp(alice, 0, "noop"))
	assert.True(t, common.ErrTemporarilyBanned.Equal(common.CastError(err)))

	assert.Equal(t, top.PoolStatus{ReadyCount: 3}, pool.Status(shardB))
	assert.Len(t, pool.PendingTrustedCallsFor(shardB, alice), 2)
	assert.True(t, pool.Contains(shardB, b0))

	pool.RemoveInvalid([]top.Hash{y}, shardB, true)
	var ready []top.Hash
	for _, p := range pool.Ready(shardB) {
		ready = append(ready, p.Hash)
	}
	assert.ElementsMatch(t, []top.Hash{z, b0}, ready)
	assert.NotContains(t, ready, x)
}

func TestMigrateShardStaleAndGap(t *testing.T) {
	st := newMockState(shardA, shardB)
	pool := newTestPool(t, nil, st)
	alice := account(1)

	// shardA中alice已执行到nonce 2
	st.setNonce(alice, 2)
	a2, err := pool.SubmitOne(shardA, callOp(alice, 2, "noop"))
	require.NoError(t, err)
	st.setNonce(alice, 0)
	b0, err := pool.SubmitOne(shardB, callOp(alice, 0, "noop"))
	require.NoError(t, err)

	pool.MigrateShard(shardA, shardB)
	// 合并后expected取较大值，b0过期被丢弃，a2成为ready
	assert.False(t, pool.Contains(shardB, b0))
	assert.True(t, pool.Contains(shardB, a2))
	assert.Equal(t, top.PoolStatus{ReadyCount: 1}, pool.Status(shardB))

	next, err := pool.NextNonce(shardB, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)
}

func TestPendingTrustedCallsFor(t *testing.T) {
	st := newMockState(shardA)
	alice, bob := account(1), account(2)
	pool := newTestPool(t, nil, st)

	for _, op := range []*top.Operation{
		callOp(alice, 2, "noop"),
		callOp(bob, 0, "noop"),
		callOp(alice, 0, "noop"),
	} {
		_, err := pool.SubmitOne(shardA, op)
		require.NoError(t, err)
	}

	calls := pool.PendingTrustedCallsFor(shardA, alice)
	require.Len(t, calls, 2)
	n0, _ := calls[0].Operation.Nonce()
	n1, _ := calls[1].Operation.Nonce()
	assert.Equal(t, []uint64{0, 2}, []uint64{n0, n1})
	assert.Len(t, pool.All(shardA), 3)
	assert.Empty(t, pool.PendingTrustedCallsFor(shardB, alice))
}

func TestConcurrentSubmit(t *testing.T) {
	st := newMockState(shardA)
	pool := newTestPool(t, nil, st)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := account(byte(i))
			for n := uint64(0); n < 10; n++ {
				_, err := pool.SubmitOne(shardA, callOp(sender, n, "noop"))
				assert.NoError(t, err)
				pool.Ready(shardA)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, top.PoolStatus{ReadyCount: 80}, pool.Status(shardA))
	// 同一账户在ready中保持nonce顺序
	last := make(map[string]uint64)
	for _, p := range pool.Ready(shardA) {
		sender, _ := p.Operation.Sender()
		n, _ := p.Operation.Nonce()
		if prev, ok := last[sender.Key()]; ok {
			assert.Equal(t, prev+1, n)
		}
		last[sender.Key()] = n
	}
}

package toppool

import (
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
)

type entry struct {
	hash       top.Hash
	shard      top.ShardIdentifier
	op         *top.Operation
	encoded    []byte
	status     top.OperationStatus
	insertedAt time.Time

	// 只有call有发起账户和nonce
	account  string
	nonce    uint64
	hasNonce bool
}

func (e *entry) snapshot() *top.PooledOperation {
	encoded := make([]byte, len(e.encoded))
	copy(encoded, e.encoded)
	return &top.PooledOperation{
		Hash:       e.hash,
		Shard:      e.shard,
		Operation:  e.op,
		Encoded:    encoded,
		Status:     e.status,
		InsertedAt: e.insertedAt,
	}
}

// accountQueue 单个账户在池中的全部call，按nonce排序
type accountQueue struct {
	// 下一个可执行的nonce
	expected uint64
	byNonce  *treemap.Map
}

func newAccountQueue(expected uint64) *accountQueue {
	return &accountQueue{
		expected: expected,
		byNonce:  treemap.NewWith(godsutils.UInt64Comparator),
	}
}

func (q *accountQueue) get(nonce uint64) (*entry, bool) {
	v, found := q.byNonce.Get(nonce)
	if !found {
		return nil, false
	}
	return v.(*entry), true
}

func (q *accountQueue) put(e *entry) {
	q.byNonce.Put(e.nonce, e)
}

func (q *accountQueue) remove(nonce uint64) {
	q.byNonce.Remove(nonce)
}

func (q *accountQueue) empty() bool {
	return q.byNonce.Empty()
}

// entries in nonce order
func (q *accountQueue) entries() []*entry {
	values := q.byNonce.Values()
	out := make([]*entry, 0, len(values))
	for _, v := range values {
		out = append(out, v.(*entry))
	}
	return out
}

// nextNonce 连续ready之后的第一个nonce
func (q *accountQueue) nextNonce() uint64 {
	next := q.expected
	for {
		e, ok := q.get(next)
		if !ok || e.status != top.StatusReady {
			return next
		}
		next++
	}
}

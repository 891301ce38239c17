package toppool

import (
	"sync"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
)

const defaultSubscriptionBuffer = 16

// StatusEvent 一次状态变更通知
type StatusEvent struct {
	Hash   top.Hash
	Status top.OperationStatus
	// 终态时附带的执行输出
	Value []byte
}

// Subscription receives the status transitions of one operation
// the channel is closed after a final status or Unsubscribe
type Subscription struct {
	lock   sync.Mutex
	hash   top.Hash
	ch     chan StatusEvent
	closed bool
}

func newSubscription(hash top.Hash) *Subscription {
	return &Subscription{
		hash: hash,
		ch:   make(chan StatusEvent, defaultSubscriptionBuffer),
	}
}

func (s *Subscription) Hash() top.Hash {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.hash
}

func (s *Subscription) Events() <-chan StatusEvent {
	return s.ch
}

func (s *Subscription) setHash(hash top.Hash) {
	s.lock.Lock()
	s.hash = hash
	s.lock.Unlock()
}

func (s *Subscription) close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send 不阻塞，缓冲满时返回false
func (s *Subscription) send(ev StatusEvent) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// watchSet 以hash为键的订阅与rpc监听记录，由pool的锁保护
type watchSet struct {
	subs map[top.Hash][]*Subscription
	// 通过SubmitAndWatch提交，需要推送给rpc连接
	rpc map[top.Hash]bool
}

func newWatchSet() *watchSet {
	return &watchSet{
		subs: make(map[top.Hash][]*Subscription),
		rpc:  make(map[top.Hash]bool),
	}
}

func (w *watchSet) add(sub *Subscription) {
	w.subs[sub.Hash()] = append(w.subs[sub.Hash()], sub)
}

func (w *watchSet) removeSub(sub *Subscription) bool {
	hash := sub.Hash()
	subs := w.subs[hash]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(w.subs, hash)
			} else {
				w.subs[hash] = subs
			}
			return true
		}
	}
	return false
}

func (w *watchSet) watched(hash top.Hash) bool {
	return w.rpc[hash] || len(w.subs[hash]) > 0
}

// rekey moves all bookkeeping of old onto new
func (w *watchSet) rekey(old, new top.Hash) {
	if subs, ok := w.subs[old]; ok {
		delete(w.subs, old)
		for _, s := range subs {
			s.setHash(new)
		}
		w.subs[new] = append(w.subs[new], subs...)
	}
	if w.rpc[old] {
		delete(w.rpc, old)
		w.rpc[new] = true
	}
}

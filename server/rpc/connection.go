package rpc

import (
	"sync"
	"time"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
)

// Sender 一条可推送消息的客户端连接
type Sender interface {
	Send(msg []byte) error
}

// ConnEntry 等待状态推送的watcher
type ConnEntry struct {
	Token     string
	Response  Sender
	ForceWait bool
	Stored    time.Time
}

// ConnectionRegistry operation hash到watcher连接的映射
type ConnectionRegistry struct {
	lock  sync.RWMutex
	conns map[top.Hash]*ConnEntry
	ttl   time.Duration
}

func NewConnectionRegistry(ttl time.Duration) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[top.Hash]*ConnEntry),
		ttl:   ttl,
	}
}

func (t *ConnectionRegistry) Store(hash top.Hash, entry *ConnEntry) {
	if entry.Stored.IsZero() {
		entry.Stored = time.Now()
	}
	t.lock.Lock()
	t.conns[hash] = entry
	t.lock.Unlock()
}

func (t *ConnectionRegistry) Get(hash top.Hash) (ConnEntry, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	entry, ok := t.conns[hash]
	if !ok {
		return ConnEntry{}, false
	}
	return *entry, true
}

func (t *ConnectionRegistry) Withdraw(hash top.Hash) (*ConnEntry, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	entry, ok := t.conns[hash]
	if ok {
		delete(t.conns, hash)
	}
	return entry, ok
}

func (t *ConnectionRegistry) IsForceWait(hash top.Hash) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	entry, ok := t.conns[hash]
	return ok && entry.ForceWait
}

func (t *ConnectionRegistry) SetForceWait(hash top.Hash, forceWait bool) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	entry, ok := t.conns[hash]
	if ok {
		entry.ForceWait = forceWait
	}
	return ok
}

// Swap 连接改挂到新hash下
func (t *ConnectionRegistry) Swap(old, new top.Hash) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	entry, ok := t.conns[old]
	if !ok {
		return false
	}
	delete(t.conns, old)
	t.conns[new] = entry
	return true
}

// WithdrawConn 客户端断开时移除其全部watcher
func (t *ConnectionRegistry) WithdrawConn(sender Sender) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	n := 0
	for hash, entry := range t.conns {
		if entry.Response == sender {
			delete(t.conns, hash)
			n++
		}
	}
	return n
}

func (t *ConnectionRegistry) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.conns)
}

// Expire 移除存放超过ttl的watcher，pool中的operation不受影响
func (t *ConnectionRegistry) Expire(now time.Time) []top.Hash {
	if t.ttl <= 0 {
		return nil
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	var expired []top.Hash
	for hash, entry := range t.conns {
		if now.Sub(entry.Stored) > t.ttl {
			delete(t.conns, hash)
			expired = append(expired, hash)
		}
	}
	return expired
}

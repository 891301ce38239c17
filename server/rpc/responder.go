package rpc

import (
	"encoding/json"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
)

const MethodExtrinsicUpdate = "author_extrinsicUpdate"

// StatusUpdate 推送给watcher的结果
type StatusUpdate struct {
	Hash   top.Hash            `json:"hash"`
	Status top.OperationStatus `json:"status,omitempty"`
	Value  top.HexBytes        `json:"value,omitempty"`
}

// RpcResponder 按operation hash把pool通知推给对应连接
type RpcResponder struct {
	registry *ConnectionRegistry
	log      logs.Logger
}

func NewRpcResponder(registry *ConnectionRegistry, log logs.Logger) *RpcResponder {
	return &RpcResponder{registry: registry, log: log}
}

// UpdateStatus 终态时移除watcher，force wait的连接继续等待UpdateConnectionState
func (t *RpcResponder) UpdateStatus(hash top.Hash, status top.OperationStatus) error {
	entry, ok := t.registry.Get(hash)
	if !ok {
		t.log.Debug("no rpc watcher for status update", "hash", hash, "status", status)
		return nil
	}

	err := t.push(&entry, &StatusUpdate{Hash: hash, Status: status})
	if err != nil || (status.IsFinal() && !entry.ForceWait) {
		t.registry.Withdraw(hash)
	}
	return err
}

func (t *RpcResponder) UpdateConnectionState(hash top.Hash, encoded []byte, forceWait bool) error {
	entry, ok := t.registry.Get(hash)
	if !ok {
		t.log.Debug("no rpc watcher for connection state", "hash", hash)
		return nil
	}

	err := t.push(&entry, &StatusUpdate{Hash: hash, Value: encoded})
	if err != nil || !forceWait {
		t.registry.Withdraw(hash)
		return err
	}
	t.registry.SetForceWait(hash, true)
	return nil
}

// SendStateWithStatus 终态且非force wait时移除watcher
func (t *RpcResponder) SendStateWithStatus(hash top.Hash, encoded []byte, status top.OperationStatus) error {
	entry, ok := t.registry.Get(hash)
	if !ok {
		t.log.Debug("no rpc watcher for state with status", "hash", hash, "status", status)
		return nil
	}

	err := t.push(&entry, &StatusUpdate{Hash: hash, Status: status, Value: encoded})
	if err != nil || (status.IsFinal() && !entry.ForceWait) {
		t.registry.Withdraw(hash)
	}
	return err
}

func (t *RpcResponder) SwapHash(old, new top.Hash) error {
	if !t.registry.Swap(old, new) {
		t.log.Debug("no rpc watcher to swap", "old", old, "new", new)
	}
	return nil
}

func (t *RpcResponder) push(entry *ConnEntry, update *StatusUpdate) error {
	result, err := json.Marshal(update)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(&Notification{
		JsonRpc: JsonRpcVersion,
		Method:  MethodExtrinsicUpdate,
		Params:  SubscriptionParams{Subscription: entry.Token, Result: result},
	})
	if err != nil {
		return err
	}
	return entry.Response.Send(msg)
}

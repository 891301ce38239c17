package top

import "time"

// OperationStatus 推送给watcher的状态
type OperationStatus string

const (
	StatusSubmitted        OperationStatus = "Submitted"
	StatusFuture           OperationStatus = "Future"
	StatusReady            OperationStatus = "Ready"
	StatusBroadcast        OperationStatus = "Broadcast"
	StatusInSidechainBlock OperationStatus = "InSidechainBlock"
	StatusRetracted        OperationStatus = "Retracted"
	StatusFinalized        OperationStatus = "Finalized"
	StatusUsurped          OperationStatus = "Usurped"
	StatusDropped          OperationStatus = "Dropped"
	StatusInvalid          OperationStatus = "Invalid"
)

// IsFinal a final status ends the subscription
func (s OperationStatus) IsFinal() bool {
	switch s {
	case StatusInSidechainBlock, StatusFinalized, StatusUsurped, StatusDropped, StatusInvalid:
		return true
	}
	return false
}

// PoolStatus ready/pending counters of a shard
type PoolStatus struct {
	ReadyCount   int `json:"ready_count"`
	PendingCount int `json:"pending_count"`
}

// PooledOperation 池中一条记录的只读快照
type PooledOperation struct {
	Hash       Hash
	Shard      ShardIdentifier
	Operation  *Operation
	Encoded    []byte
	Status     OperationStatus
	InsertedAt time.Time
}

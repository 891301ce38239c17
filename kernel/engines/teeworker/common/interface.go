package common

import (
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
)

// OperationPool 按shard隔离的trusted operation池
type OperationPool interface {
	SubmitOne(shard top.ShardIdentifier, op *top.Operation) (top.Hash, error)
	SubmitAndWatch(shard top.ShardIdentifier, op *top.Operation) (top.Hash, error)
	Ready(shard top.ShardIdentifier) []*top.PooledOperation
	All(shard top.ShardIdentifier) []*top.PooledOperation
	PendingTrustedCallsFor(shard top.ShardIdentifier, account top.Identity) []*top.PooledOperation
	Contains(shard top.ShardIdentifier, hash top.Hash) bool
	RemoveInvalid(hashes []top.Hash, shard top.ShardIdentifier, inblock bool) []top.Hash
	OnExecuted(shard top.ShardIdentifier, sender top.Identity, nonce uint64)
	UpdateStatus(hash top.Hash, status top.OperationStatus)
	Status(shard top.ShardIdentifier) top.PoolStatus
	Shards() []top.ShardIdentifier
	MigrateShard(old, new top.ShardIdentifier)
	UpdateConnectionState(hash top.Hash, encoded []byte, forceWait bool)
	// AttachResult 执行输出随该记录的终态一起推送
	AttachResult(hash top.Hash, encoded []byte)
	SwapRpcConnectionHash(old, new top.Hash)
}

// OperationFilter decides whether a decoded operation may enter a pool, must be pure
type OperationFilter interface {
	Admit(op *top.Operation) bool
}

// ShieldingCrypto encrypt/decrypt with a key held by the enclave
type ShieldingCrypto interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(cipher []byte) ([]byte, error)
}

// KeyRepository 密钥仓库，调用方不得缓存或打印取到的密钥
type KeyRepository interface {
	RetrieveKey() (ShieldingCrypto, error)
}

// StateFacade read access to the shard states needed by admission
type StateFacade interface {
	ShardExists(shard top.ShardIdentifier) bool
	ListShards() []top.ShardIdentifier
	AccountNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error)
	Mrenclave() [32]byte
}

// RpcResponder pushes watcher updates to the rpc connection owning the hash
type RpcResponder interface {
	UpdateStatus(hash top.Hash, status top.OperationStatus) error
	UpdateConnectionState(hash top.Hash, encoded []byte, forceWait bool) error
	// SendStateWithStatus 一条通知同时带状态和执行输出
	SendStateWithStatus(hash top.Hash, encoded []byte, status top.OperationStatus) error
	SwapHash(old, new top.Hash) error
}

// ExecutedOperation 侧链出块后一条pool记录的执行结果
type ExecutedOperation struct {
	Hash top.Hash
	// 执行成功并被打包进侧链块
	Included bool
	// getter的查询结果，或call的执行输出
	Output []byte
	// call消耗了发起账户的nonce，执行失败时同样可能消耗
	NonceUsed bool
	Sender    top.Identity
	Nonce     uint64
}

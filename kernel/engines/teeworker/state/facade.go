package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/storage/kvdb"
	"github.com/xuperchain/teeworker/lib/utils"
)

const (
	// 已初始化shard列表
	shardListPrefix = "SL/"
	// shard状态数据，后接shard hex
	shardStatePrefix = "ST/"

	nonceKeyPrefix   = "nonce/"
	balanceKeyPrefix = "balance/"

	DefaultNonceCacheSize = 4096
)

// Facade 各shard的状态读写入口，状态按shard分表存放在同一个kv实例中
type Facade struct {
	log       logs.Logger
	db        kvdb.Database
	shardList kvdb.Database
	mrenclave [32]byte

	lock   sync.RWMutex
	shards map[top.ShardIdentifier]bool
	nonces *lru.Cache
}

func NewFacade(db kvdb.Database, mrenclave [32]byte, cacheSize int, log logs.Logger) (*Facade, error) {
	if db == nil || log == nil {
		return nil, fmt.Errorf("new state facade failed because param error")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultNonceCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	t := &Facade{
		log:       log,
		db:        db,
		shardList: kvdb.NewTable(db, shardListPrefix),
		mrenclave: mrenclave,
		shards:    make(map[top.ShardIdentifier]bool),
		nonces:    cache,
	}
	if err := t.loadShards(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Facade) loadShards() error {
	iter := t.shardList.NewIteratorWithPrefix(nil)
	defer iter.Release()
	for iter.Next() {
		shard, err := top.ShardFromBytes(iter.Key())
		if err != nil {
			t.log.Warn("skip bad shard key in state db", "key", fmt.Sprintf("%x", iter.Key()))
			continue
		}
		t.shards[shard] = true
	}
	return iter.Error()
}

func (t *Facade) table(shard top.ShardIdentifier) kvdb.Database {
	return kvdb.NewTable(t.db, shardStatePrefix+shard.String()+"/")
}

// InitShard 幂等，已存在的shard直接返回
func (t *Facade) InitShard(shard top.ShardIdentifier) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.shards[shard] {
		return nil
	}
	if err := t.shardList.Put(shard[:], utils.EncodeUint64(uint64(time.Now().Unix()))); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	t.shards[shard] = true
	t.log.Info("shard initialized", "shard", shard)
	return nil
}

func (t *Facade) ShardExists(shard top.ShardIdentifier) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.shards[shard]
}

func (t *Facade) ListShards() []top.ShardIdentifier {
	t.lock.RLock()
	defer t.lock.RUnlock()

	out := make([]top.ShardIdentifier, 0, len(t.shards))
	for shard := range t.shards {
		out = append(out, shard)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func (t *Facade) Mrenclave() [32]byte {
	return t.mrenclave
}

// MigrateShard 把old的全部状态搬到new下，old随后被删除
func (t *Facade) MigrateShard(old, new top.ShardIdentifier) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.shards[old] {
		return common.ErrInvalidShard.More("shard %s not exist", old)
	}
	if old == new {
		return nil
	}

	src, dst := t.table(old), t.table(new)
	srcBatch, dstBatch := src.NewBatch(), dst.NewBatch()
	iter := src.NewIteratorWithPrefix(nil)
	moved := 0
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := dstBatch.Put(key, value); err != nil {
			iter.Release()
			return common.ErrStorage.More("%v", err)
		}
		if err := srcBatch.Delete(key); err != nil {
			iter.Release()
			return common.ErrStorage.More("%v", err)
		}
		moved++
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return common.ErrStorage.More("%v", err)
	}

	// 先写新shard再删旧shard，中途失败时旧数据仍完整
	if err := dstBatch.Write(); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	if err := t.shardList.Put(new[:], utils.EncodeUint64(uint64(time.Now().Unix()))); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	if err := srcBatch.Write(); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	if err := t.shardList.Delete(old[:]); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	delete(t.shards, old)
	t.shards[new] = true
	t.nonces.Purge()

	t.log.Info("shard migrated", "old", old, "new", new, "keys", moved)
	return nil
}

func nonceCacheKey(shard top.ShardIdentifier, account top.Identity) string {
	return shard.String() + "/" + account.Key()
}

// AccountNonce 账户下一个待执行的nonce，即已执行的call数量
func (t *Facade) AccountNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.accountNonce(shard, account)
}

func (t *Facade) accountNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error) {
	if !t.shards[shard] {
		return 0, common.ErrInvalidShard.More("shard %s not exist", shard)
	}
	cacheKey := nonceCacheKey(shard, account)
	if v, ok := t.nonces.Get(cacheKey); ok {
		return v.(uint64), nil
	}

	nonce, err := t.getUint64(shard, nonceKeyPrefix+account.Key())
	if err != nil {
		return 0, err
	}
	t.nonces.Add(cacheKey, nonce)
	return nonce, nil
}

// IncAccountNonce 返回自增后的nonce
func (t *Facade) IncAccountNonce(shard top.ShardIdentifier, account top.Identity) (uint64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	nonce, err := t.accountNonce(shard, account)
	if err != nil {
		return 0, err
	}
	nonce++
	if err := t.putUint64(shard, nonceKeyPrefix+account.Key(), nonce); err != nil {
		t.nonces.Remove(nonceCacheKey(shard, account))
		return 0, err
	}
	t.nonces.Add(nonceCacheKey(shard, account), nonce)
	return nonce, nil
}

func (t *Facade) Balance(shard top.ShardIdentifier, account top.Identity) (uint64, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if !t.shards[shard] {
		return 0, common.ErrInvalidShard.More("shard %s not exist", shard)
	}
	return t.getUint64(shard, balanceKeyPrefix+account.Key())
}

func (t *Facade) SetBalance(shard top.ShardIdentifier, account top.Identity, amount uint64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.shards[shard] {
		return common.ErrInvalidShard.More("shard %s not exist", shard)
	}
	return t.putUint64(shard, balanceKeyPrefix+account.Key(), amount)
}

// Transfer 原子地从from转出amount到to
func (t *Facade) Transfer(shard top.ShardIdentifier, from, to top.Identity, amount uint64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.shards[shard] {
		return common.ErrInvalidShard.More("shard %s not exist", shard)
	}
	fromKey, toKey := balanceKeyPrefix+from.Key(), balanceKeyPrefix+to.Key()
	fromBal, err := t.getUint64(shard, fromKey)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return common.ErrExecuteFailed.More("insufficient balance")
	}
	if from.Equal(to) {
		return nil
	}
	toBal, err := t.getUint64(shard, toKey)
	if err != nil {
		return err
	}
	if toBal+amount < toBal {
		return common.ErrExecuteFailed.More("balance overflow")
	}

	batch := t.table(shard).NewBatch()
	if err := batch.Put([]byte(fromKey), utils.EncodeUint64(fromBal-amount)); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	if err := batch.Put([]byte(toKey), utils.EncodeUint64(toBal+amount)); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	if err := batch.Write(); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	return nil
}

func (t *Facade) getUint64(shard top.ShardIdentifier, key string) (uint64, error) {
	raw, err := t.table(shard).Get([]byte(key))
	if err == kvdb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, common.ErrStorage.More("%v", err)
	}
	if len(raw) != 8 {
		return 0, common.ErrStorage.More("corrupted value of %s", key)
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (t *Facade) putUint64(shard top.ShardIdentifier, key string, value uint64) error {
	if err := t.table(shard).Put([]byte(key), utils.EncodeUint64(value)); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	return nil
}

package registry

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/storage/kvdb"
)

// ScheduledEnclaveInfo 从某个侧链块高度起生效的mrenclave
type ScheduledEnclaveInfo struct {
	SidechainBlock uint64   `json:"sidechain_block"`
	Mrenclave      [32]byte `json:"mrenclave"`
}

// ScheduledEnclave 计划升级的enclave表，按侧链块高度排序
type ScheduledEnclave struct {
	log   logs.Logger
	table kvdb.Database

	lock     sync.RWMutex
	schedule *treemap.Map
}

func NewScheduledEnclave(db kvdb.Database, log logs.Logger) (*ScheduledEnclave, error) {
	if log == nil {
		return nil, fmt.Errorf("new scheduled enclave failed because param error")
	}
	t := &ScheduledEnclave{
		log:      log,
		table:    db,
		schedule: treemap.NewWith(godsutils.UInt64Comparator),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ScheduledEnclave) load() error {
	if t.table == nil {
		return nil
	}
	iter := t.table.NewIteratorWithPrefix(nil)
	defer iter.Release()
	for iter.Next() {
		if len(iter.Key()) != 8 || len(iter.Value()) != 32 {
			t.log.Warn("skip bad scheduled enclave record", "key", fmt.Sprintf("%x", iter.Key()))
			continue
		}
		var mr [32]byte
		copy(mr[:], iter.Value())
		t.schedule.Put(binary.BigEndian.Uint64(iter.Key()), mr)
	}
	if err := iter.Error(); err != nil {
		return common.ErrStorage.More("%v", err)
	}
	return nil
}

// 大端编码使db中的顺序与块高一致
func blockKey(block uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, block)
	return key
}

// Update 覆盖同一高度的旧记录
func (t *ScheduledEnclave) Update(sidechainBlock uint64, mrenclave [32]byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.table != nil {
		if err := t.table.Put(blockKey(sidechainBlock), mrenclave[:]); err != nil {
			return common.ErrStorage.More("%v", err)
		}
	}
	t.schedule.Put(sidechainBlock, mrenclave)
	t.log.Info("scheduled enclave updated", "sidechain_block", sidechainBlock, "mrenclave", fmt.Sprintf("%x", mrenclave))
	return nil
}

func (t *ScheduledEnclave) Remove(sidechainBlock uint64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, found := t.schedule.Get(sidechainBlock); !found {
		return nil
	}
	if t.table != nil {
		if err := t.table.Delete(blockKey(sidechainBlock)); err != nil {
			return common.ErrStorage.More("%v", err)
		}
	}
	t.schedule.Remove(sidechainBlock)
	t.log.Info("scheduled enclave removed", "sidechain_block", sidechainBlock)
	return nil
}

// Get 精确匹配高度
func (t *ScheduledEnclave) Get(sidechainBlock uint64) ([32]byte, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	v, found := t.schedule.Get(sidechainBlock)
	if !found {
		return [32]byte{}, false
	}
	return v.([32]byte), true
}

// Active 在该高度生效的mrenclave，即不高于该高度的最近一条
func (t *ScheduledEnclave) Active(sidechainBlock uint64) ([32]byte, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	k, v := t.schedule.Floor(sidechainBlock)
	if k == nil {
		return [32]byte{}, false
	}
	return v.([32]byte), true
}

func (t *ScheduledEnclave) List() []ScheduledEnclaveInfo {
	t.lock.RLock()
	defer t.lock.RUnlock()

	out := make([]ScheduledEnclaveInfo, 0, t.schedule.Size())
	it := t.schedule.Iterator()
	for it.Next() {
		out = append(out, ScheduledEnclaveInfo{
			SidechainBlock: it.Key().(uint64),
			Mrenclave:      it.Value().([32]byte),
		})
	}
	return out
}

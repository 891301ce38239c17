package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/storage/kvdb"
)

// RelayerRegistry 有权请求enclave签名的relayer集合
// 由链上AddRelayer/RemoveRelayer维护，写入即落盘
type RelayerRegistry struct {
	log   logs.Logger
	table kvdb.Database

	lock     sync.RWMutex
	relayers map[string]top.Identity
}

// NewRelayerRegistry db为nil时只保存在内存中
func NewRelayerRegistry(db kvdb.Database, log logs.Logger) (*RelayerRegistry, error) {
	if log == nil {
		return nil, fmt.Errorf("new relayer registry failed because param error")
	}
	t := &RelayerRegistry{
		log:      log,
		table:    db,
		relayers: make(map[string]top.Identity),
	}
	if err := t.Load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Load 从db重建内存集合
func (t *RelayerRegistry) Load() error {
	if t.table == nil {
		return nil
	}

	relayers := make(map[string]top.Identity)
	iter := t.table.NewIteratorWithPrefix(nil)
	defer iter.Release()
	for iter.Next() {
		var id top.Identity
		if err := json.Unmarshal(iter.Value(), &id); err != nil {
			t.log.Warn("skip bad relayer record", "key", string(iter.Key()), "err", err)
			continue
		}
		relayers[id.Key()] = id
	}
	if err := iter.Error(); err != nil {
		return common.ErrStorage.More("%v", err)
	}

	t.lock.Lock()
	t.relayers = relayers
	t.lock.Unlock()
	return nil
}

func (t *RelayerRegistry) Add(id top.Identity) error {
	if err := id.Validate(); err != nil {
		return common.ErrParameter.More("%v", err)
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.table != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return err
		}
		if err := t.table.Put([]byte(id.Key()), raw); err != nil {
			return common.ErrStorage.More("%v", err)
		}
	}
	t.relayers[id.Key()] = id
	t.log.Info("relayer added", "relayer", id.Key())
	return nil
}

// Remove 不存在时不报错
func (t *RelayerRegistry) Remove(id top.Identity) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.relayers[id.Key()]; !ok {
		return nil
	}
	if t.table != nil {
		if err := t.table.Delete([]byte(id.Key())); err != nil {
			return common.ErrStorage.More("%v", err)
		}
	}
	delete(t.relayers, id.Key())
	t.log.Info("relayer removed", "relayer", id.Key())
	return nil
}

func (t *RelayerRegistry) ContainsKey(id top.Identity) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	_, ok := t.relayers[id.Key()]
	return ok
}

func (t *RelayerRegistry) List() []top.Identity {
	t.lock.RLock()
	defer t.lock.RUnlock()

	out := make([]top.Identity, 0, len(t.relayers))
	for _, id := range t.relayers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

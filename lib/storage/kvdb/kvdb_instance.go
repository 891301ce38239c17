package kvdb

import (
	"errors"
	"fmt"
	"sync"
)

// KVParameter structure for kv instance parameters
type KVParameter struct {
	DBPath                string
	KVEngineType          string
	MemCacheSize          int
	FileHandlersCacheSize int
}

const (
	KVEngineTypeLDB = "leveldb"
)

var (
	// ErrNotFound is returned by Get when the key is absent, whatever the engine
	ErrNotFound = errors.New("kvdb: key not found")
)

var (
	servsMu  sync.RWMutex
	services = make(map[string]NewStorageFunc)
)

type NewStorageFunc func(*KVParameter) (Database, error)

// Register 注册存储引擎驱动，引擎包在init中调用
func Register(name string, f NewStorageFunc) {
	servsMu.Lock()
	defer servsMu.Unlock()

	if f == nil {
		panic("storage: Register new func is nil")
	}
	if _, dup := services[name]; dup {
		panic("storage: Register called twice for func " + name)
	}
	services[name] = f
}

func CreateKVInstance(kvParam *KVParameter) (Database, error) {
	if kvParam == nil {
		return nil, errors.New("kv parameter is nil")
	}

	servsMu.RLock()
	f, ok := services[kvParam.KVEngineType]
	servsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kv engine %s not registered", kvParam.KVEngineType)
	}

	instance, err := f(kvParam)
	if err != nil {
		return nil, fmt.Errorf("get kv instance failed.err:%v", err)
	}
	return instance, nil
}

// GetDBPath return the value of DBPath
func (param *KVParameter) GetDBPath() string {
	return param.DBPath
}

// GetKVEngineType return the value of KVEngineType
func (param *KVParameter) GetKVEngineType() string {
	return param.KVEngineType
}

// GetMemCacheSize return the value of MemCacheSize
func (param *KVParameter) GetMemCacheSize() int {
	return param.MemCacheSize
}

// GetFileHandlersCacheSize return the value of FileHandlersCacheSize
func (param *KVParameter) GetFileHandlersCacheSize() int {
	return param.FileHandlersCacheSize
}

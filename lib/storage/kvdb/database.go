package kvdb

// Database 存储引擎需要实现的kv接口
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	Close() error
	NewBatch() Batch
	NewIteratorWithPrefix(prefix []byte) Iterator
}

// Batch 批量写，Write之前的修改不可见
type Batch interface {
	ValueSize() int
	Put(key, value []byte) error
	Delete(key []byte) error
	Write() error
	Reset()
}

// Iterator 迭代器，使用完毕需要Release
type Iterator interface {
	Key() []byte
	Value() []byte
	Next() bool
	Error() error
	Release()
}

package kvdb

// Table 在同一个底层实例上按前缀划分逻辑表
type Table struct {
	db     Database
	prefix string
}

type tableBatch struct {
	batch  Batch
	prefix string
}

type tableIterator struct {
	iter   Iterator
	prefix int
}

// NewTable returns a Database object that prefixes all keys with a given string
func NewTable(db Database, prefix string) Database {
	return &Table{
		db:     db,
		prefix: prefix,
	}
}

func (t *Table) key(key []byte) []byte {
	out := make([]byte, 0, len(t.prefix)+len(key))
	out = append(out, t.prefix...)
	return append(out, key...)
}

func (t *Table) Put(key []byte, value []byte) error {
	return t.db.Put(t.key(key), value)
}

func (t *Table) Get(key []byte) ([]byte, error) {
	return t.db.Get(t.key(key))
}

func (t *Table) Has(key []byte) (bool, error) {
	return t.db.Has(t.key(key))
}

func (t *Table) Delete(key []byte) error {
	return t.db.Delete(t.key(key))
}

// Close 表不持有底层实例，关闭由实例的所有者负责
func (t *Table) Close() error {
	return nil
}

func (t *Table) NewBatch() Batch {
	return &tableBatch{batch: t.db.NewBatch(), prefix: t.prefix}
}

func (t *Table) NewIteratorWithPrefix(prefix []byte) Iterator {
	return &tableIterator{
		iter:   t.db.NewIteratorWithPrefix(t.key(prefix)),
		prefix: len(t.prefix),
	}
}

func (tb *tableBatch) ValueSize() int {
	return tb.batch.ValueSize()
}

func (tb *tableBatch) Put(key, value []byte) error {
	return tb.batch.Put(append([]byte(tb.prefix), key...), value)
}

func (tb *tableBatch) Delete(key []byte) error {
	return tb.batch.Delete(append([]byte(tb.prefix), key...))
}

func (tb *tableBatch) Write() error {
	return tb.batch.Write()
}

func (tb *tableBatch) Reset() {
	tb.batch.Reset()
}

// Key 去掉表前缀
func (ti *tableIterator) Key() []byte {
	key := ti.iter.Key()
	if len(key) < ti.prefix {
		return nil
	}
	return key[ti.prefix:]
}

func (ti *tableIterator) Value() []byte {
	return ti.iter.Value()
}

func (ti *tableIterator) Next() bool {
	return ti.iter.Next()
}

func (ti *tableIterator) Error() error {
	return ti.iter.Error()
}

func (ti *tableIterator) Release() {
	ti.iter.Release()
}

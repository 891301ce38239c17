package leveldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuperchain/teeworker/lib/storage/kvdb"
)

func makeDB(t *testing.T) kvdb.Database {
	kvParam := &kvdb.KVParameter{
		DBPath:                filepath.Join(t.TempDir(), "leveldb"),
		KVEngineType:          kvdb.KVEngineTypeLDB,
		MemCacheSize:          128,
		FileHandlersCacheSize: 1024,
	}
	db, err := kvdb.CreateKVInstance(kvParam)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := makeDB(t)

	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))
	val, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	ok, err := db.Has([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Delete([]byte("k1")))
	_, err = db.Get([]byte("k1"))
	assert.Equal(t, kvdb.ErrNotFound, err)
}

func TestBatchAndTable(t *testing.T) {
	db := makeDB(t)
	tbl := kvdb.NewTable(db, "RR")
	other := kvdb.NewTable(db, "SE")

	batch := tbl.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.NoError(t, batch.Put([]byte("b"), []byte("2")))
	assert.Equal(t, 2, batch.ValueSize())
	require.NoError(t, batch.Write())
	require.NoError(t, other.Put([]byte("c"), []byte("3")))

	iter := tbl.NewIteratorWithPrefix(nil)
	defer iter.Release()
	keys := make([]string, 0)
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, []string{"a", "b"}, keys)

	raw, err := db.Get([]byte("RRa"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), raw)
}

func TestUnknownEngine(t *testing.T) {
	_, err := kvdb.CreateKVInstance(&kvdb.KVParameter{KVEngineType: "badger"})
	assert.Error(t, err)
}

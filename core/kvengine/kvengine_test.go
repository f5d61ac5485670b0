package kvengine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func smallPageOptions() Options {
	// A tiny page size forces splits and merges after just a handful of
	// keys, instead of needing thousands of puts to exercise rebalancing.
	return Options{PageSize: 128}
}

func TestPutFindRoundTrip(t *testing.T) {
	db := openTestDB(t, Options{})

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("widgets"))
	require.NoError(t, err)
	require.NoError(t, coll.Put([]byte("a"), []byte("1")))
	require.NoError(t, coll.Put([]byte("b"), []byte("2")))
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	c, err := rtx.GetCollection([]byte("widgets"))
	require.NoError(t, err)
	v, err := c.Find([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	v, err = c.Find([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
	require.NoError(t, rtx.Commit())
}

func TestFindMissingKeyReturnsNotFound(t *testing.T) {
	db := openTestDB(t, Options{})

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("widgets"))
	require.NoError(t, err)
	require.NoError(t, coll.Put([]byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	c, err := rtx.GetCollection([]byte("widgets"))
	require.NoError(t, err)
	_, err = c.Find([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, rtx.Commit())
}

func TestCreateCollectionTwiceFails(t *testing.T) {
	db := openTestDB(t, Options{})

	tx := db.WriteTx()
	_, err := tx.CreateCollection([]byte("widgets"))
	require.NoError(t, err)
	_, err = tx.CreateCollection([]byte("widgets"))
	require.ErrorIs(t, err, ErrCollectionExists)
	require.NoError(t, tx.Commit())
}

func TestReadTxRejectsWrites(t *testing.T) {
	db := openTestDB(t, Options{})

	wtx := db.WriteTx()
	coll, err := wtx.CreateCollection([]byte("widgets"))
	require.NoError(t, err)
	require.NoError(t, coll.Put([]byte("a"), []byte("1")))
	require.NoError(t, wtx.Commit())

	rtx := db.ReadTx()
	_, err = rtx.CreateCollection([]byte("other"))
	require.ErrorIs(t, err, ErrWriteInsideReadTx)

	c, err := rtx.GetCollection([]byte("widgets"))
	require.NoError(t, err)
	err = c.Put([]byte("b"), []byte("2"))
	require.ErrorIs(t, err, ErrWriteInsideReadTx)
	require.NoError(t, rtx.Commit())
}

func TestOversizeKeyAndValueRejected(t *testing.T) {
	db := openTestDB(t, Options{})

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("widgets"))
	require.NoError(t, err)

	big := bytes.Repeat([]byte("x"), 256)
	require.ErrorIs(t, coll.Put(big, []byte("v")), ErrKeyTooLarge)
	require.ErrorIs(t, coll.Put([]byte("k"), big), ErrValueTooLarge)
	require.NoError(t, tx.Rollback())
}

func TestKeysReadBackInLexicographicOrder(t *testing.T) {
	db := openTestDB(t, smallPageOptions())

	keys := []string{"banana", "ban", "apple", "app", "appetizer", "band", "zebra"}
	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("words"))
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, coll.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	c, err := rtx.GetCollection([]byte("words"))
	require.NoError(t, err)
	for _, k := range keys {
		v, err := c.Find([]byte(k))
		require.NoError(t, err)
		require.Equal(t, k, string(v))
	}
	var inOrder [][]byte
	require.NoError(t, rtx.collectNames(c.root, &inOrder))
	got := make([]string, len(inOrder))
	for i, k := range inOrder {
		got[i] = string(k)
	}
	require.Equal(t, []string{"app", "appetizer", "apple", "ban", "banana", "band", "zebra"}, got)
	require.NoError(t, rtx.Commit())
}

func TestManyPutsSurviveSplitting(t *testing.T) {
	db := openTestDB(t, smallPageOptions())

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("many"))
	require.NoError(t, err)
	const n = 300
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, coll.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	c, err := rtx.GetCollection([]byte("many"))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v, err := c.Find([]byte(k))
		require.NoError(t, err)
		require.Equal(t, k, string(v))
	}
	require.NoError(t, rtx.Commit())
}

func TestDeleteRebalancesAndKeepsSurvivors(t *testing.T) {
	db := openTestDB(t, smallPageOptions())

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("many"))
	require.NoError(t, err)
	const n = 200
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, coll.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())

	tx = db.WriteTx()
	coll, err = tx.GetCollection([]byte("many"))
	require.NoError(t, err)
	for i := 0; i < n; i += 2 {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, coll.Remove([]byte(k)))
	}
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	c, err := rtx.GetCollection([]byte("many"))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v, err := c.Find([]byte(k))
		if i%2 == 0 {
			require.ErrorIs(t, err, ErrNotFound)
		} else {
			require.NoError(t, err)
			require.Equal(t, k, string(v))
		}
	}
	require.NoError(t, rtx.Commit())
}

func TestDeletingEverythingCollapsesRootToEmptyLeaf(t *testing.T) {
	db := openTestDB(t, smallPageOptions())

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("many"))
	require.NoError(t, err)
	const n = 150
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, coll.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())

	tx = db.WriteTx()
	coll, err = tx.GetCollection([]byte("many"))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, coll.Remove([]byte(k)))
	}
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	c, err := rtx.GetCollection([]byte("many"))
	require.NoError(t, err)
	_, err = c.Find([]byte("key-0000"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, rtx.Commit())
}

func TestRemovingAbsentKeyIsNoOp(t *testing.T) {
	db := openTestDB(t, Options{})

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("widgets"))
	require.NoError(t, err)
	require.NoError(t, coll.Put([]byte("a"), []byte("1")))
	require.NoError(t, coll.Remove([]byte("does-not-exist")))
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	c, err := rtx.GetCollection([]byte("widgets"))
	require.NoError(t, err)
	v, err := c.Find([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	require.NoError(t, rtx.Commit())
}

func TestRollbackDiscardsWritesAndFreesPages(t *testing.T) {
	db := openTestDB(t, smallPageOptions())

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("many"))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, coll.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, tx.Rollback())

	rtx := db.ReadTx()
	_, err = rtx.GetCollection([]byte("many"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, rtx.Commit())

	maxAfterRollback := db.dal.freeList.maxPage

	tx = db.WriteTx()
	coll, err = tx.CreateCollection([]byte("again"))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, coll.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())

	require.LessOrEqual(t, db.dal.freeList.maxPage, maxAfterRollback+PageNum(1),
		"committing the same workload after a rollback should mostly reuse released pages, not grow the file again")
}

func TestCollectionIDMintsIncreasingValuesAndReadTxReturnsZero(t *testing.T) {
	db := openTestDB(t, Options{})

	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("widgets"))
	require.NoError(t, err)
	first, err := coll.ID()
	require.NoError(t, err)
	second, err := coll.ID()
	require.NoError(t, err)
	require.Equal(t, first+1, second)
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	c, err := rtx.GetCollection([]byte("widgets"))
	require.NoError(t, err)
	readID, err := c.ID()
	require.NoError(t, err)
	require.Equal(t, uint64(0), readID)
	require.NoError(t, rtx.Commit())
}

func TestDeleteCollectionRemovesItFromCatalog(t *testing.T) {
	db := openTestDB(t, Options{})

	tx := db.WriteTx()
	_, err := tx.CreateCollection([]byte("gone"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx = db.WriteTx()
	require.NoError(t, tx.DeleteCollection([]byte("gone")))
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	_, err = rtx.GetCollection([]byte("gone"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, rtx.Commit())
}

func TestListCollectionsReturnsSortedNames(t *testing.T) {
	db := openTestDB(t, Options{})

	tx := db.WriteTx()
	for _, name := range []string{"zebras", "apples", "mangoes"} {
		_, err := tx.CreateCollection([]byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	rtx := db.ReadTx()
	names, err := rtx.ListCollections()
	require.NoError(t, err)
	got := make([]string, len(names))
	for i, n := range names {
		got[i] = string(n)
	}
	require.Equal(t, []string{"apples", "mangoes", "zebras"}, got)
	require.NoError(t, rtx.Commit())
}

func TestReopenPersistsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	db, err := Open(path, Options{}, zap.NewNop())
	require.NoError(t, err)
	tx := db.WriteTx()
	coll, err := tx.CreateCollection([]byte("widgets"))
	require.NoError(t, err)
	require.NoError(t, coll.Put([]byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	db2, err := Open(path, Options{}, zap.NewNop())
	require.NoError(t, err)
	defer db2.Close()

	rtx := db2.ReadTx()
	c, err := rtx.GetCollection([]byte("widgets"))
	require.NoError(t, err)
	v, err := c.Find([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	require.NoError(t, rtx.Commit())
}

func TestOpenRejectsFileWithBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 4096), 0644))

	_, err := Open(path, Options{}, zap.NewNop())
	require.ErrorIs(t, err, ErrCorrupt)
}

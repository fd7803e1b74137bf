package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("key"), []byte("value")))
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	_, err = db2.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestJournalCommitAndDiscard(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("keep"), []byte("1")))
	require.NoError(t, db.Put([]byte("drop"), []byte("2")))

	j := NewJournal(db)
	require.NoError(t, j.Put([]byte("new"), []byte("3")))
	require.NoError(t, j.Delete([]byte("drop")))

	_, err := j.Get([]byte("drop"))
	require.ErrorIs(t, err, ErrNotFound)
	got, err := j.Get([]byte("keep"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	_, err = db.Get([]byte("new"))
	require.ErrorIs(t, err, ErrNotFound, "parent must not observe staged writes")

	require.NoError(t, j.Commit())
	got, err = db.Get([]byte("new"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), got)
	_, err = db.Get([]byte("drop"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Error(t, j.Put([]byte("late"), nil))

	discarded := NewJournal(db)
	require.NoError(t, discarded.Put([]byte("ghost"), []byte("x")))
	discarded.Discard()
	_, err = db.Get([]byte("ghost"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Error(t, discarded.Commit())
}

func TestJournalBatchesIntoLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	j := NewJournal(db)
	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, j.Put([]byte(k), []byte(k)))
	}
	require.Equal(t, 3, j.Pending())
	require.NoError(t, j.Commit())

	for _, k := range []string{"a", "b", "c"} {
		got, err := db.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, []byte(k), got)
	}
}

package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "state", "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsurePair("docs"))
	return db
}

func TestRecordsCRUD(t *testing.T) {
	db := openTestDB(t)

	got, err := db.Get("docs", "missing.txt")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := &FileRecord{
		RelPath:         "dir/report.docx",
		Size:            500,
		ModTime:         time.Now().UnixNano(),
		Location:        LocationLocalOnly,
		IsDirty:         true,
		Mode:            0o644,
		ExternalModTime: 0,
		Generation:      3,
	}
	require.NoError(t, db.Put("docs", rec))

	got, err = db.Get("docs", "dir/report.docx")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *rec, *got)

	all, err := db.ListAll("docs")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.Delete("docs", "dir/report.docx"))
	all, err = db.ListAll("docs")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPutBatch(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put("docs", &FileRecord{RelPath: "old.txt"}))

	err := db.PutBatch("docs", []*FileRecord{{RelPath: "new.txt"}, {RelPath: "new2.txt"}}, []string{"old.txt"})
	require.NoError(t, err)

	all, err := db.ListAll("docs")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "new.txt")
	assert.NotContains(t, all, "old.txt")
}

func TestUnknownPair(t *testing.T) {
	db := openTestDB(t)
	_, err := db.ListAll("nope")
	assert.Error(t, err)
}

func TestPairsAreIsolated(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.EnsurePair("photos"))
	require.NoError(t, db.Put("docs", &FileRecord{RelPath: "a.txt"}))

	all, err := db.ListAll("photos")
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, db.DropPair("photos"))
	require.NoError(t, db.DropPair("photos"))
}

func TestHistoryAppendOnly(t *testing.T) {
	db := openTestDB(t)
	base := time.Now()
	for i, ok := range []bool{true, false, true} {
		require.NoError(t, db.AppendHistory("docs", &HistoryEntry{
			Path:    "f.txt",
			Action:  "copy",
			Success: ok,
			Bytes:   100,
			Time:    base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := db.ListHistory("docs", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Time.After(entries[1].Time), "newest first")
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "docs", entries[0].PairID)

	st, err := db.HistoryStats("docs")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, 2, st.Successes)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, int64(200), st.Bytes)
}

func TestConflicts(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	require.NoError(t, db.PutConflict("docs", &ConflictRecord{ID: "b", Path: "b.txt", Type: "both_modified", DetectedAt: now.Add(time.Second)}))
	require.NoError(t, db.PutConflict("docs", &ConflictRecord{ID: "a", Path: "a.txt", Type: "deleted_local", DetectedAt: now}))

	list, err := db.ListConflicts("docs")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	c, err := db.GetConflict("docs", "b")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "b.txt", c.Path)
	assert.False(t, c.Decided())

	require.NoError(t, db.DeleteConflict("docs", "b"))
	c, err = db.GetConflict("docs", "b")
	require.NoError(t, err)
	assert.Nil(t, c)
}

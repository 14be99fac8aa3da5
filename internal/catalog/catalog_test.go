package catalog

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/fs/disk"
)

func newTestCatalog(t *testing.T) (*Catalog, *database.DB) {
	t.Helper()
	db, err := database.NewBoltDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c, err := New("docs", db, event.NewBus())
	require.NoError(t, err)
	return c, db
}

func TestMarkDirtyIncludesLocal(t *testing.T) {
	c, db := newTestCatalog(t)

	_, err := c.Upsert("a.txt", func(r *database.FileRecord, _ bool) error {
		r.Location = database.LocationExternalOnly
		return nil
	})
	require.NoError(t, err)

	rec, err := c.MarkDirty("a.txt", func(r *database.FileRecord) { r.Size = 3 })
	require.NoError(t, err)
	assert.True(t, rec.IsDirty)
	assert.Equal(t, database.LocationBoth, rec.Location)
	assert.Equal(t, uint64(1), rec.Generation)

	fresh, err := c.MarkDirty("b.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, database.LocationLocalOnly, fresh.Location)

	// 已持久化
	stored, err := db.Get("docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, rec, *stored)
	require.NoError(t, c.CheckInvariants())
}

func TestUpsertRejectsDirtyWithoutLocal(t *testing.T) {
	c, _ := newTestCatalog(t)
	_, err := c.Upsert("x", func(r *database.FileRecord, _ bool) error {
		r.Location = database.LocationExternalOnly
		r.IsDirty = true
		return nil
	})
	assert.ErrorIs(t, err, errdefs.ErrInvalid)
	_, ok := c.Get("x")
	assert.False(t, ok)
}

func TestPendingDeleteNeverDirty(t *testing.T) {
	c, _ := newTestCatalog(t)
	rec, err := c.Upsert("x", func(r *database.FileRecord, _ bool) error {
		r.Location = database.LocationPendingDelete
		r.IsDirty = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, rec.IsDirty)
	assert.True(t, rec.PendingDelete)
}

func TestRecordDirtyEventOnlyOnTransition(t *testing.T) {
	db, err := database.NewBoltDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer db.Close()
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()
	c, err := New("docs", db, bus)
	require.NoError(t, err)

	_, err = c.MarkDirty("a", nil)
	require.NoError(t, err)
	_, err = c.MarkDirty("a", nil)
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, event.RecordDirty, ev.Kind)
	assert.Equal(t, "a", ev.Path)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestCommitSyncRespectsGeneration(t *testing.T) {
	c, _ := newTestCatalog(t)
	rec, err := c.MarkDirty("a", nil)
	require.NoError(t, err)
	gen := rec.Generation

	// 同步期间又被写入
	_, err = c.MarkDirty("a", nil)
	require.NoError(t, err)

	got, err := c.CommitSync("a", gen, database.Snapshot{Exists: true, Size: 1, ModTime: 42})
	require.NoError(t, err)
	assert.True(t, got.IsDirty)
	assert.Equal(t, database.LocationBoth, got.Location)
	assert.Equal(t, int64(42), got.ExternalModTime)

	got, err = c.CommitSync("a", got.Generation, database.Snapshot{Exists: true, Size: 1, ModTime: 43})
	require.NoError(t, err)
	assert.False(t, got.IsDirty)
}

func TestClearMissingLocal(t *testing.T) {
	c, _ := newTestCatalog(t)
	only, err := c.MarkDirty("gone", nil)
	require.NoError(t, err)
	require.NoError(t, c.ClearMissingLocal("gone", only.Generation))
	_, ok := c.Get("gone")
	assert.False(t, ok)

	_, err = c.Upsert("both", func(r *database.FileRecord, _ bool) error {
		r.Location = database.LocationBoth
		return nil
	})
	require.NoError(t, err)
	both, err := c.MarkDirty("both", nil)
	require.NoError(t, err)
	require.NoError(t, c.ClearMissingLocal("both", both.Generation))
	got, _ := c.Get("both")
	assert.Equal(t, database.LocationExternalOnly, got.Location)
	assert.False(t, got.IsDirty)
}

func TestExclusionSets(t *testing.T) {
	c, _ := newTestCatalog(t)

	require.True(t, c.TryMarkSyncing("a"))
	assert.False(t, c.TryMarkSyncing("a"))
	assert.False(t, c.TryMarkEvicting("a"), "syncing path cannot be evicted")
	c.UnmarkSyncing("a")

	h, err := c.Acquire("a")
	require.NoError(t, err)
	assert.False(t, c.TryMarkEvicting("a"), "open path cannot be evicted")
	c.Release(h)
	c.Release(h)
	assert.Equal(t, 0, c.OpenCount("a"))

	require.True(t, c.TryMarkEvicting("a"))
	assert.True(t, c.IsEvicting("a"))
	_, err = c.Acquire("a")
	assert.ErrorIs(t, err, errdefs.ErrBusy)
	assert.False(t, c.TryMarkSyncing("a"))
	c.UnmarkEvicting("a")
	_, err = c.Acquire("a")
	assert.NoError(t, err)
}

func TestMoveExcludesEviction(t *testing.T) {
	c, _ := newTestCatalog(t)

	require.True(t, c.TryMarkEvicting("dir/a"))
	_, err := c.BeginMove("dir")
	assert.ErrorIs(t, err, errdefs.ErrBusy, "eviction inside the subtree is still running")
	c.UnmarkEvicting("dir/a")

	end, err := c.BeginMove("dir", "dir2")
	require.NoError(t, err)
	assert.True(t, c.Moving("dir/a"))
	assert.True(t, c.Moving("dir2"))
	assert.False(t, c.Moving("dirx"))
	assert.False(t, c.TryMarkEvicting("dir/a"))
	assert.False(t, c.TryMarkSyncing("dir/b"))
	assert.True(t, c.TryMarkEvicting("other"))
	c.UnmarkEvicting("other")

	// 同一子树的两次登记互不影响
	end2, err := c.BeginMove("dir")
	require.NoError(t, err)
	end()
	assert.True(t, c.Moving("dir/a"))
	end2()
	assert.False(t, c.Moving("dir/a"))
	assert.True(t, c.TryMarkEvicting("dir/a"))
}

func TestClearMissingLocalSkipsMovingTree(t *testing.T) {
	c, _ := newTestCatalog(t)
	rec, err := c.MarkDirty("dir/a", nil)
	require.NoError(t, err)

	end, err := c.BeginMove("dir")
	require.NoError(t, err)
	require.NoError(t, c.ClearMissingLocal("dir/a", rec.Generation))
	_, ok := c.Get("dir/a")
	assert.True(t, ok, "local content only moved, the record stays")
	end()

	require.NoError(t, c.ClearMissingLocal("dir/a", rec.Generation))
	_, ok = c.Get("dir/a")
	assert.False(t, ok)
}

func TestRenameTreeMovesHandles(t *testing.T) {
	c, _ := newTestCatalog(t)
	_, err := c.MarkDirty("dir/a", nil)
	require.NoError(t, err)
	_, err = c.MarkDirty("dirx", nil)
	require.NoError(t, err)

	h, err := c.Acquire("dir/a")
	require.NoError(t, err)
	other, err := c.Acquire("dirx")
	require.NoError(t, err)

	_, err = c.RenameTree("dir", "moved")
	require.NoError(t, err)

	p, ok := c.HandlePath(h)
	require.True(t, ok)
	assert.Equal(t, "moved/a", p)
	assert.Equal(t, 0, c.OpenCount("dir/a"))
	assert.Equal(t, 1, c.OpenCount("moved/a"))
	assert.False(t, c.TryMarkEvicting("moved/a"), "moved open file cannot be evicted")
	p, _ = c.HandlePath(other)
	assert.Equal(t, "dirx", p)

	rec, err := c.MarkHandleDirty(h, func(r *database.FileRecord) { r.Size = 9 })
	require.NoError(t, err)
	assert.Equal(t, "moved/a", rec.RelPath)
	assert.Equal(t, int64(9), rec.Size)
	_, ok = c.Get("dir/a")
	assert.False(t, ok, "old local-only path must not come back")

	c.Release(h)
	assert.Equal(t, 0, c.OpenCount("moved/a"))
	_, err = c.MarkHandleDirty(h, nil)
	assert.ErrorIs(t, err, errdefs.ErrBadHandle)
}

func TestLockPathSerializes(t *testing.T) {
	c, _ := newTestCatalog(t)
	unlock := c.LockPath("a")

	acquired := make(chan struct{})
	go func() {
		u := c.LockPath("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired

	// 不同路径互不影响
	u1 := c.LockPath("x")
	u2 := c.LockPath("y")
	u1()
	u2()
}

func TestRenameTree(t *testing.T) {
	c, _ := newTestCatalog(t)
	for _, p := range []string{"dir", "dir/a", "dir/b"} {
		_, err := c.Upsert(p, func(r *database.FileRecord, _ bool) error {
			r.Location = database.LocationBoth
			r.IsDir = p == "dir"
			r.ExternalModTime = 1
			return nil
		})
		require.NoError(t, err)
	}
	_, err := c.MarkDirty("dir/new", nil)
	require.NoError(t, err)

	moved, err := c.RenameTree("dir", "renamed")
	require.NoError(t, err)
	assert.Equal(t, []string{"renamed", "renamed/a", "renamed/b", "renamed/new"}, moved)

	for _, p := range moved {
		r, ok := c.Get(p)
		require.True(t, ok, p)
		assert.True(t, r.IsDirty, p)
		assert.Equal(t, database.LocationLocalOnly, r.Location, p)
		assert.False(t, r.HasBaseline(), p)
	}
	old, ok := c.Get("dir/a")
	require.True(t, ok)
	assert.Equal(t, database.LocationPendingDelete, old.Location)
	_, ok = c.Get("dir/new")
	assert.False(t, ok, "local-only source record dropped")
	require.NoError(t, c.CheckInvariants())
}

func TestRenameOverExternalTarget(t *testing.T) {
	c, _ := newTestCatalog(t)
	_, err := c.MarkDirty("src", nil)
	require.NoError(t, err)
	_, err = c.Upsert("dst", func(r *database.FileRecord, _ bool) error {
		r.Location = database.LocationExternalOnly
		r.ExternalModTime = 7
		r.ExternalSize = 9
		return nil
	})
	require.NoError(t, err)

	_, err = c.RenameTree("src", "dst")
	require.NoError(t, err)

	r, ok := c.Get("dst")
	require.True(t, ok)
	assert.Equal(t, database.LocationBoth, r.Location)
	assert.True(t, r.IsDirty)
	assert.Equal(t, int64(7), r.ExternalModTime)
	_, ok = c.Get("src")
	assert.False(t, ok)
}

func TestIndexReconciles(t *testing.T) {
	c, _ := newTestCatalog(t)
	local := disk.NewAdapter(t.TempDir())
	external := disk.NewAdapter(t.TempDir())
	now := time.Now()

	write := func(a *disk.Adapter, p, content string) {
		_, err := a.WriteStream(p, bytes.NewBufferString(content), now, 0o644)
		require.NoError(t, err)
	}
	write(local, "local.txt", "l")
	write(external, "ext.txt", "e")
	write(local, "same.txt", "abc")
	write(external, "same.txt", "xyz")
	write(local, "diff.txt", "a")
	write(external, "diff.txt", "bbbb")
	write(local, ".DS_Store", "junk")

	// 表中残留的、两侧都已不存在的记录
	_, err := c.MarkDirty("vanished.txt", nil)
	require.NoError(t, err)
	assert.False(t, c.Indexed())

	res, err := c.Index(context.Background(), local, external)
	require.NoError(t, err)
	assert.True(t, c.Indexed())
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 4, res.Records)

	r, _ := c.Get("local.txt")
	assert.Equal(t, database.LocationLocalOnly, r.Location)
	assert.True(t, r.IsDirty)

	r, _ = c.Get("ext.txt")
	assert.Equal(t, database.LocationExternalOnly, r.Location)
	assert.False(t, r.IsDirty)
	assert.True(t, r.HasBaseline())

	r, _ = c.Get("same.txt")
	assert.Equal(t, database.LocationBoth, r.Location)
	assert.False(t, r.IsDirty)

	r, _ = c.Get("diff.txt")
	assert.Equal(t, database.LocationBoth, r.Location)
	assert.True(t, r.IsDirty)

	_, ok := c.Get(".DS_Store")
	assert.False(t, ok)
	require.NoError(t, c.CheckInvariants())

	// 再扫描一次不应产生变化
	res2, err := c.Index(context.Background(), local, external)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.Removed)
	assert.Equal(t, res.Dirty, res2.Dirty)
}

func TestIndexWithExternalOffline(t *testing.T) {
	c, _ := newTestCatalog(t)
	local := disk.NewAdapter(t.TempDir())
	external := disk.NewAdapter(t.TempDir())
	external.SetOffline(true)

	_, err := c.Upsert("archived.txt", func(r *database.FileRecord, _ bool) error {
		r.Location = database.LocationExternalOnly
		r.ExternalModTime = 1
		return nil
	})
	require.NoError(t, err)

	res, err := c.Index(context.Background(), local, external)
	require.NoError(t, err)
	assert.True(t, res.ExternalOffline)
	r, ok := c.Get("archived.txt")
	require.True(t, ok, "external-only records survive an offline scan")
	assert.Equal(t, database.LocationExternalOnly, r.Location)
}

func TestStats(t *testing.T) {
	c, _ := newTestCatalog(t)
	_, err := c.MarkDirty("a", func(r *database.FileRecord) { r.Size = 10 })
	require.NoError(t, err)
	require.NoError(t, c.SetFlagged("a", true))
	_, err = c.Upsert("b", func(r *database.FileRecord, _ bool) error {
		r.Location = database.LocationPendingDelete
		return nil
	})
	require.NoError(t, err)

	st := c.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Dirty)
	assert.Equal(t, 1, st.Flagged)
	assert.Equal(t, 1, st.PendingDelete)
	assert.Equal(t, int64(10), st.LocalBytes)
	assert.Equal(t, 1, c.DirtyCount())
}

package sync

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergesync/internal/catalog"
	"mergesync/internal/conflict"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/fs/disk"
	"mergesync/internal/vfs"
)

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type fixture struct {
	e        *Engine
	v        *vfs.FS
	cat      *catalog.Catalog
	queue    *conflict.Queue
	bus      *event.Bus
	local    *disk.Adapter
	external *disk.Adapter
}

func newFixture(t *testing.T, strategy conflict.Strategy) *fixture {
	t.Helper()
	db, err := database.NewBoltDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := event.NewBus()
	cat, err := catalog.New("docs", db, bus)
	require.NoError(t, err)
	f := &fixture{
		cat:      cat,
		bus:      bus,
		queue:    conflict.NewQueue("docs", db, bus),
		local:    disk.NewAdapter(t.TempDir()),
		external: disk.NewAdapter(t.TempDir()),
	}
	f.v = vfs.New(vfs.Options{PairID: "docs", Local: f.local, External: f.external, Catalog: cat})
	f.e = NewEngine(&EngineOptions{
		PairID:   "docs",
		Catalog:  cat,
		Local:    f.local,
		External: f.external,
		Queue:    f.queue,
		Bus:      bus,
		Strategy: strategy,
		Now:      func() time.Time { return fixedNow },
	})
	return f
}

func (f *fixture) index(t *testing.T) {
	t.Helper()
	_, err := f.cat.Index(context.Background(), f.local, f.external)
	require.NoError(t, err)
}

// synced 两侧放入相同内容，扫描后为干净的 Both 记录
func (f *fixture) synced(t *testing.T, rel, content string) {
	t.Helper()
	mt := time.Now().Add(-time.Hour)
	_, err := f.local.WriteStream(rel, bytes.NewBufferString(content), mt, 0o644)
	require.NoError(t, err)
	_, err = f.external.WriteStream(rel, bytes.NewBufferString(content), mt, 0o644)
	require.NoError(t, err)
}

func (f *fixture) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	h, err := f.v.Create(context.Background(), rel, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = h.Write([]byte(content), 0)
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func (f *fixture) overwrite(t *testing.T, rel, content string) {
	t.Helper()
	h, err := f.v.Open(context.Background(), rel, os.O_WRONLY|os.O_TRUNC)
	require.NoError(t, err)
	_, err = h.Write([]byte(content), 0)
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func (f *fixture) run(t *testing.T) *Result {
	t.Helper()
	res, err := f.e.Run(context.Background(), Filter{})
	require.NoError(t, err)
	return res
}

func readAll(t *testing.T, a *disk.Adapter, rel string) string {
	t.Helper()
	r, err := a.OpenStream(rel)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestSyncAfterExternalReturns(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.external.SetOffline(true)
	f.index(t)
	f.writeFile(t, "report.docx", "quarterly numbers")

	res, err := f.e.Run(context.Background(), Filter{})
	assert.ErrorIs(t, err, errdefs.ErrOffline)
	assert.True(t, res.Offline)
	r, _ := f.cat.Get("report.docx")
	assert.True(t, r.IsDirty)

	f.external.SetOffline(false)
	res = f.run(t)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, int64(len("quarterly numbers")), res.Bytes)
	assert.Equal(t, "quarterly numbers", readAll(t, f.external, "report.docx"))

	r, _ = f.cat.Get("report.docx")
	assert.False(t, r.IsDirty)
	assert.Equal(t, database.LocationBoth, r.Location)
	assert.True(t, r.HasBaseline())
	assert.NotEmpty(t, r.ExternalChecksum)

	// 第二轮没有任何动作
	res = f.run(t)
	assert.Zero(t, res.Planned)
	require.NoError(t, f.cat.CheckInvariants())
}

func TestUpdateOverwritesUnchangedExternal(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.synced(t, "plan.md", "draft")
	f.index(t)

	f.overwrite(t, "plan.md", "final version")
	res := f.run(t)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Conflicts)
	assert.Equal(t, "final version", readAll(t, f.external, "plan.md"))

	r, _ := f.cat.Get("plan.md")
	assert.False(t, r.IsDirty)
	assert.Equal(t, int64(len("final version")), r.ExternalSize)
}

func TestNewerExternalWinsConflict(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.synced(t, "shared.txt", "original")
	f.index(t)

	events, cancel := f.bus.Subscribe(64)
	defer cancel()

	f.overwrite(t, "shared.txt", "local edit")
	_, err := f.external.WriteStream("shared.txt", bytes.NewBufferString("external edit, longer"), time.Now().Add(10*time.Second), 0o644)
	require.NoError(t, err)

	res := f.run(t)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "external edit, longer", readAll(t, f.local, "shared.txt"))
	assert.Equal(t, "external edit, longer", readAll(t, f.external, "shared.txt"))

	r, _ := f.cat.Get("shared.txt")
	assert.False(t, r.IsDirty)
	assert.Equal(t, database.LocationBoth, r.Location)
	assert.Equal(t, int64(len("external edit, longer")), r.Size)

	var detected, resolved bool
	for {
		select {
		case ev := <-events:
			detected = detected || ev.Kind == event.ConflictDetected
			resolved = resolved || ev.Kind == event.ConflictResolved
			continue
		default:
		}
		break
	}
	assert.True(t, detected)
	assert.True(t, resolved)

	res = f.run(t)
	assert.Zero(t, res.Planned)
}

func TestKeepBothPreservesBothVersions(t *testing.T) {
	f := newFixture(t, conflict.KeepBoth)
	f.synced(t, "notes.txt", "v1")
	f.index(t)

	f.overwrite(t, "notes.txt", "local v2")
	_, err := f.external.WriteStream("notes.txt", bytes.NewBufferString("external v2!"), time.Now().Add(time.Minute), 0o644)
	require.NoError(t, err)

	res := f.run(t)
	assert.Equal(t, 1, res.Succeeded)

	const copyName = "notes_conflict_20240506-070809.txt"
	assert.Equal(t, "local v2", readAll(t, f.local, copyName))
	assert.Equal(t, "external v2!", readAll(t, f.external, "notes.txt"))

	r, ok := f.cat.Get("notes.txt")
	require.True(t, ok)
	assert.Equal(t, database.LocationExternalOnly, r.Location)
	assert.False(t, r.IsDirty)
	cp, ok := f.cat.Get(copyName)
	require.True(t, ok)
	assert.True(t, cp.IsDirty)

	// 冲突副本作为新文件上传
	res = f.run(t)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "local v2", readAll(t, f.external, copyName))
	assert.Equal(t, "external v2!", readAll(t, f.external, "notes.txt"))

	res = f.run(t)
	assert.Zero(t, res.Planned)
	require.NoError(t, f.cat.CheckInvariants())
}

func TestAskUserQueuesUntilDecided(t *testing.T) {
	f := newFixture(t, conflict.AskUser)
	f.synced(t, "budget.xlsx", "100")
	f.index(t)

	f.overwrite(t, "budget.xlsx", "250 local")
	_, err := f.external.WriteStream("budget.xlsx", bytes.NewBufferString("300 ext"), time.Now().Add(time.Minute), 0o644)
	require.NoError(t, err)

	res := f.run(t)
	assert.Equal(t, 1, res.Conflicts)
	conflicts, err := f.queue.List()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, string(conflict.BothModified), conflicts[0].Type)
	r, _ := f.cat.Get("budget.xlsx")
	assert.True(t, r.IsDirty)

	// 未决定的冲突不会被重新推送
	res = f.run(t)
	assert.Zero(t, res.Planned)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "300 ext", readAll(t, f.external, "budget.xlsx"))

	require.NoError(t, f.queue.Decide(conflicts[0].ID, conflict.LocalWins))
	res = f.run(t)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "250 local", readAll(t, f.external, "budget.xlsx"))

	conflicts, err = f.queue.List()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	r, _ = f.cat.Get("budget.xlsx")
	assert.False(t, r.IsDirty)
}

func TestExternalWinsWithBackupKeepsLocalCopy(t *testing.T) {
	f := newFixture(t, conflict.ExternalWinsWithBackup)
	f.synced(t, "cfg.ini", "a=1")
	f.index(t)

	f.overwrite(t, "cfg.ini", "a=2")
	_, err := f.external.WriteStream("cfg.ini", bytes.NewBufferString("a=3, b=4"), time.Now().Add(time.Minute), 0o644)
	require.NoError(t, err)

	f.run(t)
	const backup = "cfg_backup_20240506-070809.ini"
	assert.Equal(t, "a=2", readAll(t, f.local, backup))
	r, _ := f.cat.Get(backup)
	assert.True(t, r.IsDirty)

	r, _ = f.cat.Get("cfg.ini")
	assert.False(t, r.IsDirty)
	assert.Equal(t, database.LocationExternalOnly, r.Location)
}

func TestDeleteRemovesUnchangedExternal(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.synced(t, "old.txt", "obsolete")
	f.index(t)

	require.NoError(t, f.v.Unlink("old.txt"))
	r, _ := f.cat.Get("old.txt")
	require.True(t, r.PendingDelete)

	res := f.run(t)
	assert.Equal(t, 1, res.Succeeded)
	_, err := f.external.Stat("old.txt")
	assert.True(t, os.IsNotExist(err))
	_, ok := f.cat.Get("old.txt")
	assert.False(t, ok)
}

func TestDeleteKeepsModifiedExternal(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.synced(t, "old.txt", "obsolete")
	f.index(t)

	require.NoError(t, f.v.Unlink("old.txt"))
	_, err := f.external.WriteStream("old.txt", bytes.NewBufferString("edited elsewhere"), time.Now().Add(time.Minute), 0o644)
	require.NoError(t, err)

	f.run(t)
	assert.Equal(t, "edited elsewhere", readAll(t, f.external, "old.txt"))
	r, ok := f.cat.Get("old.txt")
	require.True(t, ok)
	assert.Equal(t, database.LocationExternalOnly, r.Location)
	assert.False(t, r.IsDirty)
	assert.False(t, r.PendingDelete)
}

func TestDirectoriesAndSymlinks(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.index(t)

	_, err := f.v.Mkdir("photos", 0o750)
	require.NoError(t, err)
	_, err = f.v.Mkdir("photos/2024", 0o755)
	require.NoError(t, err)
	_, err = f.v.Symlink("../README", "photos/latest")
	require.NoError(t, err)
	f.writeFile(t, "photos/2024/a.jpg", "jpeg")

	res := f.run(t)
	assert.Equal(t, 4, res.Succeeded)

	meta, err := f.external.Stat("photos")
	require.NoError(t, err)
	assert.True(t, meta.IsDir)
	assert.Equal(t, os.FileMode(0o750), meta.Mode.Perm())
	target, err := f.external.Readlink("photos/latest")
	require.NoError(t, err)
	assert.Equal(t, "../README", target)
	assert.Equal(t, "jpeg", readAll(t, f.external, "photos/2024/a.jpg"))

	res = f.run(t)
	assert.Zero(t, res.Planned)
}

func TestPlanOrdering(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	put := func(rel string, fn func(r *database.FileRecord)) {
		_, err := f.cat.Upsert(rel, func(r *database.FileRecord, _ bool) error {
			r.Location = database.LocationLocalOnly
			r.IsDirty = true
			r.Mode = 0o644
			fn(r)
			return nil
		})
		require.NoError(t, err)
	}
	put("a", func(r *database.FileRecord) { r.IsDir = true; r.Mode = uint32(os.ModeDir | 0o755) })
	put("a/b", func(r *database.FileRecord) { r.IsDir = true; r.Mode = uint32(os.ModeDir | 0o755) })
	put("big.bin", func(r *database.FileRecord) { r.Size = 100; r.Flagged = true })
	put("mid.txt", func(r *database.FileRecord) { r.Size = 10 })
	put("small-old.txt", func(r *database.FileRecord) { r.Size = 1; r.ModTime = 1 })
	put("small-new.txt", func(r *database.FileRecord) { r.Size = 1; r.ModTime = 2 })
	put("x", func(r *database.FileRecord) { r.Location = database.LocationPendingDelete; r.IsDir = true })
	put("x/y/z", func(r *database.FileRecord) { r.Location = database.LocationPendingDelete })
	put("clean.txt", func(r *database.FileRecord) { r.IsDirty = false; r.Location = database.LocationBoth })

	p, err := f.e.Plan(Filter{})
	require.NoError(t, err)

	paths := func(actions []Action) []string {
		var out []string
		for _, a := range actions {
			out = append(out, a.Path())
		}
		return out
	}
	assert.Equal(t, []string{"a", "a/b"}, paths(p.Dirs))
	assert.Equal(t, []string{"big.bin", "small-new.txt", "small-old.txt", "mid.txt"}, paths(p.Files))
	assert.Equal(t, []string{"x/y/z", "x"}, paths(p.Deletes))
	assert.Equal(t, KindCopy, p.Files[0].Kind())
	assert.Equal(t, int64(112), p.Bytes())

	p, err = f.e.Plan(Filter{Path: "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	require.True(t, f.cat.TryMarkEvicting("mid.txt"))
	p, err = f.e.Plan(Filter{})
	require.NoError(t, err)
	assert.NotContains(t, paths(p.Files), "mid.txt")
	require.Len(t, p.Skips, 1)
	assert.Equal(t, "mid.txt", p.Skips[0].Path())
}

func TestRunRejectsConcurrentPass(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.e.running.Lock()
	_, err := f.e.Run(context.Background(), Filter{})
	f.e.running.Unlock()
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)
}

func TestPauseHoldsBetweenRecords(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.index(t)
	f.writeFile(t, "a.txt", "a")

	f.e.Gate().Pause()
	done := make(chan *Result, 1)
	go func() {
		res, _ := f.e.Run(context.Background(), Filter{})
		done <- res
	}()

	require.Eventually(t, func() bool { return f.e.Progress().Running }, time.Second, 5*time.Millisecond)
	assert.True(t, f.e.Progress().Paused)
	r, _ := f.cat.Get("a.txt")
	assert.True(t, r.IsDirty)

	f.e.Gate().Resume()
	select {
	case res := <-done:
		assert.True(t, res.Paused)
		assert.Equal(t, 1, res.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not resume")
	}
}

func TestCancelledRunLeavesRecordsDirty(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.index(t)
	f.writeFile(t, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.e.Run(ctx, Filter{})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, res.Succeeded)
	r, _ := f.cat.Get("a.txt")
	assert.True(t, r.IsDirty)
	assert.False(t, f.e.Cancel(), "nothing running")
}

func TestHistoryRecordsActions(t *testing.T) {
	f := newFixture(t, conflict.NewerWins)
	f.index(t)
	f.writeFile(t, "a.txt", "a")
	f.run(t)

	h, err := f.e.History(10)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "a.txt", h[0].Path)
	assert.Equal(t, string(KindCopy), h[0].Action)
	assert.True(t, h[0].Success)

	st, err := f.e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Catalog.Both)
	assert.Zero(t, st.Conflicts)
}

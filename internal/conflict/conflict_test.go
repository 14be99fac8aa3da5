package conflict

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func snap(size int64, mtime time.Time, sum string) database.Snapshot {
	return database.Snapshot{Exists: true, Size: size, ModTime: mtime.UnixNano(), Checksum: sum, Mode: 0o644}
}

func TestClassify(t *testing.T) {
	baseline := snap(100, base, "b0")

	cases := []struct {
		name     string
		local    database.Snapshot
		external database.Snapshot
		baseline database.Snapshot
		want     Type
		ok       bool
	}{
		{"both modified", snap(120, base.Add(time.Minute), "l1"), snap(130, base.Add(10*time.Second), "e1"), baseline, BothModified, true},
		{"same content", snap(120, base, "x"), snap(120, base.Add(time.Hour), "x"), baseline, "", false},
		{"permission only", snap(120, base, "x"), database.Snapshot{Exists: true, Size: 120, ModTime: base.UnixNano(), Checksum: "x", Mode: 0o600}, baseline, PermissionConflict, true},
		{"deleted local, external changed", database.Snapshot{}, snap(130, base.Add(time.Second), "e1"), baseline, DeletedLocal, true},
		{"deleted local, external unchanged", database.Snapshot{}, baseline, baseline, "", false},
		{"deleted external", snap(120, base, "l1"), database.Snapshot{}, baseline, DeletedExternal, true},
		{"never synced", snap(120, base, "l1"), database.Snapshot{}, database.Snapshot{}, "", false},
		{"type changed", database.Snapshot{Exists: true, IsDir: true, Mode: 0o755}, snap(10, base, ""), baseline, TypeChanged, true},
		{"nothing", database.Snapshot{}, database.Snapshot{}, baseline, "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := Classify(c.local, c.external, c.baseline)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestResolveNewerWinsPicksExternal(t *testing.T) {
	c := database.ConflictRecord{
		Path:     "shared.txt",
		Type:     string(BothModified),
		Local:    snap(100, base, "l"),
		External: snap(100, base.Add(10*time.Second), "e"),
	}
	res := Resolve(c, NewerWins)
	assert.Equal(t, KeepExternal, res.Outcome)
	assert.False(t, res.Backup)
}

func TestResolveTieBreaks(t *testing.T) {
	c := database.ConflictRecord{Type: string(BothModified), Local: snap(10, base, "l"), External: snap(20, base, "e")}
	assert.Equal(t, KeepExternal, Resolve(c, NewerWins).Outcome, "equal mtime: larger wins")

	c.External.Size = 10
	assert.Equal(t, KeepLocal, Resolve(c, NewerWins).Outcome, "full tie: local wins")
	assert.Equal(t, KeepLocal, Resolve(c, LargerWins).Outcome)

	c.External.ModTime = base.Add(time.Second).UnixNano()
	assert.Equal(t, KeepExternal, Resolve(c, LargerWins).Outcome, "equal size: newer wins")
}

func TestResolveStrategies(t *testing.T) {
	c := database.ConflictRecord{Type: string(BothModified), Local: snap(10, base, "l"), External: snap(20, base.Add(time.Second), "e")}

	assert.Equal(t, KeepLocal, Resolve(c, LocalWins).Outcome)
	assert.Equal(t, KeepExternal, Resolve(c, ExternalWins).Outcome)
	assert.Equal(t, KeepExternal, Resolve(c, LargerWins).Outcome)
	assert.Equal(t, KeepBothCopies, Resolve(c, KeepBoth).Outcome)
	assert.Equal(t, Manual, Resolve(c, AskUser).Outcome)
	assert.Equal(t, Deferred, Resolve(c, Skip).Outcome)
	assert.Equal(t, Deferred, Resolve(c, Strategy("bogus")).Outcome)

	r := Resolve(c, LocalWinsWithBackup)
	assert.Equal(t, KeepLocal, r.Outcome)
	assert.True(t, r.Backup)
	r = Resolve(c, ExternalWinsWithBackup)
	assert.Equal(t, KeepExternal, r.Outcome)
	assert.True(t, r.Backup)

	c.Type = string(PermissionConflict)
	assert.Equal(t, KeepLocal, Resolve(c, KeepBoth).Outcome)
}

func TestResolveMissingSide(t *testing.T) {
	deletedLocal := database.ConflictRecord{Type: string(DeletedLocal), External: snap(10, base, "e")}
	for _, s := range []Strategy{NewerWins, LargerWins, KeepBoth} {
		assert.Equal(t, KeepExternal, Resolve(deletedLocal, s).Outcome, s)
	}
	assert.Equal(t, KeepLocal, Resolve(deletedLocal, LocalWins).Outcome)
	r := Resolve(deletedLocal, LocalWinsWithBackup)
	assert.True(t, r.Backup, "external copy kept under a backup name")
	r = Resolve(deletedLocal, ExternalWinsWithBackup)
	assert.False(t, r.Backup, "nothing local to back up")

	deletedExternal := database.ConflictRecord{Type: string(DeletedExternal), Local: snap(10, base, "l")}
	for _, s := range []Strategy{NewerWins, LargerWins, KeepBoth} {
		assert.Equal(t, KeepLocal, Resolve(deletedExternal, s).Outcome, s)
	}
	assert.Equal(t, KeepExternal, Resolve(deletedExternal, ExternalWins).Outcome)
}

func TestResolveDeterministic(t *testing.T) {
	c := database.ConflictRecord{Type: string(BothModified), Local: snap(10, base, "l"), External: snap(10, base, "e")}
	for _, s := range Strategies() {
		first := Resolve(c, s)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, Resolve(c, s))
		}
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Keep-Both")
	require.NoError(t, err)
	assert.Equal(t, KeepBoth, s)
	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, NewerWins, s)
	_, err = ParseStrategy("coin_flip")
	assert.Error(t, err)
}

func TestKeepBothName(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	assert.Equal(t, "notes_conflict_20240506-070809.txt", KeepBothName("notes.txt", ts, nil))
	assert.Equal(t, "a/b/archive.tar_conflict_20240506-070809.gz", KeepBothName("a/b/archive.tar.gz", ts, nil))
	assert.Equal(t, ".bashrc_conflict_20240506-070809", KeepBothName(".bashrc", ts, nil))
	assert.Equal(t, "Makefile_backup_20240506-070809", BackupName("Makefile", ts, nil))

	taken := map[string]bool{
		"notes_conflict_20240506-070809.txt":   true,
		"notes_conflict_20240506-070809_2.txt": true,
	}
	name := KeepBothName("notes.txt", ts, func(s string) bool { return taken[s] })
	assert.Equal(t, "notes_conflict_20240506-070809_3.txt", name)
	assert.Equal(t, name, KeepBothName("notes.txt", ts, func(s string) bool { return taken[s] }))

	// 时区不影响结果
	assert.Equal(t, KeepBothName("notes.txt", ts, nil), KeepBothName("notes.txt", ts.In(time.FixedZone("x", 8*3600)), nil))
}

func newQueue(t *testing.T) (*Queue, *event.Bus) {
	t.Helper()
	db, err := database.NewBoltDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsurePair("docs"))
	bus := event.NewBus()
	return NewQueue("docs", db, bus), bus
}

func TestQueueLifecycle(t *testing.T) {
	q, bus := newQueue(t)
	events, cancel := bus.Subscribe(16)
	defer cancel()

	c, err := q.Add(database.ConflictRecord{
		Path:     "shared.txt",
		Type:     string(BothModified),
		Local:    snap(10, base, "l"),
		External: snap(20, base.Add(time.Second), "e"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, event.ConflictDetected, (<-events).Kind)

	// 同一路径只保留一条
	again, err := q.Add(database.ConflictRecord{Path: "shared.txt", Type: string(BothModified), Local: snap(11, base, "l2"), External: c.External})
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	all, err := q.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(11), all[0].Local.Size)

	got, err := q.ForPath("shared.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	missing, err := q.ForPath("other.txt")
	require.NoError(t, err)
	assert.Nil(t, missing)

	p, err := q.Preview(c.ID)
	require.NoError(t, err)
	assert.Equal(t, KeepExternal, p.Outcomes[NewerWins].Outcome)
	assert.Equal(t, KeepLocal, p.Outcomes[LocalWins].Outcome)
	assert.NotContains(t, p.Outcomes, AskUser)

	assert.ErrorIs(t, q.Decide(c.ID, AskUser), errdefs.ErrInvalid)
	assert.ErrorIs(t, q.Decide("nope", LocalWins), errdefs.ErrNotFound)
	require.NoError(t, q.Decide(c.ID, LocalWins))
	decided, err := q.Decided()
	require.NoError(t, err)
	require.Len(t, decided, 1)
	assert.Equal(t, string(LocalWins), decided[0].Resolution)
	assert.False(t, decided[0].ResolvedAt.IsZero())

	require.NoError(t, q.Remove(c.ID))
	all, err = q.List()
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, event.ConflictDetected, (<-events).Kind)
	assert.Equal(t, event.ConflictResolved, (<-events).Kind)
	require.NoError(t, q.Remove(c.ID))
}

func TestQueueDecideAll(t *testing.T) {
	q, _ := newQueue(t)
	for _, p := range []string{"a", "b", "c"} {
		_, err := q.Add(database.ConflictRecord{Path: p, Type: string(BothModified), Local: snap(1, base, p), External: snap(2, base, "e")})
		require.NoError(t, err)
	}
	first, err := q.ForPath("a")
	require.NoError(t, err)
	require.NoError(t, q.Decide(first.ID, ExternalWins))

	n, err := q.DecideAll(KeepBoth)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	decided, err := q.Decided()
	require.NoError(t, err)
	require.Len(t, decided, 3)
	for _, c := range decided {
		if c.Path == "a" {
			assert.Equal(t, string(ExternalWins), c.Resolution)
		} else {
			assert.Equal(t, string(KeepBoth), c.Resolution)
		}
	}
}

package protect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergesync/internal/errdefs"
)

// recorder 记录调用顺序，可以让某一步失败
type recorder struct {
	calls  []string
	failOn string
}

func (r *recorder) call(name string) error {
	r.calls = append(r.calls, name)
	if name == r.failOn {
		return errors.New("denied")
	}
	return nil
}

func (r *recorder) Lock(context.Context, string) error   { return r.call("lock") }
func (r *recorder) Unlock(context.Context, string) error { return r.call("unlock") }
func (r *recorder) Deny(context.Context, string) error   { return r.call("deny") }
func (r *recorder) Allow(context.Context, string) error  { return r.call("allow") }
func (r *recorder) Hide(context.Context, string) error   { return r.call("hide") }
func (r *recorder) Unhide(context.Context, string) error { return r.call("unhide") }

func TestProtectOrder(t *testing.T) {
	r := &recorder{}
	require.NoError(t, ProtectBackend(context.Background(), r, "/cache"))
	assert.Equal(t, []string{"lock", "deny", "hide"}, r.calls)

	r.calls = nil
	require.NoError(t, UnprotectBackend(context.Background(), r, "/cache"))
	assert.Equal(t, []string{"unhide", "allow", "unlock"}, r.calls)
}

func TestProtectRollsBack(t *testing.T) {
	r := &recorder{failOn: "hide"}
	err := ProtectBackend(context.Background(), r, "/cache")
	require.Error(t, err)
	kind, ok := errdefs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.KindComponent, kind)
	assert.Equal(t, []string{"lock", "deny", "hide", "allow", "unlock"}, r.calls)
}

func TestUnprotectContinuesAfterFailure(t *testing.T) {
	r := &recorder{failOn: "allow"}
	err := UnprotectBackend(context.Background(), r, "/cache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow")
	assert.Equal(t, []string{"unhide", "allow", "unlock"}, r.calls)
}

func TestCommandProtector(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("需要 /bin/sh")
	}
	dir := t.TempDir()
	marker := filepath.Join(dir, "locked")

	p := NewCommandProtector(Commands{
		Lock:   []string{"/bin/sh", "-c", "touch {path}/locked"},
		Unlock: []string{"/bin/sh", "-c", "rm {path}/locked"},
		Deny:   []string{"/bin/sh", "-c", "echo refused >&2; exit 3"},
	})
	ctx := context.Background()

	// 空命令不执行任何操作
	require.NoError(t, p.Hide(ctx, dir))

	err := ProtectBackend(ctx, p, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "lock rolled back")

	require.NoError(t, p.Lock(ctx, dir))
	_, statErr = os.Stat(marker)
	require.NoError(t, statErr)
	require.NoError(t, p.Unlock(ctx, dir))
}

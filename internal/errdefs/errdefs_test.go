package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWrapping(t *testing.T) {
	err := FS("open", "a/b.txt", ErrBusy)
	wrapped := fmt.Errorf("outer: %w", err)

	assert.ErrorIs(t, wrapped, ErrBusy)
	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindFilesystem, kind)
	assert.Contains(t, err.Error(), "a/b.txt")
}

func TestNewNil(t *testing.T) {
	assert.NoError(t, New(KindSync, "copy", "x", nil))
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHidden(t *testing.T) {
	for _, name := range []string{".DS_Store", "a/.Spotlight-V100", ".Trashes", ".fseventsd", ".TemporaryItems", ".FUSE", "._report.docx", ".x" + TempMarker + "abcd"} {
		assert.True(t, Hidden(name), name)
	}
	for _, name := range []string{"report.docx", ".bashrc", "_x"} {
		assert.False(t, Hidden(name), name)
	}
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "", Clean("/"))
	assert.Equal(t, "a/b", Clean("/a//b/"))
	assert.Equal(t, "", Clean("."))
	assert.Equal(t, "x", Clean("../x"))
	assert.Equal(t, "b", Clean("a/../../b"))
	assert.Equal(t, "", Clean("/../.."))
	assert.Equal(t, "a/c", Clean("a/./b/../c"))
	assert.Equal(t, "", Parent("a"))
	assert.Equal(t, "a", Parent("a/b"))
	assert.Equal(t, "a/b", Join("a", "b"))
	assert.Equal(t, "b", Join("", "b"))
	assert.True(t, Within("a/b", "a"))
	assert.True(t, Within("a", "a"))
	assert.False(t, Within("ab", "a"))
	assert.True(t, Within("x", ""))
	assert.Equal(t, 0, Depth(""))
	assert.Equal(t, 2, Depth("a/b"))
}

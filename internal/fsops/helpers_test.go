package fsops

import (
	"errors"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse"
	"github.com/stretchr/testify/assert"

	"github.com/restfs/restfs/internal/remote"
)

func TestChildPathRoot(t *testing.T) {
	assert.Equal(t, "a.txt", childPath("", "a.txt"))
}

func TestChildPathNested(t *testing.T) {
	assert.Equal(t, "a/b/c.txt", childPath("a/b", "c.txt"))
}

func TestSplitPathRoundTripsChildPath(t *testing.T) {
	cases := []struct{ parent, name string }{
		{"", "a.txt"},
		{"a", "b.txt"},
		{"a/b/c", "d.txt"},
	}
	for _, c := range cases {
		full := childPath(c.parent, c.name)
		parent, name := splitPath(full)
		assert.Equal(t, c.parent, parent)
		assert.Equal(t, c.name, name)
	}
}

func TestParentOf(t *testing.T) {
	assert.Equal(t, "a/b", parentOf("a/b/c.txt"))
	assert.Equal(t, "", parentOf("a.txt"))
}

func TestToErrnoNil(t *testing.T) {
	assert.NoError(t, toErrno(nil))
}

func TestToErrnoNotFound(t *testing.T) {
	err := &remote.StatusError{Op: "read", Path: "x", Code: 404}
	assert.Equal(t, fuse.ENOENT, toErrno(err))
}

func TestToErrnoGenericFailure(t *testing.T) {
	assert.Equal(t, fuse.EIO, toErrno(errors.New("boom")))
}

func TestToErrnoServerError(t *testing.T) {
	err := &remote.StatusError{Op: "write", Path: "x", Code: 500}
	assert.Equal(t, fuse.EIO, toErrno(err))
}

func TestWantsWriteBufferReadOnly(t *testing.T) {
	assert.False(t, wantsWriteBuffer(uint32(syscall.O_RDONLY)))
}

func TestWantsWriteBufferWriteOnly(t *testing.T) {
	assert.True(t, wantsWriteBuffer(uint32(syscall.O_WRONLY)))
}

func TestWantsWriteBufferReadWrite(t *testing.T) {
	assert.True(t, wantsWriteBuffer(uint32(syscall.O_RDWR)))
}

func TestWantsWriteBufferTruncate(t *testing.T) {
	assert.True(t, wantsWriteBuffer(uint32(syscall.O_RDONLY|syscall.O_TRUNC)),
		"O_TRUNC should request a write buffer even with O_RDONLY")
}

// Package wbr implements the write buffer registry: a table mapping live
// file-handle identifiers to scratch-file buffers that absorb writes until
// they are flushed to the remote server.
//
// Grounded on gcsfuse's scratch-file idiom (gcsfuse/lease.FileLeaser
// hands out temp-backed ReadWriteSeekers for dirtied objects) and adapted
// down to a one-buffer-per-handle model: no leasing, no space accounting
// beyond what the OS temp dir already does.
package wbr

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// Uploader is the subset of *remote.Client a Buffer needs to flush itself.
// Declared as an interface so tests can substitute a fake without standing
// up an httptest.Server.
type Uploader interface {
	Write(ctx context.Context, path string, data []byte) error
}

// Buffer is a single write buffer: a scratch file, the remote path it will
// be uploaded to, and a dirty flag.
type Buffer struct {
	mu sync.Mutex

	scratch *os.File
	path    string
	dirty   bool
}

// Path returns the remote path this buffer will upload to.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Dirty reports whether the buffer has unuploaded writes.
func (b *Buffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// ReadAt reads from the scratch file at offset. Callers use this in
// preference to a remote read whenever a write buffer already exists for
// the handle, so that unflushed writes are visible to subsequent reads.
func (b *Buffer) ReadAt(p []byte, offset int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.scratch.ReadAt(p, offset)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// WriteAt writes into the scratch file at offset and marks the buffer dirty.
func (b *Buffer) WriteAt(p []byte, offset int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.scratch.WriteAt(p, offset)
	if err == nil {
		b.dirty = true
	}
	return n, err
}

// Upload reads the scratch file from offset 0 and PUTs its bytes; on
// success, clears dirty and invalidates path in the cache. On any error,
// dirty remains set so a later flush retries.
func (b *Buffer) Upload(ctx context.Context, rc Uploader, invalidate func(string)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dirty {
		return nil
	}

	if _, err := b.scratch.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wbr: seek scratch for %q: %w", b.path, err)
	}

	data, err := io.ReadAll(b.scratch)
	if err != nil {
		return fmt.Errorf("wbr: read back scratch for %q: %w", b.path, err)
	}

	if err := rc.Write(ctx, b.path, data); err != nil {
		return fmt.Errorf("wbr: upload %q: %w", b.path, err)
	}

	invalidate(b.path)
	b.dirty = false
	return nil
}

func (b *Buffer) close() error {
	return b.scratch.Close()
}

// Registry is the write buffer registry: a table of fh -> *Buffer.
//
// The zero value is not usable; use New. Registry is not safe for
// concurrent use on its own — the dispatcher's single big lock (internal/fsops)
// serializes all access.
type Registry struct {
	tempDir string

	nextHandle fuseops.HandleID
	buffers    map[fuseops.HandleID]*Buffer
}

// New returns an empty Registry that creates scratch files under tempDir
// (os.TempDir() if empty).
func New(tempDir string) *Registry {
	return &Registry{
		tempDir: tempDir,
		buffers: make(map[fuseops.HandleID]*Buffer),
	}
}

// AllocHandle hands out a fresh fh without creating a write buffer, for
// opens that do not need one: only opens for writing or truncation, and
// creates, get a scratch file; plain read-only opens don't. Handles
// returned here and by Open share one counter, so a later Lookup can never
// collide between a read-only fh and a write-buffer fh.
func (r *Registry) AllocHandle() fuseops.HandleID {
	r.nextHandle++
	return r.nextHandle
}

// Open allocates a new handle and write buffer for path. If prefill is
// non-nil, its bytes are written into the fresh scratch file and the
// position reset to 0 before returning — read-modify-write priming for
// opens that are not O_TRUNC. A nil prefill (including a non-nil-but-empty
// slice) leaves the scratch file as created: empty.
func (r *Registry) Open(path string, prefill []byte) (fuseops.HandleID, *Buffer, error) {
	f, err := os.CreateTemp(r.tempDir, "restfs-scratch-")
	if err != nil {
		return 0, nil, fmt.Errorf("wbr: create scratch for %q: %w", path, err)
	}

	// Unlink immediately: the scratch file must hold no path visible to the
	// user, only the open *os.File keeps its data alive.
	name := f.Name()
	if err := os.Remove(name); err != nil {
		f.Close()
		return 0, nil, fmt.Errorf("wbr: unlink scratch for %q: %w", path, err)
	}

	if len(prefill) > 0 {
		if _, err := f.Write(prefill); err != nil {
			f.Close()
			return 0, nil, fmt.Errorf("wbr: prefill scratch for %q: %w", path, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return 0, nil, fmt.Errorf("wbr: rewind scratch for %q: %w", path, err)
		}
	}

	h := r.AllocHandle()

	buf := &Buffer{scratch: f, path: path}
	r.buffers[h] = buf

	return h, buf, nil
}

// Lookup returns the buffer for handle h, if any. Handles never share a
// scratch file, so this is always a 1:1 lookup.
func (r *Registry) Lookup(h fuseops.HandleID) (*Buffer, bool) {
	b, ok := r.buffers[h]
	return b, ok
}

// Release removes h from the registry and reclaims its scratch file.
// Release never uploads; the dispatcher is expected to have already
// flushed through FlushFile.
func (r *Registry) Release(h fuseops.HandleID) error {
	b, ok := r.buffers[h]
	if !ok {
		return nil
	}

	delete(r.buffers, h)
	return b.close()
}

// Rebind updates the remote path a live buffer uploads to. Used when a
// rename affects a path with an open write buffer.
func (r *Registry) Rebind(oldPath, newPath string) {
	for _, b := range r.buffers {
		b.mu.Lock()
		if b.path == oldPath {
			b.path = newPath
		}
		b.mu.Unlock()
	}
}

// Package pit implements the path/inode table: the bidirectional mapping
// between kernel-visible inode numbers and server-relative path strings.
//
// Grounded on samples/memfs/fs.go's inode slice + free list, adapted from an
// array of in-memory inode objects to a pair of string<->ID maps, since here
// the inode's "content" lives on the remote server rather than in the table
// itself.
package pit

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// RootPath is the path bound to fuseops.RootInodeID for the lifetime of a
// mount: the empty string.
const RootPath = ""

// Table is the bidirectional mapping between kernel inode numbers and the
// server-relative paths they name.
//
// The zero value is not usable; call New. Table is safe for concurrent use,
// though in practice every caller in this repository already holds the
// dispatcher's single big lock (see internal/fsops) when calling it.
type Table struct {
	mu sync.Mutex

	next fuseops.InodeID

	forward map[fuseops.InodeID]string
	reverse map[string]fuseops.InodeID
}

// New returns a Table with only the root binding present.
func New() *Table {
	t := &Table{
		next:    fuseops.RootInodeID,
		forward: make(map[fuseops.InodeID]string),
		reverse: make(map[string]fuseops.InodeID),
	}

	t.forward[fuseops.RootInodeID] = RootPath
	t.reverse[RootPath] = fuseops.RootInodeID

	return t
}

// AllocInode returns the inode bound to path, minting one if this is the
// first time path has been observed. Idempotent: repeated calls with the
// same path return the same inode and never advance the counter twice.
func (t *Table) AllocInode(path string) fuseops.InodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.reverse[path]; ok {
		return id
	}

	if t.next < fuseops.RootInodeID {
		t.next = fuseops.RootInodeID
	}
	t.next++
	id := t.next

	t.forward[id] = path
	t.reverse[path] = id

	return id
}

// PathOf returns the path bound to id, if any.
func (t *Table) PathOf(id fuseops.InodeID) (path string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, ok = t.forward[id]
	return
}

// InodeOf returns the inode bound to path, if any, without minting one.
func (t *Table) InodeOf(path string) (id fuseops.InodeID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok = t.reverse[path]
	return
}

// Remove deletes the binding for path, if present, in both directions.
func (t *Table) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.reverse[path]
	if !ok {
		return
	}

	delete(t.reverse, path)
	delete(t.forward, id)
}

// Rebind retargets oldPath's inode to newPath, if oldPath has a bound inode;
// otherwise Rebind is a no-op.
func (t *Table) Rebind(oldPath, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.reverse[oldPath]
	if !ok {
		return
	}

	delete(t.reverse, oldPath)
	delete(t.forward, id)

	t.forward[id] = newPath
	t.reverse[newPath] = id
}

// Len reports the number of live bindings, including the root. Exposed for
// invariant checking in tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.forward)
}

package fsops

import (
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/restfs/restfs/internal/remote"
)

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

func (fs *FS) Init(op *fuseops.InitOp) error {
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) LookUpInode(op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath, ok := fs.table.PathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	entry, found, err := fs.findInParent(op.Context(), parentPath, op.Name)
	if err != nil {
		return toErrno(err)
	}
	if !found {
		return fuse.ENOENT
	}

	child := fs.table.AllocInode(childPath(parentPath, op.Name))

	now := fs.clock.Now()
	op.Entry = fuseops.ChildInodeEntry{
		Child:                child,
		Attributes:           attributesFor(entry, fs),
		AttributesExpiration: now.Add(attrTTL),
		EntryExpiration:      now.Add(attrTTL),
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if op.Inode == fuseops.RootInodeID {
		op.Attributes = fs.dirAttributes()
		op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
		return nil
	}

	p, ok := fs.table.PathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	parentPath, name := splitPath(p)
	entry, found, err := fs.findInParent(op.Context(), parentPath, name)
	if err != nil {
		return toErrno(err)
	}
	if !found {
		return fuse.ENOENT
	}

	op.Attributes = attributesFor(entry, fs)
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
//
// Only size is honoured, and only size == 0 (truncate). Every other
// requested change is silently accepted: the reply simply reports the
// inode's current attributes.
func (fs *FS) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, ok := fs.table.PathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	if op.Size != nil && *op.Size == 0 {
		if err := fs.rc.Write(op.Context(), p, nil); err != nil {
			return fuse.EIO
		}
		fs.rc.Invalidate(p)
	}

	parentPath, name := splitPath(p)
	entry, found, err := fs.findInParent(op.Context(), parentPath, name)
	if err != nil {
		return toErrno(err)
	}
	if !found {
		return fuse.ENOENT
	}

	op.Attributes = attributesFor(entry, fs)
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)

	return nil
}

// ForgetInode is a documented no-op: the path/inode table never recycles
// inode numbers within a session, so there is nothing to reclaim when the
// kernel drops its last reference.
func (fs *FS) ForgetInode(op *fuseops.ForgetInodeOp) error {
	return nil
}

////////////////////////////////////////////////////////////////////////
// Inode creation / removal
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) MkDir(op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath, ok := fs.table.PathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	p := childPath(parentPath, op.Name)
	if err := fs.rc.Mkdir(op.Context(), p); err != nil {
		return toErrno(err)
	}
	fs.rc.Invalidate(p)

	child := fs.table.AllocInode(p)

	now := fs.clock.Now()
	op.Entry = fuseops.ChildInodeEntry{
		Child:                child,
		Attributes:           fs.dirAttributes(),
		AttributesExpiration: now.Add(attrTTL),
		EntryExpiration:      now.Add(attrTTL),
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
//
// create(parent, name, …): upload an empty body for the child path so a
// subsequent getattr succeeds immediately, allocate an inode, and open an
// empty write buffer for the returned handle.
func (fs *FS) CreateFile(op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath, ok := fs.table.PathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	p := childPath(parentPath, op.Name)
	if err := fs.rc.Write(op.Context(), p, nil); err != nil {
		return toErrno(err)
	}
	fs.rc.Invalidate(p)

	child := fs.table.AllocInode(p)

	h, _, err := fs.wbr.Open(p, nil)
	if err != nil {
		return fuse.EIO
	}
	op.Handle = h

	now := fs.clock.Now()
	op.Entry = fuseops.ChildInodeEntry{
		Child:                child,
		Attributes:           fs.fileAttributes(0),
		AttributesExpiration: now.Add(attrTTL),
		EntryExpiration:      now.Add(attrTTL),
	}

	return nil
}

// RmDir and Unlink share the same implementation: both just DELETE the
// path and let the server decide the semantic difference between removing
// a file and removing a directory.

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) RmDir(op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath, ok := fs.table.PathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	p := childPath(parentPath, op.Name)
	if err := fs.rc.Delete(op.Context(), p); err != nil {
		return toErrno(err)
	}
	fs.rc.Invalidate(p)
	fs.table.Remove(p)

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) Unlink(op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath, ok := fs.table.PathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	p := childPath(parentPath, op.Name)
	if err := fs.rc.Delete(op.Context(), p); err != nil {
		return toErrno(err)
	}
	fs.rc.Invalidate(p)
	fs.table.Remove(p)

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
//
// rename(old_parent, old_name, new_parent, new_name): the wire protocol has
// no rename primitive, so this is read the old file in full, PUT it to the
// new path, delete the old path, then rebind the inode.
func (fs *FS) Rename(op *fuseops.RenameOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldParentPath, ok := fs.table.PathOf(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParentPath, ok := fs.table.PathOf(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}

	oldPath := childPath(oldParentPath, op.OldName)
	newPath := childPath(newParentPath, op.NewName)

	fs.rc.Invalidate(oldPath)
	fs.rc.Invalidate(newPath)

	data, err := fs.rc.ReadFull(op.Context(), oldPath)
	if err != nil {
		return toErrno(err)
	}

	if err := fs.rc.Write(op.Context(), newPath, data); err != nil {
		return fuse.EIO
	}

	if err := fs.rc.Delete(op.Context(), oldPath); err != nil {
		return fuse.EIO
	}

	fs.rc.Invalidate(oldPath)
	fs.rc.Invalidate(newPath)

	fs.table.Rebind(oldPath, newPath)
	fs.wbr.Rebind(oldPath, newPath)

	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) OpenDir(op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.table.PathOf(op.Inode); !ok {
		return fuse.ENOENT
	}

	fs.nextDirHandle++
	h := fs.nextDirHandle
	fs.dirHandles[h] = op.Inode
	op.Handle = h

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
//
// A full-listing model: at offset zero the whole remote directory is
// listed and packed into the reply buffer; any later page is empty. Packing
// stops once the buffer is full, and because later pages are empty, entries
// that did not fit at offset zero are never returned.
func (fs *FS) ReadDir(op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirInode, ok := fs.dirHandles[op.Handle]
	if !ok {
		return fuse.EIO
	}

	if op.Offset != 0 {
		return nil
	}

	dirPath, ok := fs.table.PathOf(dirInode)
	if !ok {
		return fuse.ENOENT
	}

	entries, err := fs.rc.ListDir(op.Context(), dirPath)
	if err != nil {
		return toErrno(err)
	}

	parentInode := fs.table.AllocInode(parentOf(dirPath))

	dirents := make([]fuseops.Dirent, 0, len(entries)+2)
	dirents = append(dirents,
		fuseops.Dirent{Offset: 1, Inode: dirInode, Name: ".", Type: fuseutil.DT_Directory},
		fuseops.Dirent{Offset: 2, Inode: parentInode, Name: "..", Type: fuseutil.DT_Directory},
	)

	for i, e := range entries {
		childID := fs.table.AllocInode(childPath(dirPath, e.Name))

		typ := fuseutil.DT_File
		if e.IsDir {
			typ = fuseutil.DT_Directory
		}

		dirents = append(dirents, fuseops.Dirent{
			Offset: fuseops.DirOffset(i + 3),
			Inode:  childID,
			Name:   e.Name,
			Type:   typ,
		})
	}

	for _, d := range dirents {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.dirHandles, op.Handle)

	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func wantsWriteBuffer(flags uint32) bool {
	accmode := flags & syscall.O_ACCMODE
	return accmode == syscall.O_WRONLY || accmode == syscall.O_RDWR || flags&syscall.O_TRUNC != 0
}

// LOCKS_EXCLUDED(fs.mu)
//
// open(inode, flags): allocates a fh; opens for writing or truncation (and
// O_TRUNC opens generally) additionally get a write buffer, pre-filled from
// the server unless truncating.
func (fs *FS) OpenFile(op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, ok := fs.table.PathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	flags := uint32(op.OpenFlags)
	if !wantsWriteBuffer(flags) {
		op.Handle = fs.wbr.AllocHandle()
		return nil
	}

	var prefill []byte
	if flags&syscall.O_TRUNC == 0 {
		data, err := fs.rc.ReadFull(op.Context(), p)
		if err != nil && !remote.NotFound(err) {
			return toErrno(err)
		}
		prefill = data
	}

	h, _, err := fs.wbr.Open(p, prefill)
	if err != nil {
		return fuse.EIO
	}
	op.Handle = h

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
//
// read(inode, fh, offset, size): prefers a live write buffer, then a fresh
// cached body, then falls back to a byte-ranged remote fetch.
func (fs *FS) ReadFile(op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if buf, ok := fs.wbr.Lookup(op.Handle); ok {
		data := make([]byte, op.Size)
		n, err := buf.ReadAt(data, op.Offset)
		if err != nil {
			return fuse.EIO
		}
		op.Data = data[:n]
		return nil
	}

	p, ok := fs.table.PathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	if cached, ok := fs.rc.CachedFile(p); ok {
		lo := op.Offset
		if lo > int64(len(cached)) {
			lo = int64(len(cached))
		}
		hi := lo + int64(op.Size)
		if hi > int64(len(cached)) {
			hi = int64(len(cached))
		}
		op.Data = cached[lo:hi]
		return nil
	}

	end := op.Offset + int64(op.Size) - 1
	data, err := fs.rc.ReadRange(op.Context(), p, op.Offset, end)
	if err != nil {
		return toErrno(err)
	}
	op.Data = data

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
//
// write(inode, fh, offset, data): requires a live write buffer; writes
// never fail due to size, only scratch-file I/O errors.
func (fs *FS) WriteFile(op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	buf, ok := fs.wbr.Lookup(op.Handle)
	if !ok {
		return syscall.EBADF
	}

	if _, err := buf.WriteAt(op.Data, op.Offset); err != nil {
		return fuse.EIO
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
//
// flush(inode, fh): uploads the scratch file if dirty, clears dirty, and
// invalidates caches; a non-dirty flush is a no-op.
func (fs *FS) FlushFile(op *fuseops.FlushFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	buf, ok := fs.wbr.Lookup(op.Handle)
	if !ok {
		return nil
	}

	if err := buf.Upload(op.Context(), fs.rc, fs.rc.Invalidate); err != nil {
		return fuse.EIO
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.wbr.Release(op.Handle)

	return nil
}

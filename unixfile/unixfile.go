// Package unixfile wraps an OS file with a guard that catches writable files
// being dropped without a flush. The runtime writes dump and profile data
// from places where a lost buffer is silent data loss, so forgetting the
// flush is a bug worth logging loudly.
package unixfile

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// guardState tracks how safely the file can be discarded. States are ordered;
// mutating operations move down, flush and close move up.
type guardState int

const (
	guardUninitialized guardState = iota
	guardBase
	guardFlushed
	guardClosed
	guardNoCheck
)

func (s guardState) String() string {
	switch s {
	case guardUninitialized:
		return "uninitialized"
	case guardBase:
		return "base"
	case guardFlushed:
		return "flushed"
	case guardClosed:
		return "closed"
	case guardNoCheck:
		return "no-check"
	}
	return fmt.Sprintf("guardState(%d)", int(s))
}

// File is a guarded file. The zero value is unusable; open through New,
// Create, Open or OpenLocked.
type File struct {
	f        *os.File
	path     string
	readOnly bool
	state    guardState
	lock     *flock.Flock
}

func wrap(f *os.File, path string, readOnly bool) *File {
	gf := &File{f: f, path: path, readOnly: readOnly, state: guardBase}
	if readOnly {
		// Reads do not participate in the guard.
		gf.state = guardNoCheck
	}
	runtime.SetFinalizer(gf, (*File).finalize)
	return gf
}

// New adopts an already-open file.
func New(f *os.File, readOnly bool) *File {
	return wrap(f, f.Name(), readOnly)
}

// Create opens path for writing, truncating it.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return wrap(f, path, false), nil
}

// Open opens path read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return wrap(f, path, true), nil
}

// OpenLocked opens path for writing under an exclusive advisory lock, for
// outputs contended between processes.
func OpenLocked(path string) (*File, error) {
	lk := flock.New(path + ".lock")
	if err := lk.Lock(); err != nil {
		return nil, fmt.Errorf("unixfile: lock %s: %w", path, err)
	}
	gf, err := Create(path)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	gf.lock = lk
	return gf, nil
}

// Fd returns the underlying descriptor.
func (gf *File) Fd() int { return int(gf.f.Fd()) }

// Path returns the path the file was opened with.
func (gf *File) Path() string { return gf.path }

func (gf *File) moveDown() {
	if gf.state != guardNoCheck {
		gf.state = guardBase
	}
}

func (gf *File) moveUp(to guardState) {
	if gf.state != guardNoCheck && gf.state < to {
		gf.state = to
	}
}

// DisableAutoClose exempts the file from the guard, for descriptors whose
// ownership moves elsewhere.
func (gf *File) DisableAutoClose() {
	gf.state = guardNoCheck
}

// Read reads from the current offset.
func (gf *File) Read(p []byte) (int, error) { return gf.f.Read(p) }

// ReadAt reads at an absolute offset.
func (gf *File) ReadAt(p []byte, off int64) (int, error) { return gf.f.ReadAt(p, off) }

// Write writes at the current offset and demotes the guard.
func (gf *File) Write(p []byte) (int, error) {
	gf.moveDown()
	return gf.f.Write(p)
}

// WriteAt writes at an absolute offset and demotes the guard.
func (gf *File) WriteAt(p []byte, off int64) (int, error) {
	gf.moveDown()
	return gf.f.WriteAt(p, off)
}

// Truncate resizes the file and demotes the guard.
func (gf *File) Truncate(size int64) error {
	gf.moveDown()
	return gf.f.Truncate(size)
}

// Size returns the current file length.
func (gf *File) Size() (int64, error) {
	st, err := gf.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Flush forces written data to stable storage and promotes the guard.
func (gf *File) Flush() error {
	if err := gf.f.Sync(); err != nil {
		return err
	}
	gf.moveUp(guardFlushed)
	return nil
}

// Close closes the file. A writable file closed without a flush is logged;
// the close still proceeds.
func (gf *File) Close() error {
	if !gf.readOnly && gf.state == guardBase {
		log.Printf("unixfile: %s closed without flush", gf.path)
	}
	gf.moveUp(guardClosed)
	runtime.SetFinalizer(gf, nil)
	err := gf.f.Close()
	if gf.lock != nil {
		if uerr := gf.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
		gf.lock = nil
	}
	return err
}

// FlushClose flushes then closes, reporting the first failure.
func (gf *File) FlushClose() error {
	ferr := gf.Flush()
	cerr := gf.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

func (gf *File) finalize() {
	if gf.state == guardBase || gf.state == guardUninitialized {
		log.Printf("unixfile: %s dropped while unflushed", gf.path)
	}
	gf.f.Close()
	if gf.lock != nil {
		gf.lock.Unlock()
	}
}

// Copy appends length bytes from src's current offset to gf, through the
// kernel when the platform allows it.
func (gf *File) Copy(src *File, length int64) error {
	gf.moveDown()
	for length > 0 {
		n, err := unix.Sendfile(gf.Fd(), src.Fd(), nil, int(length))
		if err == unix.EINVAL || err == unix.ENOSYS {
			// Not every filesystem pairing supports sendfile.
			_, err = io.CopyN(gf.f, src.f, length)
			return err
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		length -= int64(n)
	}
	return nil
}

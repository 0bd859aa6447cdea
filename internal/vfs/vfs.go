// Package vfs is the filesystem abstraction the core storage engine reads
// and writes through, matching the repository-primitive VFS contract: read,
// write, tryread, open (with an atomic-temp option), unlink, exists, stat,
// chmod, join. A Disk implementation backs it by the real filesystem; tests
// may substitute an in-memory fake.
package vfs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Opener is the VFS contract consumed by the transaction manager, the
// obsolescence store, and the tag caches.
type Opener interface {
	Root() string
	Join(path string) string
	Exists(path string) bool
	Stat(path string) (fs.FileInfo, error)
	Read(path string) ([]byte, error)
	TryRead(path string) ([]byte, error)
	Write(path string, data []byte) error
	Open(path string, flag int, perm fs.FileMode) (*os.File, error)
	// OpenAtomic opens a temp file that is renamed into place on Close.
	OpenAtomic(path string) (io.WriteCloser, error)
	Unlink(path string) error
	Chmod(path string, mode fs.FileMode) error
	MakeDirs(path string) error
}

// Disk is the default os-backed Opener.
type Disk struct {
	root string
}

func NewDisk(root string) *Disk { return &Disk{root: root} }

func (d *Disk) Root() string { return d.root }

func (d *Disk) Join(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.root, path)
}

func (d *Disk) Exists(path string) bool {
	_, err := os.Stat(d.Join(path))
	return err == nil
}

func (d *Disk) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(d.Join(path))
}

func (d *Disk) Read(path string) ([]byte, error) {
	return os.ReadFile(d.Join(path))
}

// TryRead returns nil, nil if the file does not exist.
func (d *Disk) TryRead(path string) ([]byte, error) {
	data, err := os.ReadFile(d.Join(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (d *Disk) Write(path string, data []byte) error {
	if err := d.MakeDirs(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(d.Join(path), data, 0644)
}

func (d *Disk) Open(path string, flag int, perm fs.FileMode) (*os.File, error) {
	if err := d.MakeDirs(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return os.OpenFile(d.Join(path), flag, perm)
}

type atomicFile struct {
	tmp    *os.File
	target string
}

func (a *atomicFile) Write(p []byte) (int, error) { return a.tmp.Write(p) }

func (a *atomicFile) Close() error {
	if err := a.tmp.Close(); err != nil {
		return err
	}
	return os.Rename(a.tmp.Name(), a.target)
}

func (d *Disk) OpenAtomic(path string) (io.WriteCloser, error) {
	full := d.Join(path)
	if err := d.MakeDirs(filepath.Dir(path)); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), filepath.Base(full)+".tmp")
	if err != nil {
		return nil, err
	}
	return &atomicFile{tmp: tmp, target: full}, nil
}

func (d *Disk) Unlink(path string) error {
	err := os.Remove(d.Join(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *Disk) Chmod(path string, mode fs.FileMode) error {
	return os.Chmod(d.Join(path), mode)
}

func (d *Disk) MakeDirs(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(d.Join(path), 0755)
}

// HardlinkOrCopy hardlinks src to dst, falling back to a byte copy when the
// filesystem does not support hardlinks (e.g. across devices).
func HardlinkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

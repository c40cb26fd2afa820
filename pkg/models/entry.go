// Package models contains data types shared by the listing, metadata and fuse packages.
package models

import (
	"syscall"
	"time"
)

// Entry is one item of a remote directory listing.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// Synthetic entries prepended to every directory's public contents.
var (
	DotEntry    = Entry{Name: ".", IsDir: true}
	DotDotEntry = Entry{Name: "..", IsDir: true}
)

// Mode returns the file-type bits for the entry.
func (e Entry) Mode() uint32 {
	if e.IsDir {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

// Fixed permission bits. No permission enforcement is done beyond these.
const (
	DirPerm  = 0o777
	FilePerm = 0o666
)

// Attr is the attribute record reported to the filesystem layer.
type Attr struct {
	Mode  uint32    `json:"mode"`
	Size  int64     `json:"size"`
	Atime time.Time `json:"atime"`
	// MTime is the zero time when the modification time is unknown.
	MTime time.Time `json:"mtime"`
	Nlink uint32    `json:"nlink"`
}

// IsDir reports whether the attribute record describes a directory.
func (a Attr) IsDir() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

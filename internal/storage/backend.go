// Package storage defines the RemoteFS transport used to reach remote
// compute hosts, network shares and object stores, and a factory that
// instantiates the configured implementation.
package storage

import (
	"context"
	"io/fs"
	"path"
	"strings"

	"github.com/dmspipeline/analysismgr/internal/models"
)

// Sentinel errors shared by all implementations. They alias io/fs so that
// errors.Is works against os errors returned by the local backend.
var (
	ErrNotExist = fs.ErrNotExist
	ErrExist    = fs.ErrExist
)

// RemoteFS is the transport contract for remote file operations.
// Paths are slash-separated and relative to the implementation's root.
type RemoteFS interface {
	// Stat returns metadata for a file or directory, or ErrNotExist.
	Stat(ctx context.Context, p string) (models.RemoteFileDescriptor, error)

	// List returns the direct children of a directory, or ErrNotExist.
	List(ctx context.Context, dir string) ([]models.RemoteFileDescriptor, error)

	// MkdirAll creates a directory and its parents. An existing directory is not an error.
	MkdirAll(ctx context.Context, dir string) error

	// Remove deletes a single file. A missing file is not an error.
	Remove(ctx context.Context, p string) error

	// RemoveAll deletes a directory tree. A missing tree is not an error.
	RemoveAll(ctx context.Context, dir string) error

	// Upload copies a local file to the remote path, preserving its modification time.
	Upload(ctx context.Context, localPath, remotePath string) (int64, error)

	// Download copies a remote file to a local path, preserving its modification time.
	Download(ctx context.Context, remotePath, localPath string) (int64, error)

	// CreateExclusive creates a small file, failing with ErrExist if present.
	CreateExclusive(ctx context.Context, p string, content []byte) error

	// Host names the remote endpoint for log and error messages.
	Host() string

	// Type returns the backend type identifier ("local", "smb", "sftp", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Join joins slash-separated remote path elements.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// MatchName reports whether name matches a glob pattern, case-insensitively.
// An empty pattern matches everything.
func MatchName(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

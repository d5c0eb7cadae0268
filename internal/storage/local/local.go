// Package local provides a local filesystem RemoteFS, used directly for
// shares reachable through the OS and as the base of the SMB backend.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmspipeline/analysismgr/internal/models"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
	HostName   string `json:"host_name"`
}

// LocalBackend implements storage.RemoteFS using the local filesystem.
type LocalBackend struct {
	rootPath   string
	createDirs bool
	host       string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	host := cfg.HostName
	if host == "" {
		host, _ = os.Hostname()
	}

	return &LocalBackend{
		rootPath:   cfg.RootPath,
		createDirs: cfg.CreateDirs,
		host:       host,
	}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the directory all paths are resolved against.
func (b *LocalBackend) Root() string { return b.rootPath }

func (b *LocalBackend) fullPath(p string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(p))
}

func describe(name string, info fs.FileInfo) models.RemoteFileDescriptor {
	return models.RemoteFileDescriptor{
		Name:    name,
		Length:  info.Size(),
		ModTime: info.ModTime().UTC(),
		IsDir:   info.IsDir(),
	}
}

// Stat returns metadata for a path.
func (b *LocalBackend) Stat(_ context.Context, p string) (models.RemoteFileDescriptor, error) {
	info, err := os.Stat(b.fullPath(p))
	if err != nil {
		return models.RemoteFileDescriptor{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return describe(info.Name(), info), nil
}

// List returns the entries of a directory.
func (b *LocalBackend) List(_ context.Context, dir string) ([]models.RemoteFileDescriptor, error) {
	entries, err := os.ReadDir(b.fullPath(dir))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	out := make([]models.RemoteFileDescriptor, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		out = append(out, describe(e.Name(), info))
	}
	return out, nil
}

// MkdirAll creates a directory tree.
func (b *LocalBackend) MkdirAll(_ context.Context, dir string) error {
	if err := os.MkdirAll(b.fullPath(dir), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// Remove deletes a single file.
func (b *LocalBackend) Remove(_ context.Context, p string) error {
	err := os.Remove(b.fullPath(p))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// RemoveAll deletes a directory tree.
func (b *LocalBackend) RemoveAll(_ context.Context, dir string) error {
	if err := os.RemoveAll(b.fullPath(dir)); err != nil {
		return fmt.Errorf("delete tree %s: %w", dir, err)
	}
	return nil
}

// Upload copies a local file into the backend.
func (b *LocalBackend) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	return CopyFile(ctx, localPath, b.fullPath(remotePath), b.createDirs)
}

// Download copies a backend file to a local path.
func (b *LocalBackend) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	return CopyFile(ctx, b.fullPath(remotePath), localPath, true)
}

// CreateExclusive creates a file only if it does not already exist.
func (b *LocalBackend) CreateExclusive(_ context.Context, p string, content []byte) error {
	full := b.fullPath(p)
	if b.createDirs {
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", p, err)
		}
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	return f.Close()
}

// Host returns the machine name.
func (b *LocalBackend) Host() string { return b.host }

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

// CopyFile copies src to dst atomically (temp file then rename), carrying
// the source permission bits and modification time over to dst.
func CopyFile(ctx context.Context, src, dst string, createDirs bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open src %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat src %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", src)
	}

	dir := filepath.Dir(dst)
	if createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("create dirs for %s: %w", dst, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".analysismgr-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close temp for %s: %w", dst, err)
	}
	if written != info.Size() {
		os.Remove(tmpName)
		return 0, fmt.Errorf("copy %s: wrote %d of %d bytes", src, written, info.Size())
	}

	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("set mode on %s: %w", dst, err)
	}
	if err := os.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("set times on %s: %w", dst, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		if errors.Is(err, fs.ErrPermission) {
			return 0, fmt.Errorf("replace %s (destination read-only or in use): %w", dst, err)
		}
		return 0, fmt.Errorf("rename temp to %s: %w", dst, err)
	}

	return written, nil
}

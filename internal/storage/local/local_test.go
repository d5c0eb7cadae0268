package local

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir(), CreateDirs: true, HostName: "proto-6"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root_path")
	}
	f := filepath.Join(t.TempDir(), "file")
	os.WriteFile(f, []byte("x"), 0644)
	if _, err := New(Config{RootPath: f}); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}

func TestUploadPreservesModTime(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	src := filepath.Join(t.TempDir(), "result.txt")
	os.WriteFile(src, []byte("fifty bytes of results"), 0644)
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	os.Chtimes(src, mtime, mtime)

	n, err := b.Upload(ctx, src, "Job1/result.txt")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != 22 {
		t.Errorf("Upload wrote %d bytes, want 22", n)
	}

	info, err := b.Stat(ctx, "Job1/result.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.ModTime.Equal(mtime) {
		t.Errorf("ModTime = %v, want %v", info.ModTime, mtime)
	}
	if info.Length != 22 || info.IsDir {
		t.Errorf("unexpected descriptor %+v", info)
	}
}

func TestStatMissing(t *testing.T) {
	b := newBackend(t)
	_, err := b.Stat(context.Background(), "nope")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestMkdirAllIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	if err := b.MkdirAll(ctx, "a/b/c"); err != nil {
		t.Fatalf("first MkdirAll: %v", err)
	}
	if err := b.MkdirAll(ctx, "a/b/c"); err != nil {
		t.Fatalf("second MkdirAll: %v", err)
	}
}

func TestCreateExclusive(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	if err := b.CreateExclusive(ctx, "x.lock", []byte("owner")); err != nil {
		t.Fatalf("CreateExclusive: %v", err)
	}
	err := b.CreateExclusive(ctx, "x.lock", []byte("other"))
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
}

func TestListAndRemove(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	os.MkdirAll(filepath.Join(b.Root(), "d", "sub"), 0755)
	os.WriteFile(filepath.Join(b.Root(), "d", "f1"), []byte("1"), 0644)

	entries, err := b.List(ctx, "d")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}

	if err := b.Remove(ctx, "d/f1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := b.Remove(ctx, "d/f1"); err != nil {
		t.Fatalf("Remove of missing file: %v", err)
	}
	if err := b.RemoveAll(ctx, "d"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := b.Stat(ctx, "d"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("tree still present: %v", err)
	}
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	os.WriteFile(filepath.Join(b.Root(), "remote.txt"), []byte("payload"), 0644)

	dst := filepath.Join(t.TempDir(), "nested", "local.txt")
	if _, err := b.Download(ctx, "remote.txt", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}
}

func TestCopyFileKeepsPermissions(t *testing.T) {
	dir := t.TempDir()
	for _, mode := range []os.FileMode{0644, 0640, 0755} {
		src := filepath.Join(dir, "src-"+mode.String())
		if err := os.WriteFile(src, []byte("spectra"), 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(src, mode); err != nil {
			t.Fatal(err)
		}
		dst := filepath.Join(dir, "out", "dst-"+mode.String())
		if _, err := CopyFile(context.Background(), src, dst, true); err != nil {
			t.Fatalf("CopyFile: %v", err)
		}
		info, err := os.Stat(dst)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != mode {
			t.Errorf("dst mode = %v, want %v", info.Mode().Perm(), mode)
		}
	}
}

func TestUploadIsReadableByOthers(t *testing.T) {
	b := newBackend(t)
	src := filepath.Join(t.TempDir(), "Job1_msgfplus.mzid")
	if err := os.WriteFile(src, []byte("mzid"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(src, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Upload(context.Background(), src, "Job1/Job1_msgfplus.mzid"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	info, err := os.Stat(filepath.Join(b.Root(), "Job1", "Job1_msgfplus.mzid"))
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0644 {
		t.Errorf("delivered mode = %v, want -rw-r--r--", got)
	}
}

package sftp

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
)

// newMemBackend serves an in-memory SFTP tree over a pipe.
func newMemBackend(t *testing.T) *Backend {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go server.Serve()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		t.Fatalf("NewClientPipe: %v", err)
	}
	b := newBackend(Config{Host: "proto-6", BasePath: "/data"}, client, nil)
	t.Cleanup(func() {
		b.Close()
		server.Close()
	})
	if err := b.MkdirAll(context.Background(), "."); err != nil {
		t.Fatalf("MkdirAll base: %v", err)
	}
	return b
}

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStatMissing(t *testing.T) {
	b := newMemBackend(t)
	_, err := b.Stat(context.Background(), "nope.txt")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Stat missing: got %v, want fs.ErrNotExist", err)
	}
}

func TestMkdirAllIdempotent(t *testing.T) {
	b := newMemBackend(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.MkdirAll(ctx, "Dataset/Results"); err != nil {
			t.Fatalf("MkdirAll pass %d: %v", i, err)
		}
	}
	d, err := b.Stat(ctx, "Dataset/Results")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !d.IsDir || d.Name != "Results" {
		t.Errorf("got %+v, want directory Results", d)
	}
}

func TestUploadRenamesIntoPlace(t *testing.T) {
	b := newMemBackend(t)
	ctx := context.Background()
	if err := b.MkdirAll(ctx, "Results"); err != nil {
		t.Fatal(err)
	}

	n, err := b.Upload(ctx, writeLocal(t, "a.txt", "first"), "Results/a.txt")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != 5 {
		t.Errorf("written = %d, want 5", n)
	}

	// Overwrite with different content
	if _, err := b.Upload(ctx, writeLocal(t, "a.txt", "second pass"), "Results/a.txt"); err != nil {
		t.Fatalf("Upload overwrite: %v", err)
	}

	entries, err := b.List(ctx, "Results")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("entries = %+v, want only a.txt", entries)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name, ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name)
		}
	}
	if entries[0].Length != int64(len("second pass")) {
		t.Errorf("length = %d, want %d", entries[0].Length, len("second pass"))
	}
}

func TestCreateExclusiveCollision(t *testing.T) {
	b := newMemBackend(t)
	ctx := context.Background()
	if err := b.CreateExclusive(ctx, "job.lock", []byte("owner=a")); err != nil {
		t.Fatalf("first CreateExclusive: %v", err)
	}
	err := b.CreateExclusive(ctx, "job.lock", []byte("owner=b"))
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("second CreateExclusive: got %v, want fs.ErrExist", err)
	}
}

func TestRemoveMissingIsNoError(t *testing.T) {
	b := newMemBackend(t)
	ctx := context.Background()
	if err := b.Remove(ctx, "gone.txt"); err != nil {
		t.Errorf("Remove missing: %v", err)
	}
	if err := b.RemoveAll(ctx, "gone"); err != nil {
		t.Errorf("RemoveAll missing: %v", err)
	}
}

func TestDownloadMode(t *testing.T) {
	b := newMemBackend(t)
	ctx := context.Background()
	if _, err := b.Upload(ctx, writeLocal(t, "r.txt", "payload"), "r.txt"); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "out", "r.txt")
	n, err := b.Download(ctx, "r.txt", dst)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != 7 {
		t.Errorf("written = %d, want 7", n)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != downloadMode {
		t.Errorf("mode = %v, want %v", info.Mode().Perm(), os.FileMode(downloadMode))
	}
}

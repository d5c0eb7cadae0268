package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmspipeline/analysismgr/internal/lockfile"
	"github.com/dmspipeline/analysismgr/internal/models"
	"github.com/dmspipeline/analysismgr/internal/storage/local"
)

func newRemote(t *testing.T) (*local.LocalBackend, string) {
	t.Helper()
	root := t.TempDir()
	b, err := local.New(local.Config{RootPath: root, CreateDirs: true, HostName: "proto-9"})
	require.NoError(t, err)
	return b, root
}

func writeFile(t *testing.T, p, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

// testUtility uses a clock that only moves when the utility sleeps.
func testUtility(u *Utility, onSleep func()) *Utility {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }
	u.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		now = now.Add(d)
		if onSleep != nil {
			onSleep()
		}
		return nil
	}
	return u
}

func fastCfg() Config {
	return Config{RetryCount: 3, RetryHoldoff: time.Millisecond, StabilizeWait: time.Minute, StabilizePoll: 5 * time.Second}
}

// flakyFS fails the first failUploads uploads and every MkdirAll if failMkdir is set.
type flakyFS struct {
	*local.LocalBackend
	failUploads int
	uploads     int
	failMkdir   bool
}

func (f *flakyFS) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	f.uploads++
	if f.uploads <= f.failUploads {
		return 0, errors.New("connection reset by peer")
	}
	return f.LocalBackend.Upload(ctx, localPath, remotePath)
}

func (f *flakyFS) MkdirAll(ctx context.Context, dir string) error {
	if f.failMkdir {
		return errors.New("permission denied")
	}
	return f.LocalBackend.MkdirAll(ctx, dir)
}

func (f *flakyFS) Stat(ctx context.Context, p string) (models.RemoteFileDescriptor, error) {
	if f.failMkdir {
		return models.RemoteFileDescriptor{}, os.ErrNotExist
	}
	return f.LocalBackend.Stat(ctx, p)
}

func TestNeedsOverwrite(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	desc := func(n int64, mt time.Time) models.RemoteFileDescriptor {
		return models.RemoteFileDescriptor{Length: n, ModTime: mt}
	}

	tests := []struct {
		name     string
		src, dst models.RemoteFileDescriptor
		want     bool
	}{
		{"equal length, same time", desc(50, base), desc(50, base), false},
		{"equal length, source older", desc(50, base.Add(-time.Hour)), desc(50, base), false},
		{"equal length, within tolerance", desc(50, base.Add(time.Second)), desc(50, base), false},
		{"equal length, source newer", desc(50, base.Add(time.Minute)), desc(50, base), true},
		{"source longer, older", desc(60, base.Add(-time.Hour)), desc(50, base), true},
		{"source shorter, older", desc(40, base.Add(-time.Hour)), desc(50, base), true},
		{"zone does not matter", desc(50, base.In(time.FixedZone("PST", -8*3600))), desc(50, base), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsOverwrite(tt.src, tt.dst))
		})
	}
}

func TestCreateRemoteDirectoryIdempotent(t *testing.T) {
	remote, root := newRemote(t)
	u := New(remote, fastCfg())
	ctx := context.Background()

	require.NoError(t, u.CreateRemoteDirectory(ctx, "jobs/Job123"))
	require.NoError(t, u.CreateRemoteDirectory(ctx, "jobs/Job123"))

	info, err := os.Stat(filepath.Join(root, "jobs", "Job123"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCopyFilesToRemote(t *testing.T) {
	remote, root := newRemote(t)
	work := t.TempDir()
	mt := time.Now().Add(-time.Hour).Truncate(time.Second)
	a := filepath.Join(work, "JobParams.xml")
	b := filepath.Join(work, "Dataset.mzML")
	writeFile(t, a, "<params/>", mt)
	writeFile(t, b, strings.Repeat("x", 1000), mt)

	u := New(remote, fastCfg())
	sum, err := u.CopyFilesToRemote(context.Background(), []string{a, b}, "work/Job123", false)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Copied)
	assert.Equal(t, int64(1009), sum.Bytes)

	info, err := os.Stat(filepath.Join(root, "work", "Job123", "Dataset.mzML"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mt), "mtime preserved")
}

func TestCopyFilesToRemoteDirectoryFailureIsFatal(t *testing.T) {
	remote, _ := newRemote(t)
	fs := &flakyFS{LocalBackend: remote, failMkdir: true}
	work := t.TempDir()
	a := filepath.Join(work, "a.txt")
	writeFile(t, a, "a", time.Now())

	u := New(fs, fastCfg())
	sum, err := u.CopyFilesToRemote(context.Background(), []string{a}, "work/Job123", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCreateDirectory))
	assert.Contains(t, err.Error(), "proto-9")
	assert.Zero(t, sum.Copied)
	assert.Zero(t, fs.uploads, "no file copies after directory failure")
}

func TestCopyFilesToRemoteContinuesAfterFileFailure(t *testing.T) {
	remote, root := newRemote(t)
	work := t.TempDir()
	good := filepath.Join(work, "good.txt")
	writeFile(t, good, "ok", time.Now())

	u := New(remote, fastCfg())
	sum, err := u.CopyFilesToRemote(context.Background(),
		[]string{filepath.Join(work, "missing.txt"), good}, "out", false)
	require.Error(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Copied)
	_, statErr := os.Stat(filepath.Join(root, "out", "good.txt"))
	assert.NoError(t, statErr)
}

func TestCopyFilesToRemoteRetriesTransientFailure(t *testing.T) {
	remote, _ := newRemote(t)
	fs := &flakyFS{LocalBackend: remote, failUploads: 2}
	work := t.TempDir()
	a := filepath.Join(work, "a.txt")
	writeFile(t, a, "abc", time.Now())

	u := New(fs, fastCfg())
	sum, err := u.CopyFilesToRemote(context.Background(), []string{a}, "out", false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Copied)
	assert.Equal(t, 3, fs.uploads)
}

func TestCopyFilesToRemoteGivesUpAfterRetries(t *testing.T) {
	remote, _ := newRemote(t)
	fs := &flakyFS{LocalBackend: remote, failUploads: 100}
	work := t.TempDir()
	a := filepath.Join(work, "a.txt")
	writeFile(t, a, "abc", time.Now())

	u := New(fs, fastCfg())
	sum, err := u.CopyFilesToRemote(context.Background(), []string{a}, "out", false)
	require.Error(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, fs.uploads)
}

// setupFasta writes a local FASTA with its hashcheck and returns the paths.
func setupFasta(t *testing.T, content string) (fasta, hashcheck string) {
	t.Helper()
	work := t.TempDir()
	fasta = filepath.Join(work, "ID_004321_ABCD.fasta")
	hashcheck = fasta + ".ABCD1234.hashcheck"
	writeFile(t, fasta, content, time.Now())
	writeFile(t, hashcheck, "hash", time.Now())
	return fasta, hashcheck
}

func TestRemoteFastaFilesMatchOutcomes(t *testing.T) {
	ctx := context.Background()
	content := strings.Repeat(">prot\nMKV\n", 100)

	t.Run("missing remote", func(t *testing.T) {
		remote, _ := newRemote(t)
		fasta, _ := setupFasta(t, content)
		m, err := New(remote, fastCfg()).RemoteFastaFilesMatch(ctx, fasta, "fasta")
		require.NoError(t, err)
		assert.Equal(t, CopyRequired, m.Action)
	})

	t.Run("equal length and hashcheck", func(t *testing.T) {
		remote, root := newRemote(t)
		fasta, hc := setupFasta(t, content)
		writeFile(t, filepath.Join(root, "fasta", filepath.Base(fasta)), content, time.Now())
		writeFile(t, filepath.Join(root, "fasta", filepath.Base(hc)), "hash", time.Now())

		m, err := New(remote, fastCfg()).RemoteFastaFilesMatch(ctx, fasta, "fasta")
		require.NoError(t, err)
		assert.Equal(t, UseExisting, m.Action)
	})

	t.Run("equal length, different hashcheck", func(t *testing.T) {
		remote, root := newRemote(t)
		fasta, _ := setupFasta(t, content)
		writeFile(t, filepath.Join(root, "fasta", filepath.Base(fasta)), content, time.Now())
		writeFile(t, filepath.Join(root, "fasta", filepath.Base(fasta)+".FFFF0000.hashcheck"), "hash", time.Now())

		m, err := New(remote, fastCfg()).RemoteFastaFilesMatch(ctx, fasta, "fasta")
		require.NoError(t, err)
		assert.Equal(t, CopyRequired, m.Action)
	})

	t.Run("remote longer", func(t *testing.T) {
		remote, root := newRemote(t)
		fasta, hc := setupFasta(t, content)
		writeFile(t, filepath.Join(root, "fasta", filepath.Base(fasta)), content+"extra", time.Now())
		writeFile(t, filepath.Join(root, "fasta", filepath.Base(hc)), "hash", time.Now())

		m, err := New(remote, fastCfg()).RemoteFastaFilesMatch(ctx, fasta, "fasta")
		require.NoError(t, err)
		assert.Equal(t, CopyRequired, m.Action)
		assert.Zero(t, m.Waited)
	})

	t.Run("remote shorter then completes", func(t *testing.T) {
		remote, root := newRemote(t)
		fasta, hc := setupFasta(t, content)
		remoteFasta := filepath.Join(root, "fasta", filepath.Base(fasta))
		half := len(content) / 2
		writeFile(t, remoteFasta, content[:half], time.Now())
		writeFile(t, filepath.Join(root, "fasta", filepath.Base(hc)), "hash", time.Now())

		polls := 0
		u := testUtility(New(remote, fastCfg()), func() {
			polls++
			// The other writer finishes on the second poll
			if polls == 2 {
				require.NoError(t, os.WriteFile(remoteFasta, []byte(content), 0644))
			} else {
				f, err := os.OpenFile(remoteFasta, os.O_APPEND|os.O_WRONLY, 0644)
				require.NoError(t, err)
				_, err = f.WriteString(">")
				require.NoError(t, err)
				require.NoError(t, f.Close())
			}
		})

		m, err := u.RemoteFastaFilesMatch(ctx, fasta, "fasta")
		require.NoError(t, err)
		assert.Equal(t, UseExisting, m.Action)
		assert.Equal(t, 2, polls)
		assert.Equal(t, 10*time.Second, m.Waited)
	})

	t.Run("remote shorter and stalled", func(t *testing.T) {
		remote, root := newRemote(t)
		fasta, _ := setupFasta(t, content)
		writeFile(t, filepath.Join(root, "fasta", filepath.Base(fasta)), content[:10], time.Now())

		polls := 0
		u := testUtility(New(remote, fastCfg()), func() { polls++ })
		m, err := u.RemoteFastaFilesMatch(ctx, fasta, "fasta")
		require.NoError(t, err)
		assert.Equal(t, CopyRequired, m.Action)
		assert.Equal(t, 1, polls)
		assert.Equal(t, "remote file incomplete", m.Reason)
	})
}

func TestCopyFilesToRemoteWithLockReusesMatchingFasta(t *testing.T) {
	remote, root := newRemote(t)
	content := strings.Repeat(">prot\nMKV\n", 10)
	fasta, hc := setupFasta(t, content)
	writeFile(t, filepath.Join(root, "fasta", filepath.Base(fasta)), content, time.Now())

	u := New(remote, fastCfg())
	sum, err := u.CopyFilesToRemote(context.Background(), []string{fasta, hc}, "fasta", true)
	require.NoError(t, err)

	// The hashcheck was missing remotely, so the FASTA did not match and both are pushed
	assert.Equal(t, 2, sum.Copied)

	sum, err = u.CopyFilesToRemote(context.Background(), []string{fasta, hc}, "fasta", true)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)

	_, err = os.Stat(filepath.Join(root, "fasta", filepath.Base(fasta)+lockfile.Suffix))
	assert.True(t, os.IsNotExist(err), "lock released")
}

func TestCopyFilesFromRemote(t *testing.T) {
	remote, root := newRemote(t)
	writeFile(t, filepath.Join(root, "work", "Job1", "out.tsv"), "a\tb\n", time.Now())
	dest := t.TempDir()

	u := New(remote, fastCfg())
	sum, err := u.CopyFilesFromRemote(context.Background(), []string{"out.tsv", "missing.tsv"}, "work/Job1", dest)
	require.Error(t, err)
	assert.Equal(t, 1, sum.Copied)
	assert.Equal(t, 1, sum.Failed)

	data, err := os.ReadFile(filepath.Join(dest, "out.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "a\tb\n", string(data))
}

func TestGetRemoteFileListing(t *testing.T) {
	remote, root := newRemote(t)
	writeFile(t, filepath.Join(root, "work", "a.mzML"), "1", time.Now())
	writeFile(t, filepath.Join(root, "work", "b.MZML"), "2", time.Now())
	writeFile(t, filepath.Join(root, "work", "c.txt"), "3", time.Now())
	require.NoError(t, os.MkdirAll(filepath.Join(root, "work", "sub.mzML"), 0755))

	u := New(remote, fastCfg())
	files, err := u.GetRemoteFileListing(context.Background(), "work", "*.mzml")
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"a.mzML", "b.MZML"}, names)

	all, err := u.GetRemoteFileListing(context.Background(), "work", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteRemoteWorkDir(t *testing.T) {
	remote, root := newRemote(t)
	writeFile(t, filepath.Join(root, "work", "Job1", "x.txt"), "x", time.Now())
	u := New(remote, fastCfg())
	ctx := context.Background()

	require.NoError(t, u.DeleteRemoteWorkDir(ctx, "work/Job1"))
	_, err := os.Stat(filepath.Join(root, "work", "Job1"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, u.DeleteRemoteWorkDir(ctx, "work/Job1"), "already gone is fine")

	for _, bad := range []string{"", "/", ".", "  "} {
		assert.ErrorIs(t, u.DeleteRemoteWorkDir(ctx, bad), ErrUnsafePath, "path %q", bad)
	}
}

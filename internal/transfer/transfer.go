// Package transfer copies files between the local working directory and a
// remote host through a storage.RemoteFS, with per-file retry, conflict
// resolution for shared FASTA files and lock-file serialization.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/lockfile"
	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
	"github.com/dmspipeline/analysismgr/internal/models"
	"github.com/dmspipeline/analysismgr/internal/retry"
	"github.com/dmspipeline/analysismgr/internal/storage"
)

// ErrCreateDirectory marks a remote directory creation failure, which is
// fatal to the whole transfer.
var ErrCreateDirectory = errors.New("cannot create remote directory")

// ErrUnsafePath is returned when asked to delete an empty or root path.
var ErrUnsafePath = errors.New("refusing to delete unsafe remote path")

// Config tunes a Utility.
type Config struct {
	RetryCount   int
	RetryHoldoff time.Duration
	// LockMaxWait bounds waiting on another manager's lock file.
	LockMaxWait time.Duration
	// StabilizeWait bounds waiting for a shorter remote file to finish growing.
	StabilizeWait time.Duration
	StabilizePoll time.Duration
}

// DefaultConfig returns the settings used for FASTA pushes.
func DefaultConfig() Config {
	return Config{
		RetryCount:    3,
		RetryHoldoff:  15 * time.Second,
		LockMaxWait:   60 * time.Minute,
		StabilizeWait: 2 * time.Minute,
		StabilizePoll: 5 * time.Second,
	}
}

// Summary reports the outcome of a multi-file transfer.
type Summary struct {
	Copied  int
	Skipped int
	Failed  int
	Bytes   int64
	// Errors holds one entry per failed file.
	Errors []error
}

// Err joins the per-file errors, or returns nil when nothing failed.
func (s Summary) Err() error {
	return errors.Join(s.Errors...)
}

// Utility performs transfers against one remote.
type Utility struct {
	fs    storage.RemoteFS
	locks *lockfile.Manager
	cfg   Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Utility. Zero Config fields take DefaultConfig values.
func New(fs storage.RemoteFS, cfg Config) *Utility {
	def := DefaultConfig()
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = def.RetryCount
	}
	if cfg.RetryHoldoff <= 0 {
		cfg.RetryHoldoff = def.RetryHoldoff
	}
	if cfg.LockMaxWait <= 0 {
		cfg.LockMaxWait = def.LockMaxWait
	}
	if cfg.StabilizeWait <= 0 {
		cfg.StabilizeWait = def.StabilizeWait
	}
	if cfg.StabilizePoll <= 0 {
		cfg.StabilizePoll = def.StabilizePoll
	}
	return &Utility{
		fs:    fs,
		locks: lockfile.New(fs),
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Host names the remote endpoint.
func (u *Utility) Host() string { return u.fs.Host() }

func (u *Utility) retryConfig(ctx context.Context, op string) retry.Config {
	cfg := retry.FileCopyConfig(u.cfg.RetryCount, u.cfg.RetryHoldoff)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordTransferRetry()
		logging.WithContext(ctx).Warn("file copy failed; retrying",
			zap.String("op", op), zap.String("host", u.fs.Host()),
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return cfg
}

// CreateRemoteDirectory creates dir on the remote host. An existing
// directory is success.
func (u *Utility) CreateRemoteDirectory(ctx context.Context, dir string) error {
	if err := u.fs.MkdirAll(ctx, dir); err != nil {
		if info, statErr := u.fs.Stat(ctx, dir); statErr == nil && info.IsDir {
			return nil
		}
		return fmt.Errorf("%w %s on host %s: %w", ErrCreateDirectory, dir, u.fs.Host(), err)
	}
	return nil
}

// DeleteRemoteWorkDir removes a remote working directory tree.
func (u *Utility) DeleteRemoteWorkDir(ctx context.Context, dir string) error {
	clean := path.Clean(strings.TrimSpace(dir))
	if clean == "" || clean == "." || clean == "/" {
		return fmt.Errorf("%w: %q", ErrUnsafePath, dir)
	}
	if err := u.fs.RemoveAll(ctx, clean); err != nil {
		return fmt.Errorf("delete remote work dir %s on %s: %w", clean, u.fs.Host(), err)
	}
	logging.WithContext(ctx).Debug("deleted remote work dir", zap.String("dir", clean), zap.String("host", u.fs.Host()))
	return nil
}

// GetRemoteFileListing returns the files (not directories) in dir whose
// names match pattern. An empty pattern matches everything.
func (u *Utility) GetRemoteFileListing(ctx context.Context, dir, pattern string) ([]models.RemoteFileDescriptor, error) {
	entries, err := u.fs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s on %s: %w", dir, u.fs.Host(), err)
	}
	var out []models.RemoteFileDescriptor
	for _, e := range entries {
		if !e.IsDir && storage.MatchName(pattern, e.Name) {
			out = append(out, e)
		}
	}
	return out, nil
}

// CopyFilesToRemote uploads local files into remoteDir. With useLockFile,
// the whole transfer runs under a lock on remoteDir/<first file> and each
// file is checked with RemoteFastaFilesMatch first so an identical copy
// pushed by another manager is reused.
func (u *Utility) CopyFilesToRemote(ctx context.Context, files []string, remoteDir string, useLockFile bool) (Summary, error) {
	policy := models.OverwriteAlways
	if useLockFile {
		policy = models.OverwriteIfNewer
	}
	return u.Run(ctx, models.TransferTask{
		SourceFiles:     files,
		RemoteHost:      u.fs.Host(),
		RemoteBasePath:  remoteDir,
		OverwritePolicy: policy,
		UseLockFile:     useLockFile,
	})
}

// Run executes a TransferTask. Directory creation failure aborts the task
// immediately; single-file failures are retried and counted without
// stopping sibling copies.
func (u *Utility) Run(ctx context.Context, task models.TransferTask) (Summary, error) {
	var sum Summary
	if len(task.SourceFiles) == 0 {
		return sum, nil
	}
	if err := u.CreateRemoteDirectory(ctx, task.RemoteBasePath); err != nil {
		logging.WithContext(ctx).Error("remote transfer aborted", zap.Error(err))
		return sum, err
	}

	copyAll := func() error {
		for _, local := range task.SourceFiles {
			if err := ctx.Err(); err != nil {
				return err
			}
			u.pushOne(ctx, local, task, &sum)
		}
		return nil
	}

	var err error
	if task.UseLockFile {
		target := storage.Join(task.RemoteBasePath, filepath.Base(task.SourceFiles[0]))
		desc := fmt.Sprintf("Copying %s to %s", filepath.Base(task.SourceFiles[0]), u.fs.Host())
		err = u.locks.WithLock(ctx, target, desc, u.cfg.LockMaxWait, copyAll)
	} else {
		err = copyAll()
	}
	if err != nil {
		return sum, err
	}

	logging.WithContext(ctx).Info("remote transfer complete",
		zap.String("host", u.fs.Host()),
		zap.String("dir", task.RemoteBasePath),
		zap.Int("copied", sum.Copied),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.String("bytes", humanize.IBytes(uint64(sum.Bytes))))
	return sum, sum.Err()
}

func (u *Utility) pushOne(ctx context.Context, local string, task models.TransferTask, sum *Summary) {
	name := filepath.Base(local)
	remote := storage.Join(task.RemoteBasePath, name)

	info, err := os.Stat(local)
	if err != nil {
		sum.Failed++
		sum.Errors = append(sum.Errors, fmt.Errorf("source %s: %w", local, err))
		metrics.RecordTransfer("push", 0, false)
		return
	}
	localDesc := describeLocal(info)

	skip, err := u.shouldSkip(ctx, local, localDesc, remote, task)
	if err != nil {
		logging.WithContext(ctx).Warn("could not compare with remote copy; copying", zap.String("remote", remote), zap.Error(err))
	}
	if skip {
		sum.Skipped++
		metrics.RecordTransferSkipped("push")
		return
	}

	n, err := retry.DoWithResult(ctx, u.retryConfig(ctx, "push"), func() (int64, error) {
		n, err := u.fs.Upload(ctx, local, remote)
		if err != nil {
			return 0, retry.Retryable(err)
		}
		return n, nil
	})
	if err != nil {
		sum.Failed++
		sum.Errors = append(sum.Errors, fmt.Errorf("copy %s to %s:%s: %w", name, u.fs.Host(), remote, err))
		metrics.RecordTransfer("push", 0, false)
		logging.WithContext(ctx).Error("file copy to remote failed", zap.String("file", local), zap.String("host", u.fs.Host()), zap.Error(err))
		return
	}
	sum.Copied++
	sum.Bytes += n
	metrics.RecordTransfer("push", n, true)
}

func (u *Utility) shouldSkip(ctx context.Context, local string, localDesc models.RemoteFileDescriptor, remote string, task models.TransferTask) (bool, error) {
	if task.OverwritePolicy == models.OverwriteAlways {
		return false, nil
	}
	if task.UseLockFile && strings.HasSuffix(strings.ToLower(local), ".fasta") {
		m, err := u.RemoteFastaFilesMatch(ctx, local, task.RemoteBasePath)
		if err != nil {
			return false, err
		}
		return m.Action == UseExisting, nil
	}

	remoteDesc, err := u.fs.Stat(ctx, remote)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if task.OverwritePolicy == models.OverwriteNever {
		return true, nil
	}
	return !NeedsOverwrite(localDesc, remoteDesc), nil
}

// CopyFilesFromRemote downloads the named files from remoteDir into localDir.
func (u *Utility) CopyFilesFromRemote(ctx context.Context, names []string, remoteDir, localDir string) (Summary, error) {
	var sum Summary
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return sum, fmt.Errorf("create local dir %s: %w", localDir, err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		remote := storage.Join(remoteDir, name)
		local := filepath.Join(localDir, filepath.FromSlash(name))

		n, err := retry.DoWithResult(ctx, u.retryConfig(ctx, "pull"), func() (int64, error) {
			n, err := u.fs.Download(ctx, remote, local)
			if err != nil {
				if errors.Is(err, storage.ErrNotExist) {
					return 0, err
				}
				return 0, retry.Retryable(err)
			}
			return n, nil
		})
		if err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Errorf("copy %s from %s: %w", name, u.fs.Host(), err))
			metrics.RecordTransfer("pull", 0, false)
			continue
		}
		sum.Copied++
		sum.Bytes += n
		metrics.RecordTransfer("pull", n, true)
	}
	return sum, sum.Err()
}

func describeLocal(info os.FileInfo) models.RemoteFileDescriptor {
	return models.RemoteFileDescriptor{
		Name:    info.Name(),
		Length:  info.Size(),
		ModTime: info.ModTime().UTC(),
		IsDir:   info.IsDir(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

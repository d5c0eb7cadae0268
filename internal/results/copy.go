package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
	"github.com/dmspipeline/analysismgr/internal/models"
	"github.com/dmspipeline/analysismgr/internal/retry"
	"github.com/dmspipeline/analysismgr/internal/storage"
	"github.com/dmspipeline/analysismgr/internal/transfer"
)

// Default per-file retry policy for copies to the transfer directory.
const (
	DefaultRetryCount   = 10
	DefaultRetryHoldoff = 15 * time.Second
)

// CopyOptions tune CopyDirectoryToRemote.
type CopyOptions struct {
	RetryCount   int
	RetryHoldoff time.Duration
	Progress     models.ProgressFunc
}

// CopySummary reports the outcome of a recursive copy.
type CopySummary struct {
	Copied  int
	Skipped int
	Failed  int
	Bytes   int64
	Errors  []error
}

// Err joins the per-file errors, or returns nil when nothing failed.
func (s CopySummary) Err() error {
	return errors.Join(s.Errors...)
}

type copier struct {
	fs    storage.RemoteFS
	util  *transfer.Utility
	retry retry.Config
	opts  CopyOptions
	total int
	done  int
}

// CopyDirectoryToRemote copies localDir recursively to remoteDir. Files
// already present remotely are replaced only when transfer.NeedsOverwrite
// says so. Each file is retried with linearly increasing hold-off. Failure
// to create remoteDir is fatal; any other error is counted and the copy
// continues. Success requires zero failures across the whole tree.
func CopyDirectoryToRemote(ctx context.Context, fs storage.RemoteFS, localDir, remoteDir string, opts CopyOptions) (CopySummary, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = DefaultRetryCount
	}
	if opts.RetryHoldoff <= 0 {
		opts.RetryHoldoff = DefaultRetryHoldoff
	}
	c := &copier{
		fs:    fs,
		util:  transfer.New(fs, transfer.Config{RetryCount: opts.RetryCount, RetryHoldoff: opts.RetryHoldoff}),
		retry: retry.FileCopyConfig(opts.RetryCount, opts.RetryHoldoff),
		opts:  opts,
		total: countFiles(localDir),
	}
	c.retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordTransferRetry()
		logging.WithContext(ctx).Warn("copy to transfer directory failed; retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	var sum CopySummary
	if err := c.util.CreateRemoteDirectory(ctx, remoteDir); err != nil {
		return sum, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if err := c.copyTree(ctx, localDir, remoteDir, &sum); err != nil {
		return sum, err
	}
	if sum.Failed > 0 {
		return sum, fmt.Errorf("%d file(s) failed to copy to %s on %s: %w", sum.Failed, remoteDir, fs.Host(), sum.Err())
	}
	return sum, nil
}

func countFiles(dir string) int {
	n := 0
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func (c *copier) copyTree(ctx context.Context, localDir, remoteDir string, sum *CopySummary) error {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		sum.Failed++
		sum.Errors = append(sum.Errors, fmt.Errorf("list %s: %w", localDir, err))
		return nil
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(localDir, e.Name())
		dst := storage.Join(remoteDir, e.Name())

		if e.IsDir() {
			if err := c.util.CreateRemoteDirectory(ctx, dst); err != nil {
				sum.Failed++
				sum.Errors = append(sum.Errors, err)
				continue
			}
			if err := c.copyTree(ctx, src, dst, sum); err != nil {
				return err
			}
			continue
		}
		c.copyFile(ctx, src, dst, sum)
		c.done++
		if c.total > 0 {
			c.opts.Progress.Report(float64(c.done)/float64(c.total)*100, "Copying "+e.Name())
		}
	}
	return nil
}

func (c *copier) copyFile(ctx context.Context, src, dst string, sum *CopySummary) {
	info, err := os.Stat(src)
	if err != nil {
		sum.Failed++
		sum.Errors = append(sum.Errors, fmt.Errorf("stat %s: %w", src, err))
		return
	}
	localDesc := models.RemoteFileDescriptor{Name: info.Name(), Length: info.Size(), ModTime: info.ModTime().UTC()}

	remoteDesc, err := c.fs.Stat(ctx, dst)
	switch {
	case err == nil:
		if !transfer.NeedsOverwrite(localDesc, remoteDesc) {
			sum.Skipped++
			metrics.RecordTransferSkipped("results")
			return
		}
		logging.WithContext(ctx).Debug("overwriting older remote copy",
			zap.String("file", dst), zap.Time("local_mtime", localDesc.ModTime), zap.Time("remote_mtime", remoteDesc.ModTime))
	case !errors.Is(err, storage.ErrNotExist):
		logging.WithContext(ctx).Warn("could not stat remote file; copying", zap.String("file", dst), zap.Error(err))
	}

	n, err := retry.DoWithResult(ctx, c.retry, func() (int64, error) {
		n, err := c.fs.Upload(ctx, src, dst)
		if err != nil {
			return 0, retry.Retryable(err)
		}
		return n, nil
	})
	if err != nil {
		sum.Failed++
		sum.Errors = append(sum.Errors, fmt.Errorf("copy %s: %w", src, err))
		metrics.RecordTransfer("results", 0, false)
		logging.WithContext(ctx).Error("result file copy failed", zap.String("file", src), zap.String("host", c.fs.Host()), zap.Error(err))
		return
	}
	sum.Copied++
	sum.Bytes += n
	metrics.RecordTransfer("results", n, true)
}

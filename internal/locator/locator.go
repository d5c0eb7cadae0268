// Package locator finds the storage tier holding a valid copy of a dataset:
// the primary dataset share, the archive share, or the MyEMSL archive index.
package locator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
	"github.com/dmspipeline/analysismgr/internal/retry"
	"github.com/dmspipeline/analysismgr/internal/storage"
)

// Tier identifies where a dataset was found.
type Tier int

const (
	TierNotFound Tier = iota
	TierPrimary
	TierArchive
	TierMyEMSL
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierArchive:
		return "archive"
	case TierMyEMSL:
		return "myemsl"
	default:
		return "not_found"
	}
}

// MyEMSLPathFlag prefixes paths that refer to MyEMSL holdings rather than a share.
const MyEMSLPathFlag = "/MyEMSL"

// Result is the outcome of FindValidDirectory.
type Result struct {
	Path    string
	Tier    Tier
	Found   bool
	Message string
	// Files lists the matching archive entries when Tier is TierMyEMSL.
	Files []ArchivedFile
}

// Options narrow what counts as a valid dataset directory.
type Options struct {
	// FileNamePattern, if set, must match at least one file (glob, case-insensitive).
	FileNamePattern string
	// SubdirPattern, if set, must match at least one subdirectory.
	SubdirPattern string
	// MaxAttempts bounds existence checks that fail with I/O errors.
	MaxAttempts int
	// AssumeUnpurged returns the primary path even when nothing verified.
	AssumeUnpurged bool
}

// Config holds locator settings.
type Config struct {
	PrimaryRoot   string
	ArchiveRoot   string
	Archive       ArchiveIndex
	DisableMyEMSL bool
	RetryHoldoff  time.Duration
}

// Locator searches the configured tiers in order.
type Locator struct {
	cfg Config
}

// New creates a Locator.
func New(cfg Config) *Locator {
	if cfg.RetryHoldoff <= 0 {
		cfg.RetryHoldoff = 3 * time.Second
	}
	return &Locator{cfg: cfg}
}

// FindValidDirectory returns the first tier holding datasetName that also
// satisfies the optional file and subdirectory patterns. The returned error
// is non-nil only when ctx is cancelled.
func (l *Locator) FindValidDirectory(ctx context.Context, datasetName string, opts Options) (Result, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	var checked []string

	shares := []struct {
		root string
		tier Tier
	}{
		{l.cfg.PrimaryRoot, TierPrimary},
		{l.cfg.ArchiveRoot, TierArchive},
	}
	for _, s := range shares {
		if s.root == "" {
			continue
		}
		dir := filepath.Join(s.root, datasetName)
		checked = append(checked, dir)

		ok, err := l.validDirectory(ctx, dir, opts)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			logging.WithContext(ctx).Warn("could not verify dataset directory",
				zap.String("dir", dir), zap.String("tier", s.tier.String()), zap.Error(err))
			continue
		}
		if ok {
			metrics.RecordLocatorLookup(s.tier.String())
			return Result{Path: dir, Tier: s.tier, Found: true}, nil
		}
	}

	if l.cfg.Archive != nil && !l.cfg.DisableMyEMSL {
		checked = append(checked, "MyEMSL")
		files, err := l.findInArchive(ctx, datasetName, opts)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			logging.WithContext(ctx).Warn("MyEMSL lookup failed", zap.String("dataset", datasetName), zap.Error(err))
		} else if len(files) > 0 {
			metrics.RecordLocatorLookup(TierMyEMSL.String())
			return Result{
				Path:  MyEMSLPathFlag + "/" + datasetName,
				Tier:  TierMyEMSL,
				Found: true,
				Files: files,
			}, nil
		}
	}

	metrics.RecordLocatorLookup(TierNotFound.String())
	msg := notFoundMessage(datasetName, opts, checked)

	if opts.AssumeUnpurged && l.cfg.PrimaryRoot != "" {
		logging.WithContext(ctx).Warn("dataset not verified; assuming unpurged primary path",
			zap.String("dataset", datasetName), zap.String("reason", msg))
		return Result{
			Path:    filepath.Join(l.cfg.PrimaryRoot, datasetName),
			Tier:    TierPrimary,
			Found:   false,
			Message: msg,
		}, nil
	}
	return Result{Tier: TierNotFound, Message: msg}, nil
}

func notFoundMessage(dataset string, opts Options, checked []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Valid dataset directory not found for %s", dataset)
	if opts.FileNamePattern != "" {
		fmt.Fprintf(&b, " (must contain file %s)", opts.FileNamePattern)
	}
	if opts.SubdirPattern != "" {
		fmt.Fprintf(&b, " (must contain subdirectory %s)", opts.SubdirPattern)
	}
	if len(checked) > 0 {
		fmt.Fprintf(&b, "; checked %s", strings.Join(checked, ", "))
	}
	return b.String()
}

func (l *Locator) retryConfig(attempts int) retry.Config {
	cfg := retry.FileCopyConfig(attempts, l.cfg.RetryHoldoff)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.Debug("retrying dataset existence check",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return cfg
}

// validDirectory reports whether dir exists and satisfies opts. I/O errors
// other than not-exist are retried up to opts.MaxAttempts times.
func (l *Locator) validDirectory(ctx context.Context, dir string, opts Options) (bool, error) {
	return retry.DoWithResult(ctx, l.retryConfig(opts.MaxAttempts), func() (bool, error) {
		info, err := os.Stat(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, retry.Retryable(err)
		}
		if !info.IsDir() {
			return false, nil
		}

		if opts.FileNamePattern != "" {
			ok, err := hasFile(dir, opts.FileNamePattern)
			if err != nil {
				return false, retry.Retryable(err)
			}
			if !ok {
				return false, nil
			}
		}
		if opts.SubdirPattern != "" {
			ok, err := hasSubdir(dir, opts.SubdirPattern)
			if err != nil {
				return false, retry.Retryable(err)
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	})
}

func hasWildcard(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

func hasFile(dir, pattern string) (bool, error) {
	if !hasWildcard(pattern) {
		return ResolveStoragePath(dir, pattern) != "", nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() && storage.MatchName(pattern, e.Name()) {
			return true, nil
		}
	}
	return false, nil
}

func hasSubdir(dir, pattern string) (bool, error) {
	if strings.EqualFold(pattern, serDirName) {
		return ResolveSerStoragePath(dir) != "", nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() && storage.MatchName(pattern, e.Name()) {
			return true, nil
		}
	}
	return false, nil
}

func (l *Locator) findInArchive(ctx context.Context, dataset string, opts Options) ([]ArchivedFile, error) {
	return retry.DoWithResult(ctx, l.retryConfig(opts.MaxAttempts), func() ([]ArchivedFile, error) {
		files, err := l.cfg.Archive.FindFiles(ctx, dataset, opts.SubdirPattern, opts.FileNamePattern)
		if err != nil {
			if errors.Is(err, storage.ErrNotExist) {
				return nil, nil
			}
			return nil, retry.Retryable(err)
		}
		return files, nil
	})
}

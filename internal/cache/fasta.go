// Package cache implements eviction for the shared FASTA (organism database)
// and MSXML cache directories. Several managers may purge the same directory
// at once; correctness relies on the retention floor, the current-job
// exclusion and tolerating files a sibling already deleted.
package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/diskspace"
	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
	"github.com/dmspipeline/analysismgr/internal/models"
)

const (
	// DefaultMinRetention is the last-used age below which nothing is evicted.
	DefaultMinRetention = 5 * 24 * time.Hour

	// MaxSpaceUsedIterations bounds the absolute-cap strategy.
	MaxSpaceUsedIterations = 100

	// rescanAfterBytes triggers a fresh directory scan within one iteration.
	rescanAfterBytes int64 = 10 * GB

	GB int64 = 1024 * 1024 * 1024
	MB int64 = 1024 * 1024

	fastaExt = ".fasta"
)

// Strategy labels used in logs and metrics.
const (
	StrategyFreeSpace = "free_space_percent"
	StrategySpaceUsed = "max_size_gb"
	StrategyMSXML     = "msxml"
)

// Fileset is a cached FASTA file together with every file sharing its base
// name (index files, hashcheck and LastUsed markers, derived decoys).
type Fileset struct {
	BaseName string
	Files    []models.CacheEntry
	LastUsed time.Time
	Size     int64
}

// Age returns how long ago the fileset was last used.
func (s Fileset) Age(now time.Time) time.Duration {
	return now.Sub(s.LastUsed)
}

// FastaPurgeOptions configure a FASTA purge pass.
type FastaPurgeOptions struct {
	// FreeSpaceThresholdPercent is clamped to [1,50].
	FreeSpaceThresholdPercent int
	// RequiredFreeSpaceMB, if positive, must also be available before the pass stops.
	RequiredFreeSpaceMB int64
	// CurrentFastaName is never evicted (base name or file name, e.g. "ID_003456_1A2B3C4D.fasta").
	CurrentFastaName string
	// MinRetention defaults to DefaultMinRetention.
	MinRetention time.Duration

	DiskSpace diskspace.Func
	Now       func() time.Time
}

func (o *FastaPurgeOptions) setDefaults() {
	if o.MinRetention <= 0 {
		o.MinRetention = DefaultMinRetention
	}
	if o.DiskSpace == nil {
		o.DiskSpace = diskspace.Get
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// PurgeResult summarizes one purge pass.
type PurgeResult struct {
	Strategy     string
	Deleted      []string // fileset base names in deletion order
	FilesDeleted int
	BytesFreed   int64
	DeleteErrors int
	Iterations   int
	// TargetMet is false when eligible files ran out first.
	TargetMet bool
	// StoppedAtFloor is set when the pass reached a fileset younger than MinRetention.
	StoppedAtFloor bool
	// Skipped is set when no purge was needed or the pass was rate limited.
	Skipped bool
}

func (r *PurgeResult) record(start time.Time) {
	metrics.RecordPurge(r.Strategy, r.FilesDeleted, r.BytesFreed, r.DeleteErrors, time.Since(start))
}

// ClampThresholdPercent limits a free-space threshold to [1,50].
func ClampThresholdPercent(p int) int {
	if p < 1 {
		return 1
	}
	if p > 50 {
		return 50
	}
	return p
}

// fastaBaseName strips a trailing ".fasta" (any case) from a file name.
func fastaBaseName(name string) string {
	name = filepath.Base(name)
	if strings.HasSuffix(strings.ToLower(name), fastaExt) {
		return name[:len(name)-len(fastaExt)]
	}
	return name
}

// ScanFilesets groups the top-level files of dir into FASTA filesets ordered
// oldest last-used first. Files belonging to no FASTA base name are ignored.
func ScanFilesets(dir string) ([]Fileset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list cache dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	infos := make(map[string]os.FileInfo, len(entries))
	var fastas []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Deleted by a sibling purge since ReadDir
			continue
		}
		names = append(names, e.Name())
		infos[e.Name()] = info
		if strings.HasSuffix(strings.ToLower(e.Name()), fastaExt) {
			fastas = append(fastas, e.Name())
		}
	}

	// Shortest base first so "X.revCat.fasta" joins the set for "X.fasta"
	sort.Slice(fastas, func(i, j int) bool {
		if len(fastas[i]) != len(fastas[j]) {
			return len(fastas[i]) < len(fastas[j])
		}
		return fastas[i] < fastas[j]
	})

	var sets []*Fileset
	owner := make(map[string]*Fileset)
	for _, f := range fastas {
		if _, claimed := owner[f]; claimed {
			continue
		}
		set := &Fileset{BaseName: fastaBaseName(f)}
		prefix := strings.ToLower(set.BaseName) + "."
		for _, n := range names {
			if _, claimed := owner[n]; claimed {
				continue
			}
			if strings.HasPrefix(strings.ToLower(n), prefix) {
				owner[n] = set
			}
		}
		sets = append(sets, set)
	}

	for _, n := range names {
		set, ok := owner[n]
		if !ok {
			continue
		}
		info := infos[n]
		entry := models.CacheEntry{
			Path:     filepath.Join(dir, n),
			Size:     info.Size(),
			LastUsed: info.ModTime().UTC(),
		}
		if strings.HasSuffix(strings.ToLower(n), fastaExt) {
			entry.LastUsed = fileLastUsed(dir, info, names)
			if entry.LastUsed.After(set.LastUsed) {
				set.LastUsed = entry.LastUsed
			}
		}
		set.Files = append(set.Files, entry)
		set.Size += entry.Size
	}

	out := make([]Fileset, 0, len(sets))
	for _, s := range sets {
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUsed.Before(out[j].LastUsed)
	})
	return out, nil
}

// isCurrentJob reports whether a fileset holds the active job's FASTA.
func isCurrentJob(set Fileset, current string) bool {
	if current == "" {
		return false
	}
	cur := strings.ToLower(fastaBaseName(current))
	base := strings.ToLower(set.BaseName)
	return cur == base || strings.HasPrefix(cur, base+".")
}

// deleteFileset removes every file of a set. Files already gone are counted
// as delete errors and otherwise ignored; a set nothing was removed from is
// not reported as deleted.
func deleteFileset(set Fileset, res *PurgeResult) int64 {
	var freed int64
	removed := 0
	for _, f := range set.Files {
		err := os.Remove(f.Path)
		switch {
		case err == nil:
			freed += f.Size
			removed++
		case os.IsNotExist(err):
			res.DeleteErrors++
			logging.Debug("cached file already deleted", zap.String("path", f.Path))
		default:
			res.DeleteErrors++
			logging.Warn("could not delete cached file", zap.String("path", f.Path), zap.Error(err))
		}
	}
	res.BytesFreed += freed
	res.FilesDeleted += removed
	if removed > 0 {
		res.Deleted = append(res.Deleted, set.BaseName)
	}
	return freed
}

// PurgeFastaFiles dispatches to the absolute-cap strategy when dir holds a
// MaxDirSize.txt sentinel and to the free-space strategy otherwise.
func PurgeFastaFiles(ctx context.Context, dir string, opts FastaPurgeOptions) (PurgeResult, error) {
	maxGB, found, err := ReadMaxDirSize(dir)
	if err != nil {
		return PurgeResult{Strategy: StrategySpaceUsed}, err
	}
	if found {
		return PurgeUsingSpaceUsedThreshold(ctx, dir, maxGB, opts)
	}
	return PurgeFastaFilesIfLowFreeSpace(ctx, dir, opts)
}

// PurgeFastaFilesIfLowFreeSpace deletes the oldest FASTA filesets in dir
// while the volume's free space is below the threshold percent (and below
// RequiredFreeSpaceMB, when set).
func PurgeFastaFilesIfLowFreeSpace(ctx context.Context, dir string, opts FastaPurgeOptions) (PurgeResult, error) {
	opts.setDefaults()
	res := PurgeResult{Strategy: StrategyFreeSpace}
	start := time.Now()
	threshold := ClampThresholdPercent(opts.FreeSpaceThresholdPercent)

	usage, err := opts.DiskSpace(dir)
	if err != nil {
		return res, err
	}
	if usage.Total <= 0 {
		return res, fmt.Errorf("volume holding %s reports zero size", dir)
	}

	free := usage.Free
	satisfied := func() bool {
		u := diskspace.Usage{Total: usage.Total, Free: free}
		if u.PercentFree() < float64(threshold) {
			return false
		}
		return opts.RequiredFreeSpaceMB <= 0 || free >= opts.RequiredFreeSpaceMB*MB
	}

	if satisfied() {
		res.Skipped = true
		res.TargetMet = true
		return res, nil
	}

	logging.WithContext(ctx).Info("free space below threshold; purging FASTA cache",
		zap.String("dir", dir),
		zap.Float64("percent_free", usage.PercentFree()),
		zap.Int("threshold_percent", threshold),
		zap.String("free", humanize.IBytes(uint64(usage.Free))))

	sets, err := ScanFilesets(dir)
	if err != nil {
		return res, err
	}
	res.Iterations = 1
	defer res.record(start)

	now := opts.Now()
	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if isCurrentJob(set, opts.CurrentFastaName) {
			logging.WithContext(ctx).Debug("skipping fileset used by current job", zap.String("base", set.BaseName))
			continue
		}
		if set.Age(now) < opts.MinRetention {
			res.StoppedAtFloor = true
			break
		}
		logging.WithContext(ctx).Info("purging FASTA fileset",
			zap.String("base", set.BaseName),
			zap.String("size", humanize.IBytes(uint64(set.Size))),
			zap.Duration("age", set.Age(now).Round(time.Hour)))
		free += deleteFileset(set, &res)
		if satisfied() {
			res.TargetMet = true
			break
		}
	}

	if !res.TargetMet {
		logging.WithContext(ctx).Warn("FASTA purge ended before free space target was met",
			zap.String("dir", dir),
			zap.Bool("stopped_at_retention_floor", res.StoppedAtFloor),
			zap.String("freed", humanize.IBytes(uint64(res.BytesFreed))))
	}
	return res, nil
}

// PurgeUsingSpaceUsedThreshold deletes the oldest FASTA filesets in dir
// until its total size is at most maxSizeGB. Running out of eligible files
// is logged and reported through TargetMet but is not an error.
func PurgeUsingSpaceUsedThreshold(ctx context.Context, dir string, maxSizeGB int, opts FastaPurgeOptions) (PurgeResult, error) {
	opts.setDefaults()
	res := PurgeResult{Strategy: StrategySpaceUsed}
	start := time.Now()
	defer res.record(start)

	limit := int64(maxSizeGB) * GB

	for res.Iterations < MaxSpaceUsedIterations {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Iterations++

		used, err := DirectorySize(dir)
		if err != nil {
			return res, err
		}
		if used <= limit {
			res.TargetMet = true
			return res, nil
		}
		bytesToPurge := used - limit
		if res.Iterations == 1 {
			logging.WithContext(ctx).Info("cache directory above size cap; purging",
				zap.String("dir", dir),
				zap.String("used", humanize.IBytes(uint64(used))),
				zap.Int("max_size_gb", maxSizeGB))
		}

		sets, err := ScanFilesets(dir)
		if err != nil {
			return res, err
		}

		var purged int64
		deletedAny := false
		now := opts.Now()
		for _, set := range sets {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if isCurrentJob(set, opts.CurrentFastaName) {
				continue
			}
			if set.Age(now) < opts.MinRetention {
				res.StoppedAtFloor = true
				break
			}
			before := res.FilesDeleted
			purged += deleteFileset(set, &res)
			if res.FilesDeleted > before {
				deletedAny = true
			}
			if purged >= bytesToPurge || purged >= rescanAfterBytes {
				break
			}
		}

		if !deletedAny {
			logging.WithContext(ctx).Warn("no eligible FASTA files left to purge; cache remains above cap",
				zap.String("dir", dir),
				zap.String("over_by", humanize.IBytes(uint64(bytesToPurge))),
				zap.Bool("stopped_at_retention_floor", res.StoppedAtFloor))
			return res, nil
		}
		res.StoppedAtFloor = false
	}

	logging.WithContext(ctx).Warn("cache size purge hit iteration limit",
		zap.String("dir", dir), zap.Int("iterations", res.Iterations))
	return res, nil
}

// DirectorySize returns the total size of all regular files under dir.
// Files deleted during the walk are skipped.
func DirectorySize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p != dir {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", dir, err)
	}
	return total, nil
}

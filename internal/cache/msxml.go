package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/models"
)

// MSXMLPurgeTargetFraction is the share of the threshold usage is reduced to.
const MSXMLPurgeTargetFraction = 0.9

// MSXMLPurgeOptions configure PurgeOldServerCacheFiles.
type MSXMLPurgeOptions struct {
	// Limiter, if set, must allow the pass; otherwise it is skipped.
	Limiter      *rate.Limiter
	MinRetention time.Duration
	Now          func() time.Time
}

// NewMSXMLPurgeLimiter allows one MSXML cache scan per interval.
func NewMSXMLPurgeLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		interval = time.Hour
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

type msxmlFile struct {
	entry     models.CacheEntry
	hashcheck string
	hashSize  int64
}

// PurgeOldServerCacheFiles trims the MSXML (mzML/mzXML) cache under dir.
// When total usage exceeds thresholdGB, the least recently used data files
// and their .hashcheck companions are deleted until usage drops below 90%
// of the threshold. Files used within MinRetention are kept.
func PurgeOldServerCacheFiles(ctx context.Context, dir string, thresholdGB int, opts MSXMLPurgeOptions) (PurgeResult, error) {
	res := PurgeResult{Strategy: StrategyMSXML}
	if opts.Limiter != nil && !opts.Limiter.Allow() {
		res.Skipped = true
		return res, nil
	}
	if opts.MinRetention <= 0 {
		opts.MinRetention = DefaultMinRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if thresholdGB <= 0 {
		res.Skipped = true
		return res, nil
	}
	start := time.Now()

	files, used, err := scanMSXML(dir)
	if err != nil {
		return res, err
	}
	threshold := int64(thresholdGB) * GB
	if used <= threshold {
		res.Skipped = true
		res.TargetMet = true
		return res, nil
	}
	defer res.record(start)
	res.Iterations = 1

	target := int64(float64(threshold) * MSXMLPurgeTargetFraction)
	logging.WithContext(ctx).Info("MSXML cache above threshold; purging",
		zap.String("dir", dir),
		zap.String("used", humanize.IBytes(uint64(used))),
		zap.Int("threshold_gb", thresholdGB))

	now := opts.Now()
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if f.entry.Age(now) < opts.MinRetention {
			res.StoppedAtFloor = true
			break
		}
		if err := os.Remove(f.entry.Path); err != nil {
			res.DeleteErrors++
			if !os.IsNotExist(err) {
				logging.WithContext(ctx).Warn("could not delete cached MSXML file", zap.String("path", f.entry.Path), zap.Error(err))
			}
			continue
		}
		res.FilesDeleted++
		res.BytesFreed += f.entry.Size
		used -= f.entry.Size
		res.Deleted = append(res.Deleted, filepath.Base(f.entry.Path))

		if f.hashcheck != "" {
			if err := os.Remove(f.hashcheck); err == nil {
				res.FilesDeleted++
				res.BytesFreed += f.hashSize
				used -= f.hashSize
			} else {
				res.DeleteErrors++
			}
		}
		if used < target {
			res.TargetMet = true
			break
		}
	}

	if !res.TargetMet {
		logging.WithContext(ctx).Warn("MSXML purge ended above target",
			zap.String("dir", dir),
			zap.String("used", humanize.IBytes(uint64(used))),
			zap.Bool("stopped_at_retention_floor", res.StoppedAtFloor))
	}
	return res, nil
}

// scanMSXML walks dir and returns data files oldest last-used first plus
// the total bytes of every file.
func scanMSXML(dir string) ([]msxmlFile, int64, error) {
	var (
		total int64
		files []msxmlFile
	)
	type companion struct {
		path string
		info os.FileInfo
	}
	hashInfo := make(map[string]companion)

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
		total += info.Size()
		if strings.HasSuffix(strings.ToLower(p), strings.ToLower(HashcheckSuffix)) {
			hashInfo[strings.ToLower(p)] = companion{path: p, info: info}
			return nil
		}
		if strings.EqualFold(d.Name(), MaxDirSizeFile) {
			return nil
		}
		files = append(files, msxmlFile{entry: models.CacheEntry{
			Path:     p,
			Size:     info.Size(),
			LastUsed: info.ModTime().UTC(),
		}})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	for i := range files {
		key := strings.ToLower(files[i].entry.Path + HashcheckSuffix)
		if c, ok := hashInfo[key]; ok {
			files[i].hashcheck = c.path
			files[i].hashSize = c.info.Size()
			if c.info.ModTime().After(files[i].entry.LastUsed) {
				files[i].entry.LastUsed = c.info.ModTime().UTC()
			}
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].entry.LastUsed.Before(files[j].entry.LastUsed)
	})
	return files, total, nil
}

package results

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/storage/local"
)

// FailedResultsInfoFile is written into every archived failed-results directory.
const FailedResultsInfoFile = "_FailedResultsInfo.txt"

// FailedInfo describes the job whose results are being archived.
type FailedInfo struct {
	Job     int
	Step    int
	Dataset string
	Reason  string
}

// CopyFailedResultsToArchiveDirectory copies resultsDir into
// failedRoot/<base of resultsDir>, replacing any previous copy, and writes
// _FailedResultsInfo.txt alongside. It returns the archive path.
func CopyFailedResultsToArchiveDirectory(ctx context.Context, resultsDir, failedRoot string, info FailedInfo) (string, error) {
	if failedRoot == "" {
		return "", fmt.Errorf("failed results folder path is not configured")
	}
	dest := filepath.Join(failedRoot, filepath.Base(resultsDir))

	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("remove previous failed results %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("create failed results dir %s: %w", dest, err)
	}

	var failures []string
	err := filepath.WalkDir(resultsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			failures = append(failures, p)
			return nil
		}
		rel, relErr := filepath.Rel(resultsDir, p)
		if relErr != nil || rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if _, err := local.CopyFile(ctx, p, target, true); err != nil {
			logging.WithContext(ctx).Warn("could not archive failed result file", zap.String("file", p), zap.Error(err))
			failures = append(failures, rel)
		}
		return nil
	})
	if err != nil {
		return dest, fmt.Errorf("archive failed results to %s: %w", dest, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Date\t%s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Job\t%d\n", info.Job)
	fmt.Fprintf(&b, "Step\t%d\n", info.Step)
	fmt.Fprintf(&b, "Dataset\t%s\n", info.Dataset)
	fmt.Fprintf(&b, "ResultsFolder\t%s\n", resultsDir)
	if info.Reason != "" {
		fmt.Fprintf(&b, "Reason\t%s\n", info.Reason)
	}
	if err := os.WriteFile(filepath.Join(dest, FailedResultsInfoFile), []byte(b.String()), 0644); err != nil {
		return dest, fmt.Errorf("write %s: %w", FailedResultsInfoFile, err)
	}

	if len(failures) > 0 {
		return dest, fmt.Errorf("%d file(s) could not be archived to %s", len(failures), dest)
	}
	logging.WithContext(ctx).Warn("results archived locally after failure",
		zap.String("archive", dest), zap.String("reason", info.Reason))
	return dest, nil
}

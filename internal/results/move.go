package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/storage/local"
)

// Policy selects which working-directory files are result files.
type Policy struct {
	// SkipNames are file names never moved (case-insensitive).
	SkipNames []string
	// SkipExtensions are suffixes never moved, e.g. ".raw" or "_dta.zip".
	SkipExtensions []string
	// KeepNames are moved even when an extension rule would skip them.
	KeepNames []string
}

type policySet struct {
	skip map[string]bool
	keep map[string]bool
	exts []string
}

func (p Policy) compile() policySet {
	ps := policySet{skip: make(map[string]bool), keep: make(map[string]bool)}
	for _, n := range p.SkipNames {
		ps.skip[strings.ToLower(n)] = true
	}
	for _, n := range p.KeepNames {
		ps.keep[strings.ToLower(n)] = true
	}
	for _, e := range p.SkipExtensions {
		if e != "" {
			ps.exts = append(ps.exts, strings.ToLower(e))
		}
	}
	return ps
}

// SkipReason explains why a file would not be moved, or "" if it is a keeper.
func (p Policy) SkipReason(name string) string {
	return p.compile().reason(name)
}

func (ps policySet) reason(name string) string {
	lower := strings.ToLower(name)
	if ps.skip[lower] {
		return "skip list"
	}
	if !ps.keep[lower] {
		for _, ext := range ps.exts {
			if strings.HasSuffix(lower, ext) {
				return "skipped extension " + ext
			}
		}
	}
	if hasInvalidBytes(name) {
		return "control character or non-ASCII byte in name"
	}
	if isSwapFile(lower) {
		return "editor swap file"
	}
	return ""
}

func hasInvalidBytes(name string) bool {
	for i := 0; i < len(name); i++ {
		if b := name[i]; b < 32 || b == 127 || b >= 128 {
			return true
		}
	}
	return false
}

func isSwapFile(lower string) bool {
	switch {
	case strings.HasSuffix(lower, ".swp"), strings.HasSuffix(lower, ".swo"):
		return true
	case strings.HasSuffix(lower, "~"):
		return true
	case strings.HasPrefix(lower, ".#"), strings.HasPrefix(lower, "~$"):
		return true
	}
	return false
}

// MoveSummary reports the outcome of MoveResultFiles.
type MoveSummary struct {
	Moved   int
	Copied  int // moves that fell back to copy
	Skipped int
	Failed  int
	Errors  []error
}

// Err joins the per-file errors, or returns nil when nothing failed.
func (s MoveSummary) Err() error {
	return errors.Join(s.Errors...)
}

// MoveResultFiles moves the keeper files at the top level of workDir into
// resultsDir. A failed rename (for example across volumes) falls back to a
// copy. Every file is attempted; the returned error is non-nil if any failed.
func MoveResultFiles(ctx context.Context, workDir, resultsDir string, policy Policy) (MoveSummary, error) {
	var sum MoveSummary
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return sum, fmt.Errorf("list work dir %s: %w", workDir, err)
	}
	ps := policy.compile()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if reason := ps.reason(name); reason != "" {
			sum.Skipped++
			logging.WithContext(ctx).Debug("not moving file to results", zap.String("file", name), zap.String("reason", reason))
			continue
		}

		src := filepath.Join(workDir, name)
		dst := filepath.Join(resultsDir, name)
		renameErr := os.Rename(src, dst)
		if renameErr == nil {
			sum.Moved++
			continue
		}

		logging.WithContext(ctx).Debug("move failed; copying instead", zap.String("file", name), zap.Error(renameErr))
		if _, err := local.CopyFile(ctx, src, dst, true); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Errorf("move %s: %w", name, errors.Join(renameErr, err)))
			logging.WithContext(ctx).Error("could not move result file", zap.String("file", src), zap.Error(err))
			continue
		}
		sum.Copied++
	}

	if sum.Failed > 0 {
		return sum, fmt.Errorf("%d of %d result files could not be moved: %w",
			sum.Failed, sum.Moved+sum.Copied+sum.Failed, sum.Err())
	}
	return sum, nil
}

// Package results packages a finished job step: it gathers keeper files
// from the working directory into a results directory, copies that
// directory to the transfer share, and archives it locally when any step
// fails so results are never lost.
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
	"github.com/dmspipeline/analysismgr/internal/models"
	"github.com/dmspipeline/analysismgr/internal/storage"
)

// ErrFatal marks failures that abort staging outright: the results
// directory or the remote transfer directory could not be created.
var ErrFatal = errors.New("fatal results staging error")

// State is a stage of the staging state machine.
type State int

const (
	StateRunning State = iota
	StateMakeResultsDirectory
	StateMoveResultFiles
	StateCopyResultsToServer
	StateCopyFailedResultsToArchive
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateMakeResultsDirectory:
		return "MakeResultsDirectory"
	case StateMoveResultFiles:
		return "MoveResultFiles"
	case StateCopyResultsToServer:
		return "CopyResultsDirectoryToServer"
	case StateCopyFailedResultsToArchive:
		return "CopyFailedResultsToArchiveDirectory"
	case StateSuccess:
		return "Success"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s ends the state machine.
func IsTerminal(s State) bool {
	return s == StateSuccess || s == StateFailed
}

func allowed(from, to State) bool {
	switch from {
	case StateRunning:
		return to == StateMakeResultsDirectory
	case StateMakeResultsDirectory:
		return to == StateMoveResultFiles || to == StateCopyFailedResultsToArchive
	case StateMoveResultFiles:
		return to == StateCopyResultsToServer || to == StateCopyFailedResultsToArchive
	case StateCopyResultsToServer:
		return to == StateSuccess || to == StateCopyFailedResultsToArchive
	case StateCopyFailedResultsToArchive:
		return to == StateFailed
	default:
		return false
	}
}

// Config holds what a Pipeline needs to deliver one job step's results.
type Config struct {
	// Remote reaches the transfer share.
	Remote storage.RemoteFS
	// TransferDir is the dataset's directory on Remote, e.g. "QC_Shew_24_01".
	TransferDir string
	// FailedResultsRoot is the local fallback directory.
	FailedResultsRoot string
	Policy            Policy
	RetryCount        int
	RetryHoldoff      time.Duration

	Job     int
	Step    int
	Dataset string

	OnProgress models.ProgressFunc
	// OnState is called after every transition.
	OnState func(State)
}

// Outcome is the result of Pipeline.Run.
type Outcome struct {
	State       State
	ResultsDir  string
	RemoteDir   string
	Moved       MoveSummary
	Copied      CopySummary
	ArchivePath string
	Message     string
	History     []State
}

// Pipeline drives one results-staging run.
type Pipeline struct {
	cfg     Config
	state   State
	history []State
}

// NewPipeline creates a Pipeline in StateRunning.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg, state: StateRunning, history: []State{StateRunning}}
}

// State returns the current state.
func (p *Pipeline) State() State { return p.state }

func (p *Pipeline) transition(ctx context.Context, to State) {
	if !allowed(p.state, to) {
		panic(fmt.Sprintf("results: invalid transition %s -> %s", p.state, to))
	}
	logging.WithContext(ctx).Debug("results staging transition",
		zap.String("from", p.state.String()), zap.String("to", to.String()))
	p.state = to
	p.history = append(p.history, to)
	if p.cfg.OnState != nil {
		p.cfg.OnState(to)
	}
}

// Run stages workDir/resultsDirName. A failure at any stage archives
// whatever reached the results directory to FailedResultsRoot and returns
// an Outcome in StateFailed along with the causing error.
func (p *Pipeline) Run(ctx context.Context, workDir, resultsDirName string) (Outcome, error) {
	ctx = logging.WithJob(ctx, p.cfg.Job, p.cfg.Step)
	out := Outcome{ResultsDir: filepath.Join(workDir, resultsDirName)}
	if p.cfg.TransferDir != "" {
		out.RemoteDir = storage.Join(p.cfg.TransferDir, resultsDirName)
	}

	fail := func(cause error) (Outcome, error) {
		p.transition(ctx, StateCopyFailedResultsToArchive)
		out.Message = cause.Error()

		if _, statErr := os.Stat(out.ResultsDir); statErr == nil {
			archive, err := CopyFailedResultsToArchiveDirectory(ctx, out.ResultsDir, p.cfg.FailedResultsRoot, FailedInfo{
				Job: p.cfg.Job, Step: p.cfg.Step, Dataset: p.cfg.Dataset, Reason: cause.Error(),
			})
			out.ArchivePath = archive
			if err != nil {
				logging.WithContext(ctx).Error("could not archive failed results", zap.String("results_dir", out.ResultsDir), zap.Error(err))
				cause = errors.Join(cause, err)
			}
		} else {
			logging.WithContext(ctx).Error("no results directory to archive", zap.String("results_dir", out.ResultsDir))
		}

		p.transition(ctx, StateFailed)
		out.State = p.state
		out.History = p.history
		return out, cause
	}

	p.transition(ctx, StateMakeResultsDirectory)
	p.cfg.OnProgress.Report(0, "Creating results directory")
	if err := os.MkdirAll(out.ResultsDir, 0755); err != nil {
		return fail(fmt.Errorf("%w: create results directory %s: %w", ErrFatal, out.ResultsDir, err))
	}

	p.transition(ctx, StateMoveResultFiles)
	p.cfg.OnProgress.Report(10, "Moving result files")
	moved, err := MoveResultFiles(ctx, workDir, out.ResultsDir, p.cfg.Policy)
	out.Moved = moved
	if err != nil {
		return fail(err)
	}

	p.transition(ctx, StateCopyResultsToServer)
	if p.cfg.Remote == nil || p.cfg.TransferDir == "" {
		return fail(fmt.Errorf("%w: transfer directory is not configured", ErrFatal))
	}
	copied, err := CopyDirectoryToRemote(ctx, p.cfg.Remote, out.ResultsDir, out.RemoteDir, CopyOptions{
		RetryCount:   p.cfg.RetryCount,
		RetryHoldoff: p.cfg.RetryHoldoff,
		Progress: func(percent float64, message string) {
			p.cfg.OnProgress.Report(20+percent*0.8, message)
		},
	})
	out.Copied = copied
	if err != nil {
		return fail(err)
	}

	p.transition(ctx, StateSuccess)
	p.cfg.OnProgress.Report(100, "Results delivered")
	logging.WithContext(ctx).Info("results delivered",
		zap.String("remote", out.RemoteDir),
		zap.String("host", p.cfg.Remote.Host()),
		zap.Int("copied", copied.Copied),
		zap.Int("skipped", copied.Skipped))
	out.State = p.state
	out.History = p.history
	return out, nil
}

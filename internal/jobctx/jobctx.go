// Package jobctx composes the services one job step needs. A JobContext
// holds the manager and job parameter providers plus the locator, transfer
// utility and status reporter, and exposes the staging operations a tool
// plugin calls in terms of those parameters.
package jobctx

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmspipeline/analysismgr/internal/cache"
	"github.com/dmspipeline/analysismgr/internal/config"
	"github.com/dmspipeline/analysismgr/internal/locator"
	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/models"
	"github.com/dmspipeline/analysismgr/internal/results"
	"github.com/dmspipeline/analysismgr/internal/status"
	"github.com/dmspipeline/analysismgr/internal/storage"
	"github.com/dmspipeline/analysismgr/internal/transfer"
)

// ErrNotConfigured is returned when an operation needs a service the
// JobContext was built without.
var ErrNotConfigured = errors.New("service not configured")

// Job parameter names read by New and the staging operations.
const (
	ParamJob                = "Job"
	ParamStep               = "Step"
	ParamDataset            = "DatasetName"
	ParamTool               = "ToolName"
	ParamTransferFolderPath = "TransferFolderPath"
	ParamResultsFolderName  = "OutputFolderName"
	ParamFastaFileName      = "generatedFastaName"
	ParamLegacyFastaName    = "legacyFastaFileName"
)

// JobContext is the composition root for one job step.
type JobContext struct {
	Mgr config.MgrParams
	Job config.JobParams

	Locator  *locator.Locator
	Transfer *transfer.Utility
	Status   *status.Reporter
	// Remote reaches the transfer share for results delivery.
	Remote storage.RemoteFS
	// Progress, if set, receives every ReportProgress call.
	Progress models.ProgressFunc
	// MSXMLLimiter bounds how often PurgeMSXMLCache rescans the cache.
	MSXMLLimiter *rate.Limiter

	JobNum  int
	StepNum int
	Dataset string
	Tool    string
	WorkDir string

	detail status.TaskStatusDetail
}

// New reads the job identity from job and the working directory from mgr.
func New(mgr config.MgrParams, job config.JobParams) (*JobContext, error) {
	workDir, err := config.Required(mgr, "WorkDir")
	if err != nil {
		return nil, err
	}
	jobText, err := config.RequiredJob(job, config.SectionJob, ParamJob)
	if err != nil {
		return nil, err
	}
	jobNum := config.Int(jobText, 0)
	if jobNum <= 0 {
		return nil, fmt.Errorf("invalid job number %q", jobText)
	}

	return &JobContext{
		Mgr:     mgr,
		Job:     job,
		JobNum:  jobNum,
		StepNum: config.GetJobParameterInt(job, config.SectionStepParams, ParamStep, 1),
		Dataset: job.GetJobParam(config.SectionJob, ParamDataset, ""),
		Tool:    job.GetJobParam(config.SectionJob, ParamTool, ""),
		WorkDir: workDir,
		detail:  status.DetailNoTask,
	}, nil
}

// Aborted reports whether an abort flag file has been consumed.
func (j *JobContext) Aborted() bool {
	return j.Status != nil && j.Status.AbortRequested()
}

// SetDetail sets the running-task detail used by later progress reports.
func (j *JobContext) SetDetail(d status.TaskStatusDetail) { j.detail = d }

// Begin marks the task as started in the status reporter. The returned
// context carries a logger tagged with the job and step; pass it to the
// step's remaining calls.
func (j *JobContext) Begin(ctx context.Context) (context.Context, error) {
	ctx = j.scope(ctx)
	j.detail = status.DetailRetrievingResources
	logging.WithContext(ctx).Info("job step started", zap.String("tool", j.Tool), zap.String("dataset", j.Dataset))
	if j.Status == nil {
		return ctx, nil
	}
	j.Status.BeginTask(j.Tool, j.JobNum, j.StepNum, j.Dataset)
	return ctx, j.Status.UpdateAndWrite(ctx, status.TaskUpdate{
		MgrStatus:  status.MgrRunning,
		TaskStatus: status.TaskRunning,
		Detail:     j.detail,
		LogMessage: fmt.Sprintf("Started job %d, step %d", j.JobNum, j.StepNum),
		JobInfo:    fmt.Sprintf("Job %d, Step %d, Tool %s", j.JobNum, j.StepNum, j.Tool),
	})
}

func (j *JobContext) scope(ctx context.Context) context.Context {
	return logging.WithJob(ctx, j.JobNum, j.StepNum)
}

// ReportProgress forwards progress to the callback and the status reporter.
func (j *JobContext) ReportProgress(ctx context.Context, percent float64, message string) error {
	j.Progress.Report(percent, message)
	if j.Status == nil {
		return nil
	}
	j.Status.SetCurrentOperation(message)
	return j.Status.UpdateAndWrite(ctx, status.TaskUpdate{
		MgrStatus:  status.MgrRunning,
		TaskStatus: status.TaskRunning,
		Detail:     j.detail,
		Progress:   percent,
		LogMessage: message,
	})
}

// CurrentFastaName is the FASTA file the job uses, or "".
func (j *JobContext) CurrentFastaName() string {
	if name := j.Job.GetJobParam(config.SectionPeptideSearch, ParamFastaFileName, ""); name != "" {
		return name
	}
	return j.Job.GetJobParam(config.SectionPeptideSearch, ParamLegacyFastaName, "")
}

// PurgeFastaCache purges the OrgDBDir FASTA cache, never touching the
// job's own FASTA file.
func (j *JobContext) PurgeFastaCache(ctx context.Context) (cache.PurgeResult, error) {
	ctx = j.scope(ctx)
	dir, err := config.Required(j.Mgr, "OrgDBDir")
	if err != nil {
		return cache.PurgeResult{}, err
	}
	opts := cache.FastaPurgeOptions{
		FreeSpaceThresholdPercent: config.Int(j.Mgr.GetParam("FreeSpaceThresholdPercent", ""), 20),
		RequiredFreeSpaceMB:       int64(config.Int(j.Mgr.GetParam("RequiredFreeSpaceMB", ""), 0)),
		CurrentFastaName:          j.CurrentFastaName(),
	}
	res, err := cache.PurgeFastaFiles(ctx, dir, opts)
	if err != nil {
		return res, fmt.Errorf("purge FASTA cache %s: %w", dir, err)
	}
	return res, nil
}

// PurgeMSXMLCache trims the MSXML cache when MSXMLLimiter allows.
func (j *JobContext) PurgeMSXMLCache(ctx context.Context) (cache.PurgeResult, error) {
	ctx = j.scope(ctx)
	dir, err := config.Required(j.Mgr, "MSXMLCacheFolderPath")
	if err != nil {
		return cache.PurgeResult{}, err
	}
	thresholdGB := config.Int(j.Mgr.GetParam("MSXMLCacheMaxSizeGB", ""), 20000)
	return cache.PurgeOldServerCacheFiles(ctx, dir, thresholdGB, cache.MSXMLPurgeOptions{Limiter: j.MSXMLLimiter})
}

// FindDatasetDirectory locates the job's dataset across the storage tiers.
func (j *JobContext) FindDatasetDirectory(ctx context.Context, opts locator.Options) (locator.Result, error) {
	ctx = j.scope(ctx)
	if j.Locator == nil {
		return locator.Result{}, fmt.Errorf("locator: %w", ErrNotConfigured)
	}
	if j.Dataset == "" {
		return locator.Result{}, fmt.Errorf("job parameter %s: %w", ParamDataset, config.ErrMissingParam)
	}
	res, err := j.Locator.FindValidDirectory(ctx, j.Dataset, opts)
	if err == nil && !res.Found {
		logging.WithContext(ctx).Warn("dataset directory not found",
			zap.String("dataset", j.Dataset), zap.String("detail", res.Message))
	}
	return res, err
}

// StageResults packages the working directory into its results directory
// and delivers it to the transfer share under TransferFolderPath/Dataset.
func (j *JobContext) StageResults(ctx context.Context, policy results.Policy) (results.Outcome, error) {
	ctx = j.scope(ctx)
	resultsName := j.Job.GetJobParam(config.SectionJob, ParamResultsFolderName, "")
	if resultsName == "" {
		resultsName = fmt.Sprintf("Results_Job%d", j.JobNum)
	}
	var transferDir string
	if root := j.Job.GetJobParam(config.SectionJob, ParamTransferFolderPath, ""); root != "" {
		transferDir = storage.Join(filepath.ToSlash(root), j.Dataset)
	}

	p := results.NewPipeline(results.Config{
		Remote:            j.Remote,
		TransferDir:       transferDir,
		FailedResultsRoot: j.Mgr.GetParam("FailedResultsFolderPath", ""),
		Policy:            policy,
		RetryCount:        config.Int(j.Mgr.GetParam("TransferRetryCount", ""), results.DefaultRetryCount),
		RetryHoldoff:      time.Duration(config.Int(j.Mgr.GetParam("TransferRetryHoldoffSeconds", ""), 15)) * time.Second,
		Job:               j.JobNum,
		Step:              j.StepNum,
		Dataset:           j.Dataset,
		OnProgress: func(percent float64, message string) {
			if err := j.ReportProgress(ctx, percent, message); err != nil {
				logging.WithContext(ctx).Debug("status update failed", zap.Error(err))
			}
		},
		OnState: func(s results.State) {
			switch s {
			case results.StateMakeResultsDirectory, results.StateMoveResultFiles:
				j.detail = status.DetailPackagingResults
			case results.StateCopyResultsToServer:
				j.detail = status.DetailDeliveringResults
			case results.StateSuccess, results.StateFailed:
				j.detail = status.DetailClosing
			}
		},
	})
	return p.Run(ctx, j.WorkDir, resultsName)
}

// Finish reports the task closing, successful or not.
func (j *JobContext) Finish(ctx context.Context, stepErr error) error {
	if j.Status == nil {
		return nil
	}
	task := status.TaskClosing
	msg := fmt.Sprintf("Job %d, step %d complete", j.JobNum, j.StepNum)
	var errMsg string
	if stepErr != nil {
		task = status.TaskFailed
		msg = fmt.Sprintf("Job %d, step %d failed", j.JobNum, j.StepNum)
		errMsg = stepErr.Error()
	}
	return j.Status.UpdateAndWrite(ctx, status.TaskUpdate{
		MgrStatus:    status.MgrRunning,
		TaskStatus:   task,
		Detail:       status.DetailClosing,
		Progress:     100,
		LogMessage:   msg,
		ErrorMessage: errMsg,
		ForceBroker:  true,
	})
}

// CopyToRemote pushes files to remoteDir on the compute host through the
// transfer utility.
func (j *JobContext) CopyToRemote(ctx context.Context, files []string, remoteDir string, useLockFile bool) (transfer.Summary, error) {
	ctx = j.scope(ctx)
	if j.Transfer == nil {
		return transfer.Summary{}, fmt.Errorf("transfer utility: %w", ErrNotConfigured)
	}
	return j.Transfer.CopyFilesToRemote(ctx, files, remoteDir, useLockFile)
}

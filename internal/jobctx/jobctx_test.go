package jobctx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmspipeline/analysismgr/internal/config"
	"github.com/dmspipeline/analysismgr/internal/locator"
	"github.com/dmspipeline/analysismgr/internal/results"
	"github.com/dmspipeline/analysismgr/internal/status"
	"github.com/dmspipeline/analysismgr/internal/storage/local"
)

func TestParseThreadCount(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 8, false},
		{"all", 8, false},
		{" ALL ", 8, false},
		{"0", 8, false},
		{"-3", 8, false},
		{"4", 4, false},
		{"12", 8, false},
		{"all-2", 6, false},
		{"all - 2", 6, false},
		{"all-20", 1, false},
		{"all+2", 0, true},
		{"all-x", 0, true},
		{"four", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseThreadCount(tt.in, 8)
		if tt.wantErr {
			assert.Error(t, err, "ParseThreadCount(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseThreadCount(%q)", tt.in)
		assert.Equal(t, tt.want, got, "ParseThreadCount(%q)", tt.in)
	}

	n, err := ParseThreadCount("all", 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestSettingsRefresher(t *testing.T) {
	r := NewSettingsRefresher(time.Hour)
	calls := 0
	load := func(context.Context) error { calls++; return nil }

	ran, err := r.Refresh(context.Background(), load)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = r.Refresh(context.Background(), load)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, calls)

	other := NewSettingsRefresher(time.Hour)
	boom := errors.New("manager control DB unreachable")
	ran, err = other.Refresh(context.Background(), func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestApplyDebugLevel(t *testing.T) {
	p := config.NewParams()
	p.Set(config.SectionManager, "DebugLevel", "2")
	ApplyDebugLevel(p)
	p.Set(config.SectionManager, "DebugLevel", "1")
	ApplyDebugLevel(p)
}

func jobParams(workDir string) *config.Params {
	p := config.NewParams()
	p.Set(config.SectionManager, "WorkDir", workDir)
	p.Set(config.SectionJob, ParamJob, "2234567")
	p.Set(config.SectionStepParams, ParamStep, "3")
	p.Set(config.SectionJob, ParamDataset, "QC_Shew_24_01")
	p.Set(config.SectionJob, ParamTool, "MSGFPlus")
	return p
}

func TestNewReadsJobIdentity(t *testing.T) {
	p := jobParams("/work/1")
	j, err := New(p, p)
	require.NoError(t, err)
	assert.Equal(t, 2234567, j.JobNum)
	assert.Equal(t, 3, j.StepNum)
	assert.Equal(t, "QC_Shew_24_01", j.Dataset)
	assert.Equal(t, "MSGFPlus", j.Tool)
	assert.Equal(t, "/work/1", j.WorkDir)
}

func TestNewRequiresParams(t *testing.T) {
	p := config.NewParams()
	_, err := New(p, p)
	assert.ErrorIs(t, err, config.ErrMissingParam)

	p.Set(config.SectionManager, "WorkDir", "/work")
	_, err = New(p, p)
	assert.ErrorIs(t, err, config.ErrMissingParam)

	p.Set(config.SectionJob, ParamJob, "abc")
	_, err = New(p, p)
	assert.Error(t, err)
}

func TestServicesNotConfigured(t *testing.T) {
	p := jobParams(t.TempDir())
	j, err := New(p, p)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = j.FindDatasetDirectory(ctx, locator.Options{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = j.CopyToRemote(ctx, nil, "remote", false)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = j.PurgeFastaCache(ctx)
	assert.ErrorIs(t, err, config.ErrMissingParam)
	_, err = j.PurgeMSXMLCache(ctx)
	assert.ErrorIs(t, err, config.ErrMissingParam)
	assert.False(t, j.Aborted())
	assert.NoError(t, j.ReportProgress(ctx, 10, "no reporter"))
}

func TestCurrentFastaName(t *testing.T) {
	p := jobParams(t.TempDir())
	j, err := New(p, p)
	require.NoError(t, err)
	assert.Equal(t, "", j.CurrentFastaName())

	p.Set(config.SectionPeptideSearch, ParamLegacyFastaName, "H_sapiens.fasta")
	assert.Equal(t, "H_sapiens.fasta", j.CurrentFastaName())
	p.Set(config.SectionPeptideSearch, ParamFastaFileName, "ID_003456_1A2B3C4D.fasta")
	assert.Equal(t, "ID_003456_1A2B3C4D.fasta", j.CurrentFastaName())
}

func TestPurgeFastaCacheUsesOrgDBDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.fasta"), []byte(">p\nMK\n"), 0644))
	p := jobParams(t.TempDir())
	p.Set(config.SectionManager, "OrgDBDir", dir)
	p.Set(config.SectionManager, "FreeSpaceThresholdPercent", "1")
	j, err := New(p, p)
	require.NoError(t, err)

	res, err := j.PurgeFastaCache(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
}

func TestStageResultsReportsStatus(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "QC_Shew_24_01_msgfplus.mzid"), []byte("mzid"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "QC_Shew_24_01.mzML"), []byte("spectra"), 0644))

	remoteRoot := t.TempDir()
	remote, err := local.New(local.Config{RootPath: remoteRoot, HostName: "proto-6"})
	require.NoError(t, err)

	statusPath := filepath.Join(t.TempDir(), "Status.xml")
	rep := status.New(status.Config{MgrName: "Pub-12-1", Path: statusPath})

	p := jobParams(work)
	p.Set(config.SectionJob, ParamTransferFolderPath, "DMS3_Xfer")
	p.Set(config.SectionJob, ParamResultsFolderName, "MSG202405011200_Auto2234567")
	p.Set(config.SectionManager, "FailedResultsFolderPath", t.TempDir())
	j, err := New(p, p)
	require.NoError(t, err)
	j.Remote = remote
	j.Status = rep
	var progress []float64
	j.Progress = func(pct float64, _ string) { progress = append(progress, pct) }

	ctx := context.Background()
	ctx, err = j.Begin(ctx)
	require.NoError(t, err)
	out, err := j.StageResults(ctx, results.Policy{SkipExtensions: []string{".mzml"}})
	require.NoError(t, err)
	assert.Equal(t, results.StateSuccess, out.State)
	require.NoError(t, j.Finish(ctx, nil))

	_, err = os.Stat(filepath.Join(remoteRoot, "DMS3_Xfer", "QC_Shew_24_01", "MSG202405011200_Auto2234567", "QC_Shew_24_01_msgfplus.mzid"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(work, "QC_Shew_24_01.mzML"))
	assert.NoError(t, err)

	require.NotEmpty(t, progress)
	assert.Equal(t, float64(100), progress[len(progress)-1])

	snap := rep.Snapshot()
	assert.Equal(t, status.TaskClosing, snap.TaskStatus)
	assert.Equal(t, status.DetailClosing, snap.TaskDetail)
	assert.Equal(t, 2234567, snap.Job)
}

func TestFinishWithErrorRecordsFailure(t *testing.T) {
	rep := status.New(status.Config{MgrName: "Pub-12-1", Path: filepath.Join(t.TempDir(), "Status.xml")})
	p := jobParams(t.TempDir())
	j, err := New(p, p)
	require.NoError(t, err)
	j.Status = rep

	require.NoError(t, j.Finish(context.Background(), errors.New("results copy failed")))
	snap := rep.Snapshot()
	assert.Equal(t, status.TaskFailed, snap.TaskStatus)
	assert.Equal(t, []string{"results copy failed"}, snap.RecentErrors)
}

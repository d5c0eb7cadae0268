package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmspipeline/analysismgr/internal/diskspace"
)

const day = 24 * time.Hour

// writeSparse creates a file of the given apparent size without allocating it.
func writeSparse(t *testing.T, p string, size int64, mtime time.Time) {
	t.Helper()
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

// makeFileset creates base.fasta, base.fasta.<hash>.hashcheck and base.fasta.idx, all last touched age ago.
func makeFileset(t *testing.T, dir, base string, size int64, age time.Duration) {
	t.Helper()
	mtime := time.Now().Add(-age)
	writeSparse(t, filepath.Join(dir, base+".fasta"), size, mtime)
	writeSparse(t, filepath.Join(dir, base+".fasta.a1b2c3.hashcheck"), 40, mtime)
	writeSparse(t, filepath.Join(dir, base+".fasta.idx"), 128, mtime)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// lowSpace reports 1% free on a 100 GB volume.
var lowSpace = diskspace.Fixed(diskspace.Usage{Total: 100 * GB, Free: 1 * GB})

func TestScanFilesetsGroupsByBaseName(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "ID_000100", 1000, 10*day)
	writeSparse(t, filepath.Join(dir, "ID_000100.revCat.fasta"), 2000, time.Now().Add(-10*day))
	makeFileset(t, dir, "ID_000200", 500, 20*day)
	writeSparse(t, filepath.Join(dir, "unrelated.txt"), 10, time.Now())

	sets, err := ScanFilesets(dir)
	require.NoError(t, err)
	require.Len(t, sets, 2)

	assert.Equal(t, "ID_000200", sets[0].BaseName, "oldest first")
	assert.Equal(t, "ID_000100", sets[1].BaseName)
	assert.Len(t, sets[1].Files, 4, "revCat decoy joins its parent set")
	assert.Equal(t, int64(1000+2000+40+128), sets[1].Size)
}

func TestFreeSpacePurgeHonorsRetentionFloor(t *testing.T) {
	dir := t.TempDir()
	for name, age := range map[string]time.Duration{
		"age01": 1 * day,
		"age04": 4 * day,
		"age06": 6 * day,
		"age10": 10 * day,
	} {
		makeFileset(t, dir, name, 1024, age)
	}

	res, err := PurgeFastaFilesIfLowFreeSpace(context.Background(), dir, FastaPurgeOptions{
		FreeSpaceThresholdPercent: 20,
		DiskSpace:                 lowSpace,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"age10", "age06"}, res.Deleted)
	assert.True(t, res.StoppedAtFloor)
	assert.False(t, res.TargetMet)
	assert.Zero(t, res.DeleteErrors)

	assert.True(t, fileExists(filepath.Join(dir, "age01.fasta")))
	assert.True(t, fileExists(filepath.Join(dir, "age04.fasta")))
	assert.False(t, fileExists(filepath.Join(dir, "age06.fasta")))
	assert.False(t, fileExists(filepath.Join(dir, "age10.fasta.idx")))
}

func TestFreeSpacePurgeSkipsCurrentJob(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "ID_003456_1A2B3C4D", 1024, 60*day)
	makeFileset(t, dir, "ID_000777", 1024, 20*day)

	res, err := PurgeFastaFilesIfLowFreeSpace(context.Background(), dir, FastaPurgeOptions{
		FreeSpaceThresholdPercent: 20,
		CurrentFastaName:          "ID_003456_1A2B3C4D.fasta",
		DiskSpace:                 lowSpace,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ID_000777"}, res.Deleted)
	assert.True(t, fileExists(filepath.Join(dir, "ID_003456_1A2B3C4D.fasta")))
}

func TestFreeSpacePurgeStopsWhenTargetMet(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "old", 2*GB, 30*day)
	makeFileset(t, dir, "older", 2*GB, 40*day)

	// 18% free on 100 GB; freeing 2 GB reaches the 20% threshold
	space := diskspace.Fixed(diskspace.Usage{Total: 100 * GB, Free: 18 * GB})
	res, err := PurgeFastaFilesIfLowFreeSpace(context.Background(), dir, FastaPurgeOptions{
		FreeSpaceThresholdPercent: 20,
		DiskSpace:                 space,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"older"}, res.Deleted)
	assert.True(t, res.TargetMet)
	assert.True(t, fileExists(filepath.Join(dir, "old.fasta")))
}

func TestFreeSpacePurgeNoActionAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "old", 1024, 30*day)

	space := diskspace.Fixed(diskspace.Usage{Total: 100 * GB, Free: 60 * GB})
	res, err := PurgeFastaFilesIfLowFreeSpace(context.Background(), dir, FastaPurgeOptions{
		FreeSpaceThresholdPercent: 90, // clamped to 50
		DiskSpace:                 space,
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Deleted)
	assert.True(t, fileExists(filepath.Join(dir, "old.fasta")))
}

func TestFreeSpacePurgeRequiredFreeSpace(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "a", 1*GB, 30*day)
	makeFileset(t, dir, "b", 1*GB, 20*day)

	// Percent threshold already met, but 4500 MB must be free
	space := diskspace.Fixed(diskspace.Usage{Total: 10 * GB, Free: 3 * GB})
	res, err := PurgeFastaFilesIfLowFreeSpace(context.Background(), dir, FastaPurgeOptions{
		FreeSpaceThresholdPercent: 10,
		RequiredFreeSpaceMB:       4500,
		DiskSpace:                 space,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Deleted)
	assert.True(t, res.TargetMet)
}

func TestSpaceUsedPurgeScenario(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "set02", 1*GB, 2*day)
	makeFileset(t, dir, "set07", 2*GB, 7*day)
	makeFileset(t, dir, "set20", 5*GB, 20*day)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MaxDirSizeFile),
		[]byte("# cap for the slow share\nMaxSizeGB=6\n"), 0644))

	res, err := PurgeFastaFiles(context.Background(), dir, FastaPurgeOptions{})
	require.NoError(t, err)

	assert.Equal(t, StrategySpaceUsed, res.Strategy)
	assert.Equal(t, []string{"set20"}, res.Deleted)
	assert.True(t, res.TargetMet)
	assert.Equal(t, 2, res.Iterations)

	used, err := DirectorySize(dir)
	require.NoError(t, err)
	assert.LessOrEqual(t, used, 6*GB)
	assert.True(t, fileExists(filepath.Join(dir, "set07.fasta")))
	assert.True(t, fileExists(filepath.Join(dir, "set02.fasta")))
}

func TestSpaceUsedPurgeExhaustsEligibleFiles(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "recent", 2*GB, 1*day)
	makeFileset(t, dir, "current", 2*GB, 30*day)

	res, err := PurgeUsingSpaceUsedThreshold(context.Background(), dir, 1, FastaPurgeOptions{
		CurrentFastaName: "current.fasta",
	})
	require.NoError(t, err, "best-effort purge returns success")

	assert.False(t, res.TargetMet)
	assert.True(t, res.StoppedAtFloor)
	assert.Empty(t, res.Deleted)
	assert.LessOrEqual(t, res.Iterations, MaxSpaceUsedIterations)
	assert.True(t, fileExists(filepath.Join(dir, "recent.fasta")))
	assert.True(t, fileExists(filepath.Join(dir, "current.fasta")))
}

func TestSpaceUsedPurgeUnderCap(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "old", 1024, 30*day)

	res, err := PurgeUsingSpaceUsedThreshold(context.Background(), dir, 1, FastaPurgeOptions{})
	require.NoError(t, err)
	assert.True(t, res.TargetMet)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, 1, res.Iterations)
}

func TestPurgeHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "old", 2*GB, 30*day)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PurgeUsingSpaceUsedThreshold(ctx, dir, 1, FastaPurgeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, fileExists(filepath.Join(dir, "old.fasta")))
}

func TestReadMaxDirSize(t *testing.T) {
	dir := t.TempDir()

	_, found, err := ReadMaxDirSize(dir)
	require.NoError(t, err)
	assert.False(t, found)

	p := filepath.Join(dir, MaxDirSizeFile)
	require.NoError(t, os.WriteFile(p, []byte("# MaxSizeGB=1\n\n maxsizegb = 250 \n"), 0644))
	gb, found, err := ReadMaxDirSize(dir)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 250, gb)

	for _, content := range []string{"# only comments\n", "MaxSizeGB=lots\n", "MaxSizeGB=0\n"} {
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		_, found, err := ReadMaxDirSize(dir)
		assert.True(t, found)
		assert.True(t, errors.Is(err, ErrMalformedSentinel), "content %q: err = %v", content, err)
	}
}

func TestMalformedSentinelAbortsPurge(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "old", 1024, 30*day)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MaxDirSizeFile), []byte("MaxSize=5\n"), 0644))

	_, err := PurgeFastaFiles(context.Background(), dir, FastaPurgeOptions{DiskSpace: lowSpace})
	assert.ErrorIs(t, err, ErrMalformedSentinel)
	assert.True(t, fileExists(filepath.Join(dir, "old.fasta")))
}

func TestLastUsedMarkerProtectsOldFile(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "reused", 1024, 90*day)
	makeFileset(t, dir, "stale", 1024, 30*day)
	require.NoError(t, MarkFileUsed(filepath.Join(dir, "reused.fasta")))

	res, err := PurgeFastaFilesIfLowFreeSpace(context.Background(), dir, FastaPurgeOptions{
		FreeSpaceThresholdPercent: 20,
		DiskSpace:                 lowSpace,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, res.Deleted)
	assert.True(t, fileExists(filepath.Join(dir, "reused.fasta")))
}

func TestReadLastUsedLayouts(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.fasta.LastUsed")
	want := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

	for _, content := range []string{
		"2024-03-05 14:07:09",
		"2024-03-05T14:07:09Z",
		"3/5/2024 2:07:09 PM",
	} {
		require.NoError(t, os.WriteFile(p, []byte("\n"+content+"\n"), 0644))
		got, err := ReadLastUsed(p)
		require.NoError(t, err)
		assert.True(t, got.Equal(want), "%q parsed as %v", content, got)
	}

	// Unparsable content falls back to the marker's mtime
	mtime := time.Now().Add(-3 * day).Truncate(time.Second)
	require.NoError(t, os.WriteFile(p, []byte("garbage"), 0644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
	got, err := ReadLastUsed(p)
	require.NoError(t, err)
	assert.True(t, got.Equal(mtime), "got %v, want %v", got, mtime)
}

func TestClampThresholdPercent(t *testing.T) {
	assert.Equal(t, 1, ClampThresholdPercent(0))
	assert.Equal(t, 1, ClampThresholdPercent(-5))
	assert.Equal(t, 20, ClampThresholdPercent(20))
	assert.Equal(t, 50, ClampThresholdPercent(75))
}

func TestPurgeOldServerCacheFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "2024_1")
	require.NoError(t, os.MkdirAll(sub, 0755))

	now := time.Now()
	writeSparse(t, filepath.Join(sub, "a.mzML"), 600*MB, now.Add(-30*day))
	writeSparse(t, filepath.Join(sub, "a.mzML.hashcheck"), 40, now.Add(-30*day))
	writeSparse(t, filepath.Join(sub, "b.mzML"), 600*MB, now.Add(-10*day))
	writeSparse(t, filepath.Join(dir, "c.mzXML"), 100*MB, now.Add(-1*day))

	res, err := PurgeOldServerCacheFiles(context.Background(), dir, 1, MSXMLPurgeOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.mzML"}, res.Deleted)
	assert.Equal(t, 2, res.FilesDeleted)
	assert.True(t, res.TargetMet)
	assert.False(t, fileExists(filepath.Join(sub, "a.mzML.hashcheck")))
	assert.True(t, fileExists(filepath.Join(sub, "b.mzML")))
}

func TestPurgeOldServerCacheFilesHashcheckRefreshesAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeSparse(t, filepath.Join(dir, "a.mzML"), 800*MB, now.Add(-30*day))
	writeSparse(t, filepath.Join(dir, "a.mzML.hashcheck"), 40, now.Add(-1*day))
	writeSparse(t, filepath.Join(dir, "b.mzML"), 800*MB, now.Add(-20*day))

	res, err := PurgeOldServerCacheFiles(context.Background(), dir, 1, MSXMLPurgeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.mzML"}, res.Deleted)
	assert.True(t, fileExists(filepath.Join(dir, "a.mzML")))
}

func TestPurgeOldServerCacheFilesRateLimited(t *testing.T) {
	dir := t.TempDir()
	limiter := NewMSXMLPurgeLimiter(time.Hour)

	first, err := PurgeOldServerCacheFiles(context.Background(), dir, 1, MSXMLPurgeOptions{Limiter: limiter})
	require.NoError(t, err)
	assert.True(t, first.TargetMet, "empty cache is under threshold")

	second, err := PurgeOldServerCacheFiles(context.Background(), dir, 1, MSXMLPurgeOptions{Limiter: limiter})
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.False(t, second.TargetMet)
}

func TestDeleteFilesetAlreadyRemovedBySibling(t *testing.T) {
	dir := t.TempDir()
	makeFileset(t, dir, "ID_000300", 1000, 10*day)
	makeFileset(t, dir, "ID_000400", 1000, 12*day)
	sets, err := ScanFilesets(dir)
	require.NoError(t, err)
	require.Len(t, sets, 2)

	// Another manager purged ID_000400 entirely and ID_000300 partially.
	for _, f := range sets[0].Files {
		require.NoError(t, os.Remove(f.Path))
	}
	require.NoError(t, os.Remove(filepath.Join(dir, "ID_000300.fasta.idx")))

	var res PurgeResult
	assert.Zero(t, deleteFileset(sets[0], &res))
	assert.Empty(t, res.Deleted)
	assert.Zero(t, res.FilesDeleted)
	assert.Equal(t, 3, res.DeleteErrors)

	freed := deleteFileset(sets[1], &res)
	assert.Equal(t, int64(1000+40), freed)
	assert.Equal(t, []string{"ID_000300"}, res.Deleted)
	assert.Equal(t, 2, res.FilesDeleted)
	assert.Equal(t, 4, res.DeleteErrors)
	assert.Equal(t, int64(1000+40), res.BytesFreed)
}

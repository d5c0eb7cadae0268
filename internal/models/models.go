// Package models contains shared data types used across the staging components.
package models

import "time"

// CacheEntry represents one file materialized in a shared cache directory.
// LastUsed is derived from companion marker files, never from the entry itself.
type CacheEntry struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	LastUsed time.Time `json:"last_used"`
}

// Age returns how long ago the entry was last used.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.LastUsed)
}

// ThresholdKind names the quota policy applied to a cache directory.
type ThresholdKind int

const (
	// FreeSpacePercent keeps the volume at or above a percentage of free space.
	FreeSpacePercent ThresholdKind = iota
	// AbsoluteSizeCapGB keeps the directory's total size at or below a cap.
	AbsoluteSizeCapGB
)

func (k ThresholdKind) String() string {
	switch k {
	case FreeSpacePercent:
		return "free_space_percent"
	case AbsoluteSizeCapGB:
		return "max_size_gb"
	default:
		return "unknown"
	}
}

// DirectoryQuota is the threshold in force for one purge pass.
type DirectoryQuota struct {
	Kind  ThresholdKind
	Value int
}

// RemoteFileDescriptor is the minimal metadata used to compare a local file
// with its remote counterpart.
type RemoteFileDescriptor struct {
	Name    string    `json:"name"`
	Length  int64     `json:"length"`
	ModTime time.Time `json:"mtime"`
	IsDir   bool      `json:"is_dir"`
}

// OverwritePolicy controls what happens when a destination file already exists.
type OverwritePolicy int

const (
	// OverwriteIfNewer replaces the destination only when the source differs
	// in length or is newer.
	OverwriteIfNewer OverwritePolicy = iota
	// OverwriteAlways always replaces the destination.
	OverwriteAlways
	// OverwriteNever leaves any existing destination untouched.
	OverwriteNever
)

// TransferTask describes one synchronous multi-file transfer.
type TransferTask struct {
	SourceFiles     []string
	RemoteHost      string
	RemoteBasePath  string
	OverwritePolicy OverwritePolicy
	UseLockFile     bool
}

// ProgressFunc receives progress from long-running operations. percent is
// in [0,100]; message describes the current step.
type ProgressFunc func(percent float64, message string)

// Report calls f if it is non-nil.
func (f ProgressFunc) Report(percent float64, message string) {
	if f != nil {
		f(percent, message)
	}
}

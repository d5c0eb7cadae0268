package locator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dmspipeline/analysismgr/internal/models"
	"github.com/dmspipeline/analysismgr/internal/storage"
)

// ArchivedFile is one entry in the archive index.
type ArchivedFile struct {
	models.RemoteFileDescriptor
	// Path is relative to the index root, e.g. "QC_Shew_24_01/SIC123/x.raw".
	Path string
}

// ArchiveIndex answers which files the deep archive holds for a dataset.
// subdir and pattern are globs; empty values match everything.
type ArchiveIndex interface {
	FindFiles(ctx context.Context, dataset, subdir, pattern string) ([]ArchivedFile, error)
}

// RemoteIndex is an ArchiveIndex over any RemoteFS laid out as
// <prefix>/<dataset>/<subdir>/<file>, typically an S3 archive bucket.
type RemoteIndex struct {
	fs     storage.RemoteFS
	prefix string
}

// NewRemoteIndex creates an ArchiveIndex rooted at prefix on fs.
func NewRemoteIndex(fs storage.RemoteFS, prefix string) *RemoteIndex {
	return &RemoteIndex{fs: fs, prefix: prefix}
}

// FindFiles lists matching entries. With no pattern, every entry of the
// matched directories is returned, subdirectories included.
func (r *RemoteIndex) FindFiles(ctx context.Context, dataset, subdir, pattern string) ([]ArchivedFile, error) {
	root := path.Join(r.prefix, dataset)

	dirs := []string{root}
	if subdir != "" {
		entries, err := r.fs.List(ctx, root)
		if err != nil {
			return nil, r.wrap(dataset, err)
		}
		dirs = dirs[:0]
		for _, e := range entries {
			if e.IsDir && storage.MatchName(subdir, e.Name) {
				dirs = append(dirs, path.Join(root, e.Name))
			}
		}
		if len(dirs) == 0 {
			return nil, nil
		}
	}

	var out []ArchivedFile
	for _, dir := range dirs {
		entries, err := r.fs.List(ctx, dir)
		if err != nil {
			if errors.Is(err, storage.ErrNotExist) {
				continue
			}
			return nil, r.wrap(dataset, err)
		}
		for _, e := range entries {
			if pattern != "" && (e.IsDir || !storage.MatchName(pattern, e.Name)) {
				continue
			}
			rel := path.Join(dir, e.Name)
			if r.prefix != "" {
				rel = strings.TrimPrefix(rel, path.Clean(r.prefix)+"/")
			}
			out = append(out, ArchivedFile{RemoteFileDescriptor: e, Path: rel})
		}
	}
	return out, nil
}

func (r *RemoteIndex) wrap(dataset string, err error) error {
	return fmt.Errorf("archive index %s (%s) for %s: %w", r.fs.Host(), r.fs.Type(), dataset, err)
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/models"
	"github.com/dmspipeline/analysismgr/internal/storage"
)

// ModTimeTolerance absorbs timestamp rounding between filesystems.
const ModTimeTolerance = 2 * time.Second

// NeedsOverwrite decides whether an existing destination is replaced by the
// source. Differing lengths always overwrite. Equal lengths overwrite only
// when the source is newer than the destination by more than
// ModTimeTolerance (UTC).
func NeedsOverwrite(src, dst models.RemoteFileDescriptor) bool {
	if src.Length != dst.Length {
		return true
	}
	return src.ModTime.UTC().Sub(dst.ModTime.UTC()) > ModTimeTolerance
}

// Action is the decision reached by RemoteFastaFilesMatch.
type Action int

const (
	// CopyRequired means the local file must be pushed.
	CopyRequired Action = iota
	// UseExisting means the remote copy already matches.
	UseExisting
)

func (a Action) String() string {
	if a == UseExisting {
		return "use_existing"
	}
	return "copy"
}

// FastaMatch explains a RemoteFastaFilesMatch decision.
type FastaMatch struct {
	Action Action
	Reason string
	Waited time.Duration
}

// RemoteFastaFilesMatch compares a local FASTA file with its copy in
// remoteDir by length and by the names of the "<name>*.hashcheck"
// companions. A shorter remote file may still be arriving from another
// manager, so it is polled until it stops growing or StabilizeWait runs out.
// A longer or otherwise different remote file is always replaced.
func (u *Utility) RemoteFastaFilesMatch(ctx context.Context, localFasta, remoteDir string) (FastaMatch, error) {
	info, err := os.Stat(localFasta)
	if err != nil {
		return FastaMatch{}, fmt.Errorf("stat %s: %w", localFasta, err)
	}
	name := filepath.Base(localFasta)
	remotePath := storage.Join(remoteDir, name)

	remote, err := u.fs.Stat(ctx, remotePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return FastaMatch{Action: CopyRequired, Reason: "remote file missing"}, nil
		}
		return FastaMatch{}, err
	}

	var waited time.Duration
	if remote.Length < info.Size() {
		logging.WithContext(ctx).Info("remote FASTA shorter than local; waiting for other writer",
			zap.String("file", name), zap.String("host", u.fs.Host()),
			zap.Int64("remote_bytes", remote.Length), zap.Int64("local_bytes", info.Size()))

		start := u.now()
		last := remote.Length
		for remote.Length < info.Size() && u.now().Sub(start) < u.cfg.StabilizeWait {
			if err := u.sleep(ctx, u.cfg.StabilizePoll); err != nil {
				return FastaMatch{}, err
			}
			remote, err = u.fs.Stat(ctx, remotePath)
			if err != nil {
				if errors.Is(err, storage.ErrNotExist) {
					return FastaMatch{Action: CopyRequired, Reason: "remote file removed while waiting", Waited: u.now().Sub(start)}, nil
				}
				return FastaMatch{}, err
			}
			if remote.Length == last {
				break
			}
			last = remote.Length
		}
		waited = u.now().Sub(start)
	}

	if remote.Length != info.Size() {
		reason := "remote file longer than local"
		if remote.Length < info.Size() {
			reason = "remote file incomplete"
		}
		return FastaMatch{Action: CopyRequired, Reason: reason, Waited: waited}, nil
	}

	localHash, err := localHashcheckNames(localFasta)
	if err != nil {
		return FastaMatch{}, err
	}
	remoteHash, err := u.remoteHashcheckNames(ctx, remoteDir, name)
	if err != nil {
		return FastaMatch{}, err
	}
	if !sameNames(localHash, remoteHash) {
		return FastaMatch{Action: CopyRequired, Reason: "hashcheck files differ", Waited: waited}, nil
	}
	return FastaMatch{Action: UseExisting, Reason: "length and hashcheck match", Waited: waited}, nil
}

func isHashcheckFor(fasta, candidate string) bool {
	c := strings.ToLower(candidate)
	return strings.HasPrefix(c, strings.ToLower(fasta)) && strings.HasSuffix(c, ".hashcheck")
}

func localHashcheckNames(localFasta string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Dir(localFasta))
	if err != nil {
		return nil, err
	}
	base := filepath.Base(localFasta)
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isHashcheckFor(base, e.Name()) {
			names = append(names, strings.ToLower(e.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (u *Utility) remoteHashcheckNames(ctx context.Context, remoteDir, fasta string) ([]string, error) {
	entries, err := u.fs.List(ctx, remoteDir)
	if err != nil {
		return nil, fmt.Errorf("list %s on %s: %w", remoteDir, u.fs.Host(), err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir && isHashcheckFor(fasta, e.Name) {
			names = append(names, strings.ToLower(e.Name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

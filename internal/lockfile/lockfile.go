// Package lockfile serializes expensive regeneration work (FASTA creation,
// shared-cache pushes) across cooperating processes using "<target>.lock"
// files on shared storage.
//
// A lock is never released automatically. If the owner crashes, the next
// waiter reclaims the lock once it is older than the waiter's max wait.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
	"github.com/dmspipeline/analysismgr/internal/models"
)

// Suffix is appended to the target path to form the lock file path.
const Suffix = ".lock"

// Default polling cadence for WaitOrReclaim.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultLogInterval  = 5 * time.Minute
	DefaultExpireAfter  = time.Hour
)

var (
	// ErrAlreadyExists is returned by Acquire when an unexpired lock is present.
	ErrAlreadyExists = errors.New("lock file already exists")
	// ErrInvalidTarget is returned when the target path itself ends in Suffix.
	ErrInvalidTarget = errors.New("lock target must not end in " + Suffix)
)

// FS is the subset of file operations the lock protocol needs. It is
// satisfied by storage.RemoteFS and by OSFS.
type FS interface {
	Stat(ctx context.Context, p string) (models.RemoteFileDescriptor, error)
	CreateExclusive(ctx context.Context, p string, content []byte) error
	Remove(ctx context.Context, p string) error
}

// OSFS implements FS on the local filesystem using native paths.
type OSFS struct{}

func (OSFS) Stat(_ context.Context, p string) (models.RemoteFileDescriptor, error) {
	info, err := os.Stat(p)
	if err != nil {
		return models.RemoteFileDescriptor{}, err
	}
	return models.RemoteFileDescriptor{
		Name:    info.Name(),
		Length:  info.Size(),
		ModTime: info.ModTime().UTC(),
		IsDir:   info.IsDir(),
	}, nil
}

func (OSFS) CreateExclusive(_ context.Context, p string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (OSFS) Remove(_ context.Context, p string) error {
	err := os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Lock describes a lock file this process created.
type Lock struct {
	TargetPath  string
	Path        string
	Owner       string
	Description string
	CreatedUTC  time.Time
}

// WaitResult reports how WaitOrReclaim ended.
type WaitResult int

const (
	// NoLock means no lock file was present.
	NoLock WaitResult = iota
	// Released means the lock disappeared while waiting.
	Released
	// Reclaimed means an expired lock was deleted by this waiter.
	Reclaimed
)

func (r WaitResult) String() string {
	switch r {
	case NoLock:
		return "no_lock"
	case Released:
		return "released"
	case Reclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// WaitOptions tune WaitOrReclaim polling.
type WaitOptions struct {
	PollInterval time.Duration
	LogInterval  time.Duration
}

// Manager creates, waits on and releases lock files on one FS.
type Manager struct {
	fs    FS
	owner string

	// ExpireAfter is the age at which Acquire treats an existing lock as abandoned.
	ExpireAfter time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Manager over fsys. A nil fsys uses OSFS.
func New(fsys FS) *Manager {
	if fsys == nil {
		fsys = OSFS{}
	}
	host, _ := os.Hostname()
	return &Manager{
		fs:          fsys,
		owner:       fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()),
		ExpireAfter: DefaultExpireAfter,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Owner returns the token written into every lock this Manager creates.
func (m *Manager) Owner() string { return m.owner }

// LockPath returns the lock file path for a target.
func LockPath(targetPath string) string {
	return targetPath + Suffix
}

func validate(targetPath string) error {
	if targetPath == "" || strings.HasSuffix(strings.ToLower(targetPath), Suffix) {
		return fmt.Errorf("%q: %w", targetPath, ErrInvalidTarget)
	}
	return nil
}

// age returns how old the lock file is, or ok=false if it does not exist.
func (m *Manager) age(ctx context.Context, lockPath string) (time.Duration, bool, error) {
	info, err := m.fs.Stat(ctx, lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat lock %s: %w", lockPath, err)
	}
	return m.now().Sub(info.ModTime), true, nil
}

// Acquire creates targetPath+".lock" exclusively. An existing lock younger
// than ExpireAfter yields ErrAlreadyExists; an older one is reclaimed first.
func (m *Manager) Acquire(ctx context.Context, targetPath, description string) (*Lock, error) {
	if err := validate(targetPath); err != nil {
		return nil, err
	}
	lockPath := LockPath(targetPath)

	created := m.now().UTC()
	content := fmt.Sprintf("%s\nCreated: %s\nOwner: %s\n",
		description, created.Format("2006-01-02 15:04:05"), m.owner)

	err := m.fs.CreateExclusive(ctx, lockPath, []byte(content))
	if err != nil && errors.Is(err, fs.ErrExist) {
		age, exists, statErr := m.age(ctx, lockPath)
		if statErr != nil {
			return nil, statErr
		}
		if exists && age < m.ExpireAfter {
			return nil, fmt.Errorf("%s (age %s): %w", lockPath, age.Round(time.Second), ErrAlreadyExists)
		}
		if exists {
			logging.WithContext(ctx).Warn("removing expired lock file",
				zap.String("lock", lockPath), zap.Duration("age", age))
			metrics.RecordLockReclaim()
			if rmErr := m.fs.Remove(ctx, lockPath); rmErr != nil {
				return nil, fmt.Errorf("remove expired lock %s: %w", lockPath, rmErr)
			}
		}
		err = m.fs.CreateExclusive(ctx, lockPath, []byte(content))
		if err != nil && errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrAlreadyExists)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create lock %s: %w", lockPath, err)
	}

	logging.WithContext(ctx).Debug("lock file created", zap.String("lock", lockPath))
	return &Lock{
		TargetPath:  targetPath,
		Path:        lockPath,
		Owner:       m.owner,
		Description: description,
		CreatedUTC:  created,
	}, nil
}

// Release deletes a lock created by Acquire. A missing lock is not an error.
func (m *Manager) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := m.fs.Remove(ctx, lock.Path); err != nil {
		return fmt.Errorf("release lock %s: %w", lock.Path, err)
	}
	return nil
}

// WaitOrReclaim waits for another process's lock on targetPath. A lock
// already older than maxWait is deleted at once. A younger lock is polled
// until it disappears or ages past maxWait, at which point it is deleted.
func (m *Manager) WaitOrReclaim(ctx context.Context, targetPath string, maxWait time.Duration, opts WaitOptions) (WaitResult, error) {
	if err := validate(targetPath); err != nil {
		return NoLock, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = DefaultLogInterval
	}
	lockPath := LockPath(targetPath)

	age, exists, err := m.age(ctx, lockPath)
	if err != nil {
		return NoLock, err
	}
	if !exists {
		return NoLock, nil
	}
	if age >= maxWait {
		return Reclaimed, m.reclaim(ctx, lockPath, age)
	}

	start := m.now()
	lastLog := start
	logging.WithContext(ctx).Info("waiting for lock file held by another process",
		zap.String("lock", lockPath), zap.Duration("age", age), zap.Duration("max_wait", maxWait))

	for {
		if err := m.sleep(ctx, opts.PollInterval); err != nil {
			return NoLock, err
		}

		age, exists, err = m.age(ctx, lockPath)
		if err != nil {
			return NoLock, err
		}
		if !exists {
			metrics.RecordLockWait(m.now().Sub(start))
			logging.WithContext(ctx).Debug("lock file released", zap.String("lock", lockPath))
			return Released, nil
		}
		if age >= maxWait {
			metrics.RecordLockWait(m.now().Sub(start))
			return Reclaimed, m.reclaim(ctx, lockPath, age)
		}

		if m.now().Sub(lastLog) >= opts.LogInterval {
			lastLog = m.now()
			logging.WithContext(ctx).Info("still waiting for lock file",
				zap.String("lock", lockPath),
				zap.Duration("waited", m.now().Sub(start).Round(time.Second)))
		}
	}
}

func (m *Manager) reclaim(ctx context.Context, lockPath string, age time.Duration) error {
	logging.WithContext(ctx).Warn("lock file exceeded max wait; deleting",
		zap.String("lock", lockPath), zap.Duration("age", age.Round(time.Second)))
	metrics.RecordLockReclaim()
	if err := m.fs.Remove(ctx, lockPath); err != nil {
		return fmt.Errorf("remove abandoned lock %s: %w", lockPath, err)
	}
	return nil
}

// WithLock waits for any existing lock on targetPath, acquires its own, runs
// fn and releases the lock. Losing an acquisition race to a sibling waiter
// causes another wait, up to three times.
func (m *Manager) WithLock(ctx context.Context, targetPath, description string, maxWait time.Duration, fn func() error) error {
	var lock *Lock
	for attempt := 1; ; attempt++ {
		if _, err := m.WaitOrReclaim(ctx, targetPath, maxWait, WaitOptions{}); err != nil {
			return err
		}
		var err error
		lock, err = m.Acquire(ctx, targetPath, description)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAlreadyExists) || attempt >= 3 {
			return err
		}
	}
	defer func() {
		if err := m.Release(ctx, lock); err != nil {
			logging.WithContext(ctx).Warn("could not release lock file", zap.String("lock", lock.Path), zap.Error(err))
		}
	}()
	return fn()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

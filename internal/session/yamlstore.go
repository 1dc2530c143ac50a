package session

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meow-stack/recipe-engine/internal/errors"
)

// Lock is an exclusive lock on one session.
type Lock struct {
	file *os.File
	path string
}

// Release releases the lock and removes the lock file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return err
}

// YAMLStore keeps one YAML file per session with atomic writes.
type YAMLStore struct {
	dir string
}

// NewYAMLStore creates the directory if needed and recovers interrupted writes.
func NewYAMLStore(dir string) (*YAMLStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(errors.CodeIOWriteError, err, "creating sessions dir %s", dir)
	}
	if err := recoverInterruptedWrites(dir); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}
	return &YAMLStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *YAMLStore) Dir() string {
	return s.dir
}

func (s *YAMLStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".yaml")
}

// AcquireLock takes an exclusive, non-blocking lock on a session so two
// processes cannot resume it at once.
func (s *YAMLStore) AcquireLock(sessionID string) (*Lock, error) {
	lockPath := s.path(sessionID) + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening session lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("session %s is already running (lock held): %w", sessionID, err)
	}
	return &Lock{file: f, path: lockPath}, nil
}

// recoverInterruptedWrites handles .tmp files left from crashed writes.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")

		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
		} else {
			os.Rename(tmpPath, mainPath)
		}
	}
	return nil
}

// Save writes the snapshot atomically (write-then-rename).
func (s *YAMLStore) Save(_ context.Context, snap *Snapshot) error {
	if snap.SessionID == "" {
		return fmt.Errorf("snapshot has no session id")
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	mainPath := s.path(snap.SessionID)
	tmpPath := mainPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return errors.Wrapf(errors.CodeIOWriteError, err, "writing session %s", snap.SessionID)
	}
	if err := os.Rename(tmpPath, mainPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(errors.CodeIOWriteError, err, "renaming session %s", snap.SessionID)
	}
	return nil
}

// Load reads a session. A non-empty projectPath must match the stored one.
func (s *YAMLStore) Load(_ context.Context, sessionID, projectPath string) (*Snapshot, error) {
	snap, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}
	if projectPath != "" && snap.ProjectPath != projectPath {
		return nil, errors.SessionNotFound(sessionID).WithDetail("project_path", projectPath)
	}
	return snap, nil
}

func (s *YAMLStore) read(sessionID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.SessionNotFound(sessionID)
		}
		return nil, errors.Wrapf(errors.CodeIOReadError, err, "reading session %s", sessionID)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", sessionID, err)
	}
	return &snap, nil
}

// List returns sessions, most recently updated first. Unreadable files are skipped.
func (s *YAMLStore) List(_ context.Context, projectPath string) ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []*Snapshot
	for _, entry := range entries {
		name := entry.Name()
		// .yaml.tmp and .yaml.lock do not end in .yaml
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		snap, err := s.read(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		if projectPath != "" && snap.ProjectPath != projectPath {
			continue
		}
		out = append(out, snap)
	}
	sortByUpdated(out)
	return out, nil
}

// Delete removes a session.
func (s *YAMLStore) Delete(ctx context.Context, sessionID, projectPath string) error {
	if _, err := s.Load(ctx, sessionID, projectPath); err != nil {
		return err
	}
	if err := os.Remove(s.path(sessionID)); err != nil {
		return errors.Wrapf(errors.CodeIOWriteError, err, "deleting session %s", sessionID)
	}
	return nil
}

// Cleanup deletes sessions last updated before cutoff.
func (s *YAMLStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := s.List(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, snap := range all {
		if !snap.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.path(snap.SessionID)); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(errors.CodeIOWriteError, err, "deleting session %s", snap.SessionID)
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op. Locks are released through Lock.Release.
func (s *YAMLStore) Close() error {
	return nil
}

func sortByUpdated(snaps []*Snapshot) {
	slices.SortStableFunc(snaps, func(a, b *Snapshot) int {
		return cmp.Compare(b.UpdatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	})
}

var _ Store = (*YAMLStore)(nil)

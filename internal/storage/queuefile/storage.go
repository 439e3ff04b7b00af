package queuefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/aliskhannn/upscaler/internal/model"
)

const (
	documentName = "queue.json"
	backupName   = "queue.json.bak"
	lockName     = "queue.lock"
)

var (
	// ErrQueueBusy means another application instance holds the queue lock.
	ErrQueueBusy = errors.New("queue busy: locked by another instance")

	// ErrNotLocked is returned by Load and Save outside the lock.
	ErrNotLocked = errors.New("queue lock not held")

	// ErrQueueCorrupted is the cause attached to a Recovery. Load never returns it.
	ErrQueueCorrupted = errors.New("queue document corrupted")
)

// RecoveryKind tells how Load dealt with a corrupted document.
type RecoveryKind string

const (
	RecoveryNone   RecoveryKind = ""
	RecoveryBackup RecoveryKind = "restored_from_backup"
	RecoveryEmpty  RecoveryKind = "reset_to_empty"
)

// Recovery describes a corruption that Load repaired on its own.
type Recovery struct {
	Kind           RecoveryKind
	QuarantinePath string // where the bad document was moved, empty if the move failed
	Cause          error  // wraps ErrQueueCorrupted
}

// Recovered reports whether the loaded snapshot came from a recovery path.
func (r Recovery) Recovered() bool {
	return r.Kind != RecoveryNone
}

// Storage persists the queue snapshot as a single JSON document guarded by
// a cross-process advisory lock. It keeps one rolling backup of the last
// valid document and quarantines documents that fail validation.
type Storage struct {
	dir            string
	path           string
	backupPath     string
	lock           *flock.Flock
	defaultWorkers int
	log            zerolog.Logger
	now            func() time.Time
}

// NewStorage creates a Storage rooted at dir, creating the directory if needed.
// defaultWorkers seeds the worker count of a snapshot created from scratch.
func NewStorage(dir string, defaultWorkers int, log zerolog.Logger) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	return &Storage{
		dir:            dir,
		path:           filepath.Join(dir, documentName),
		backupPath:     filepath.Join(dir, backupName),
		lock:           flock.New(filepath.Join(dir, lockName)),
		defaultWorkers: defaultWorkers,
		log:            log.With().Str("component", "queuefile").Logger(),
		now:            time.Now,
	}, nil
}

// Dir returns the directory holding the queue document.
func (s *Storage) Dir() string { return s.dir }

// Path returns the location of the queue document.
func (s *Storage) Path() string { return s.path }

// Lock takes the advisory lock without waiting. If another process holds it
// Lock fails with ErrQueueBusy. Locking twice from the same Storage is a no-op.
func (s *Storage) Lock() error {
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	if !ok {
		return ErrQueueBusy
	}
	return nil
}

// Unlock releases the advisory lock.
func (s *Storage) Unlock() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", s.lock.Path(), err)
	}
	return nil
}

// Locked reports whether this Storage currently holds the lock.
func (s *Storage) Locked() bool { return s.lock.Locked() }

// Load reads the queue document. An absent document yields an empty
// snapshot. A document that fails validation is quarantined and replaced by
// the backup, or by an empty snapshot when no valid backup exists; that path
// is reported through Recovery and never as an error.
func (s *Storage) Load() (*model.Snapshot, Recovery, error) {
	if !s.Locked() {
		return nil, Recovery{}, ErrNotLocked
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.NewSnapshot(s.defaultWorkers), Recovery{}, nil
	}
	if err != nil {
		return nil, Recovery{}, fmt.Errorf("failed to read queue document: %w", err)
	}

	snap, err := decode(data)
	if err == nil {
		return snap, Recovery{}, nil
	}

	snap, rec := s.recover(err)
	return snap, rec, nil
}

// Save writes snap atomically. The document being replaced is first copied
// into the backup slot, provided it is itself valid.
func (s *Storage) Save(snap *model.Snapshot) error {
	if !s.Locked() {
		return ErrNotLocked
	}

	snap.Version = model.SnapshotVersion
	snap.UpdatedAt = s.now().UTC()
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid snapshot: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.rotateBackup(); err != nil {
		s.log.Warn().Err(err).Msg("failed to rotate queue backup")
	}

	if err := s.writeFile(s.path, data); err != nil {
		return fmt.Errorf("failed to write queue document: %w", err)
	}

	return nil
}

// recover quarantines the current document and falls back to the backup.
func (s *Storage) recover(cause error) (*model.Snapshot, Recovery) {
	rec := Recovery{Cause: fmt.Errorf("%w: %v", ErrQueueCorrupted, cause)}

	quarantine := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(s.path, quarantine); err != nil {
		s.log.Error().Err(err).Msg("failed to quarantine corrupted queue document")
	} else {
		rec.QuarantinePath = quarantine
	}

	log := s.log.Warn().Err(cause).Str("quarantine", rec.QuarantinePath)

	data, err := os.ReadFile(s.backupPath)
	if err == nil {
		snap, err := decode(data)
		if err == nil {
			rec.Kind = RecoveryBackup
			log.Msg("queue document corrupted, restored from backup")
			return snap, rec
		}
		s.log.Error().Err(err).Msg("queue backup is also invalid")
	}

	rec.Kind = RecoveryEmpty
	log.Msg("queue document corrupted and no usable backup, starting empty")
	return model.NewSnapshot(s.defaultWorkers), rec
}

func (s *Storage) rotateBackup() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	// A corrupt document never overwrites a good backup.
	if _, err := decode(data); err != nil {
		return nil
	}

	return s.writeFile(s.backupPath, data)
}

// writeFile replaces path with data through a temporary file in the queue
// directory.
func (s *Storage) writeFile(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o644, renameio.WithTempDir(s.dir))
}

func decode(data []byte) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

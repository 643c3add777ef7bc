package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/models"
)

const (
	keyPrefix        = "job:"
	DefaultTTL       = 7 * 24 * time.Hour
	DefaultMaxErrors = 3
)

// ErrNotFound is returned by Get when no state exists for the job.
var ErrNotFound = errors.New("job state not found")

type Options struct {
	// TTL bounds how long an abandoned job's state is retained.
	TTL time.Duration
	// MaxErrors is the number of consecutive recorded errors after which a
	// job is no longer resumable.
	MaxErrors int
	Logger    *zap.Logger
}

// Store persists JobState records in badger, one key per job. It is the single
// source of truth for what a job has already done.
type Store struct {
	db        *badger.DB
	ttl       time.Duration
	maxErrors int
	log       *zap.Logger
	now       func() time.Time
}

// Open opens the store at dir, or in memory when inMemory is set.
func Open(dir string, inMemory bool, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	db, err := openBadger(dir, inMemory, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:        db,
		ttl:       opts.TTL,
		maxErrors: opts.MaxErrors,
		log:       opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) MaxErrors() int { return s.maxErrors }

// Initialize loads the state of jobID and marks it resumed when it is still
// resumable. Otherwise a fresh state in phase initialized replaces whatever
// was stored.
func (s *Store) Initialize(ctx context.Context, jobID, documentID string, attempt int) (*models.JobState, error) {
	if attempt < 1 {
		attempt = 1
	}
	existing, err := s.Get(ctx, jobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil && existing.CanResume {
		from := existing.CurrentPhase
		existing.ResumedFrom = &from
		if attempt > existing.AttemptNumber {
			existing.AttemptNumber = attempt
		} else {
			existing.AttemptNumber++
		}
		if err := s.Save(ctx, existing); err != nil {
			return nil, err
		}
		s.log.Info("JobState: resuming job",
			zap.String("job_id", jobID),
			zap.String("phase", string(from)),
			zap.Int("attempt", existing.AttemptNumber))
		return existing, nil
	}

	if existing != nil {
		s.log.Warn("JobState: discarding non-resumable state",
			zap.String("job_id", jobID),
			zap.Int("error_count", existing.ErrorCount))
	}

	now := s.now()
	st := &models.JobState{
		JobID:          jobID,
		DocumentID:     documentID,
		CurrentPhase:   models.PhaseInitialized,
		Checkpoints:    []models.Checkpoint{},
		Metadata:       map[string]string{},
		StartedAt:      now,
		LastProgressAt: now,
		AttemptNumber:  attempt,
		CanResume:      true,
	}
	if err := s.put(st, nil); err != nil {
		return nil, err
	}
	return st, nil
}

// Save persists st. Progress counters may not move backwards relative to the
// stored record, and the cross-counter invariants must hold.
func (s *Store) Save(ctx context.Context, st *models.JobState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := st.Progress.CheckInvariants(); err != nil {
		return errs.Wrap(errs.CodeStateInvariant, err, "save job %s", st.JobID)
	}
	st.LastProgressAt = s.now()
	return s.put(st, func(prev *models.JobState) error {
		if !prev.StartedAt.Equal(st.StartedAt) {
			return nil
		}
		if name, regressed := prev.Progress.Regressed(st.Progress); regressed {
			return errs.New(errs.CodeStateInvariant, "job %s: %s moved backwards", st.JobID, name)
		}
		if len(st.Checkpoints) < len(prev.Checkpoints) {
			return errs.New(errs.CodeStateInvariant, "job %s: checkpoints retracted", st.JobID)
		}
		return nil
	})
}

// BeginPhase moves the job into a working phase such as downloading.
func (s *Store) BeginPhase(ctx context.Context, st *models.JobState, phase models.Phase) error {
	if phase.Order() > st.CurrentPhase.Order() {
		st.CurrentPhase = phase
	}
	return s.Save(ctx, st)
}

// CompletePhase appends the checkpoint for phase and advances the job. A
// phase that is already checkpointed is left untouched.
func (s *Store) CompletePhase(ctx context.Context, st *models.JobState, phase models.Phase, data map[string]string) error {
	if HasCompletedPhase(st, phase) {
		return nil
	}
	st.Checkpoints = append(st.Checkpoints, models.Checkpoint{
		Phase:     phase,
		Timestamp: s.now(),
		Data:      data,
	})
	if phase.Order() > st.CurrentPhase.Order() {
		st.CurrentPhase = phase
	}
	st.ErrorCount = 0
	return s.Save(ctx, st)
}

// UpdateProgress applies fn to a copy of the job's progress and persists the
// result. Updates that move a counter backwards or break the ordering between
// counters are rejected and leave st unchanged.
func (s *Store) UpdateProgress(ctx context.Context, st *models.JobState, fn func(p *models.Progress)) error {
	next := st.Progress
	fn(&next)
	if name, regressed := st.Progress.Regressed(next); regressed {
		return errs.New(errs.CodeStateInvariant, "job %s: %s moved backwards", st.JobID, name)
	}
	if err := next.CheckInvariants(); err != nil {
		return errs.Wrap(errs.CodeStateInvariant, err, "job %s", st.JobID)
	}
	prev := st.Progress
	st.Progress = next
	if err := s.Save(ctx, st); err != nil {
		st.Progress = prev
		return err
	}
	return nil
}

// SetMetadata records a free-form key on the job and persists it.
func (s *Store) SetMetadata(ctx context.Context, st *models.JobState, key, value string) error {
	if st.Metadata == nil {
		st.Metadata = map[string]string{}
	}
	st.Metadata[key] = value
	return s.Save(ctx, st)
}

// HasCompletedPhase reports whether phase has a checkpoint.
func HasCompletedPhase(st *models.JobState, phase models.Phase) bool {
	_, ok := st.Checkpoint(phase)
	return ok
}

// RecordError stores err against the job. Once MaxErrors consecutive errors
// have been recorded the job stops being resumable.
func (s *Store) RecordError(ctx context.Context, st *models.JobState, err error, phase models.Phase) error {
	st.ErrorCount++
	st.LastError = &models.JobError{
		Message:   err.Error(),
		Code:      string(errs.CodeOf(err)),
		Phase:     phase,
		Timestamp: s.now(),
	}
	if st.ErrorCount >= s.maxErrors {
		st.CanResume = false
	}
	s.log.Warn("JobState: recorded error",
		zap.String("job_id", st.JobID),
		zap.String("phase", string(phase)),
		zap.Int("error_count", st.ErrorCount),
		zap.Bool("can_resume", st.CanResume),
		zap.Error(err))
	// A cancelled caller must still be able to record why it stopped.
	return s.Save(context.WithoutCancel(ctx), st)
}

// MarkCompleted moves the job to the completed phase.
func (s *Store) MarkCompleted(ctx context.Context, st *models.JobState) error {
	now := s.now()
	st.CompletedAt = &now
	return s.CompletePhase(ctx, st, models.PhaseCompleted, nil)
}

// MarkFailed moves the job to the terminal failed phase.
func (s *Store) MarkFailed(ctx context.Context, st *models.JobState) error {
	st.CurrentPhase = models.PhaseFailed
	st.CanResume = false
	return s.Save(context.WithoutCancel(ctx), st)
}

// Get loads the state of jobID.
func (s *Store) Get(ctx context.Context, jobID string) (*models.JobState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var st *models.JobState
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		st, err = read(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	return st, nil
}

// Delete removes the state of jobID. Deleting a missing job is not an error.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(jobID))
	})
}

func (s *Store) put(st *models.JobState, check func(prev *models.JobState) error) error {
	val, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if check != nil {
			prev, err := read(txn, st.JobID)
			if err != nil {
				return err
			}
			if prev != nil {
				if err := check(prev); err != nil {
					return err
				}
			}
		}
		return txn.SetEntry(badger.NewEntry(key(st.JobID), val).WithTTL(s.ttl))
	})
}

func read(txn *badger.Txn, jobID string) (*models.JobState, error) {
	item, err := txn.Get(key(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job state: %w", err)
	}
	var st models.JobState
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &st)
	})
	if err != nil {
		return nil, fmt.Errorf("decode job state: %w", err)
	}
	return &st, nil
}

func key(jobID string) []byte {
	return []byte(keyPrefix + jobID)
}

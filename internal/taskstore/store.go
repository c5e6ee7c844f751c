// Package taskstore is the single source of truth for conversion task state.
//
// Each task has its own writer lock so unrelated tasks never contend. Every
// committed update publishes a fresh immutable record through an atomic
// pointer, so readers take snapshots without locking and never observe a
// half-applied mutation. A task leaves memory once its terminal record is
// persisted; later reads are served from the repository.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
)

var (
	// ErrTaskNotFound is returned for ids the store has never seen.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when creating a task under a used id.
	ErrTaskExists = errors.New("task already exists")
	// ErrTerminalState is returned when mutating a completed, failed or canceled task.
	ErrTerminalState = errors.New("task is in a terminal state")
	// ErrInvalidTransition is returned for a state change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrProgressRegression is returned when an update would move progress backwards.
	ErrProgressRegression = errors.New("progress cannot decrease")
)

const (
	logFmtPersistFailed = "Failed to persist task %s (version %d): %v"
)

// Repository persists task records across restarts.
type Repository interface {
	Save(ctx context.Context, task *core.ConversionTask) error
	Get(ctx context.Context, id string) (*core.ConversionTask, error)
	LoadNonTerminal(ctx context.Context) ([]*core.ConversionTask, error)
	ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*core.ConversionTask, error)
	Delete(ctx context.Context, id string) error
}

type entry struct {
	mu     sync.Mutex
	record atomic.Pointer[core.ConversionTask]
}

// Store holds live tasks in memory and mirrors task-level fields to a Repository.
type Store struct {
	entries sync.Map // task id -> *entry
	repo    Repository
	log     *logger.Logger
	now     func() time.Time

	// downloads serializes download counting on records that are no longer resident.
	downloads sync.Mutex
}

// New creates a Store backed by repo.
func New(repo Repository, log *logger.Logger) *Store {
	return &Store{repo: repo, log: log, now: time.Now}
}

// SetClock replaces the time source used for UpdatedAt and CompletedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create registers a new task and persists it.
func (s *Store) Create(ctx context.Context, task *core.ConversionTask) error {
	record := task.Clone()

	stamp := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = stamp
	}

	record.UpdatedAt = stamp
	record.Version = 1

	invariantErr := record.CheckInvariants()
	if invariantErr != nil {
		return fmt.Errorf("refusing to create task: %w", invariantErr)
	}

	fresh := &entry{}
	fresh.record.Store(record)

	_, loaded := s.entries.LoadOrStore(record.ID, fresh)
	if loaded {
		return fmt.Errorf("%w: %s", ErrTaskExists, record.ID)
	}

	_, getErr := s.repo.Get(ctx, record.ID)
	if !errors.Is(getErr, ErrRecordNotFound) {
		s.entries.Delete(record.ID)

		if getErr == nil {
			return fmt.Errorf("%w: %s", ErrTaskExists, record.ID)
		}

		return fmt.Errorf("failed to create task %s: %w", record.ID, getErr)
	}

	saveErr := s.repo.Save(ctx, record)
	if saveErr != nil {
		s.entries.Delete(record.ID)

		return fmt.Errorf("failed to create task %s: %w", record.ID, saveErr)
	}

	return nil
}

// Snapshot returns the caller-visible view of a task. Live tasks are read
// lock-free; tasks no longer resident fall back to the repository.
func (s *Store) Snapshot(ctx context.Context, id string) (core.TaskSnapshot, error) {
	record, err := s.Record(ctx, id)
	if err != nil {
		return core.TaskSnapshot{}, err
	}

	return record.Snapshot(), nil
}

// Record returns the full record. The result is shared and must not be mutated.
func (s *Store) Record(ctx context.Context, id string) (*core.ConversionTask, error) {
	if current, ok := s.load(id); ok {
		return current.record.Load(), nil
	}

	return s.persisted(ctx, id)
}

// Update applies mutate to a private copy of the task under the task's writer
// lock, validates the result and publishes it. A mutate error aborts the
// update without side effects.
func (s *Store) Update(
	ctx context.Context,
	id string,
	mutate func(task *core.ConversionTask) error,
) (*core.ConversionTask, error) {
	current, err := s.resident(ctx, id)
	if err != nil {
		return nil, err
	}

	current.mu.Lock()
	defer current.mu.Unlock()

	previous := current.record.Load()
	if previous.State.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTerminalState, id, previous.State)
	}

	next := previous.Clone()

	mutateErr := mutate(next)
	if mutateErr != nil {
		return nil, mutateErr
	}

	checkErr := checkUpdate(previous, next)
	if checkErr != nil {
		return nil, fmt.Errorf("task %s: %w", id, checkErr)
	}

	if next.State.Terminal() {
		next.Chunks = nil
	}

	next.Version = previous.Version + 1
	next.UpdatedAt = s.now().UTC()

	if next.State == core.StateCompleted {
		next.CompletedAt = next.UpdatedAt
	}

	current.record.Store(next)

	saved := s.persist(ctx, previous, next)
	if saved && next.State.Terminal() {
		s.entries.CompareAndDelete(id, current)
	}

	return next, nil
}

// RecordDownload counts one full download of a completed task's artifact.
// Download counts are bookkeeping outside the state machine, so terminal
// records accept them. Records that already left memory are updated in the
// repository without being made resident again.
func (s *Store) RecordDownload(ctx context.Context, id string) error {
	s.downloads.Lock()
	defer s.downloads.Unlock()

	if current, ok := s.load(id); ok {
		current.mu.Lock()
		defer current.mu.Unlock()

		next, err := s.saveDownload(ctx, current.record.Load())
		if err != nil {
			return err
		}

		current.record.Store(next)

		if next.State.Terminal() {
			s.entries.CompareAndDelete(id, current)
		}

		return nil
	}

	record, err := s.persisted(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.saveDownload(ctx, record)

	return err
}

func (s *Store) saveDownload(ctx context.Context, record *core.ConversionTask) (*core.ConversionTask, error) {
	next := record.Clone()
	next.DownloadCount++
	next.Version++
	next.UpdatedAt = s.now().UTC()

	saveErr := s.repo.Save(ctx, next)
	if saveErr != nil {
		return nil, fmt.Errorf("failed to record download of task %s: %w", record.ID, saveErr)
	}

	return next, nil
}

// LoadNonTerminal makes every persisted non-terminal task resident and
// returns their ids.
func (s *Store) LoadNonTerminal(ctx context.Context) ([]string, error) {
	tasks, err := s.repo.LoadNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load interrupted tasks: %w", err)
	}

	ids := make([]string, 0, len(tasks))

	for _, task := range tasks {
		fresh := &entry{}
		fresh.record.Store(task)
		s.entries.LoadOrStore(task.ID, fresh)
		ids = append(ids, task.ID)
	}

	return ids, nil
}

// CompletedBefore lists tasks that completed before cutoff.
func (s *Store) CompletedBefore(ctx context.Context, cutoff time.Time) ([]*core.ConversionTask, error) {
	tasks, err := s.repo.ListCompletedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tasks: %w", err)
	}

	return tasks, nil
}

// Delete forgets a task in memory and in the repository.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.entries.Delete(id)

	return s.repo.Delete(ctx, id)
}

func (s *Store) load(id string) (*entry, bool) {
	value, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}

	current, isEntry := value.(*entry)

	return current, isEntry
}

func (s *Store) persisted(ctx context.Context, id string) (*core.ConversionTask, error) {
	record, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if err != nil {
		return nil, err
	}

	return record, nil
}

// resident returns the live entry for id, promoting a persisted record when
// the task is not in memory. Terminal records are never promoted.
func (s *Store) resident(ctx context.Context, id string) (*entry, error) {
	if current, ok := s.load(id); ok {
		return current, nil
	}

	record, err := s.persisted(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.State.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTerminalState, id, record.State)
	}

	fresh := &entry{}
	fresh.record.Store(record)

	value, _ := s.entries.LoadOrStore(id, fresh)

	current, _ := value.(*entry)

	return current, nil
}

// persist mirrors task-level changes and reports whether next was written;
// chunk-only updates stay in memory. The in-memory record stays
// authoritative when a write fails.
func (s *Store) persist(ctx context.Context, previous, next *core.ConversionTask) bool {
	if previous.State == next.State && previous.Progress == next.Progress {
		return false
	}

	saveErr := s.repo.Save(context.WithoutCancel(ctx), next)
	if saveErr != nil {
		s.log.Error(logFmtPersistFailed, next.ID, next.Version, saveErr)

		return false
	}

	return true
}

func checkUpdate(previous, next *core.ConversionTask) error {
	if next.ID != previous.ID || next.UserID != previous.UserID || next.DocumentRef != previous.DocumentRef {
		return fmt.Errorf("%w: identity fields are immutable", ErrInvalidTransition)
	}

	if next.Voice != previous.Voice {
		return fmt.Errorf("%w: voice parameters are immutable", ErrInvalidTransition)
	}

	if next.State != previous.State && !previous.State.CanTransition(next.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, previous.State, next.State)
	}

	if next.Progress.CompletedChunks < previous.Progress.CompletedChunks {
		return fmt.Errorf("%w: %d -> %d", ErrProgressRegression,
			previous.Progress.CompletedChunks, next.Progress.CompletedChunks)
	}

	if previous.Progress.TotalChunks > 0 && next.Progress.TotalChunks != previous.Progress.TotalChunks {
		return fmt.Errorf("%w: total chunks fixed at %d", ErrInvalidTransition, previous.Progress.TotalChunks)
	}

	return next.CheckInvariants()
}

// Package orchestrator drives conversion tasks through extraction, chunking,
// per-chunk synthesis and assembly.
//
// Submitted tasks wait in a bounded queue consumed by a fixed pool of
// workers. Each task fans its chunks out to the task's engine with bounded
// concurrency; chunk completions land in any order and the assembler restores
// document order. All state changes go through the task store, which rejects
// anything after a terminal state, so late completions from a canceled or
// timed-out task cannot alter it.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/taskstore"
	"github.com/book-expert/narrator-service/internal/tts"
	"github.com/book-expert/narrator-service/internal/tts/audio"
	ttstext "github.com/book-expert/narrator-service/internal/tts/text"
	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = taskstore.ErrTaskNotFound
	// ErrAlreadyTerminal is returned when canceling a finished task.
	ErrAlreadyTerminal = errors.New("task already finished")
	// ErrNotCompleted is returned when requesting audio of an unfinished task.
	ErrNotCompleted = errors.New("task has no audio yet")
	// ErrQueueClosed is returned by Submit once the orchestrator stopped.
	ErrQueueClosed = errors.New("conversion queue is closed")
	// ErrMissingDependency is returned by New when a collaborator is nil.
	ErrMissingDependency = errors.New("missing orchestrator dependency")

	errCanceledByCaller = errors.New("canceled by caller")
	errTaskTimedOut     = errors.New("no progress within the task timeout")
)

const (
	notifyTimeout   = 10 * time.Second
	minWatchdogTick = 10 * time.Millisecond
)

const (
	logFmtSubmitted      = "Task %s submitted by %s for document %s (engine %s)"
	logFmtTransition     = "Task %s entered %s"
	logFmtChunked        = "Task %s split into %d chunks"
	logFmtChunkDone      = "Task %s chunk %d/%d done"
	logFmtChunkFailed    = "Task %s chunk %d failed after %d attempts: %v"
	logFmtTaskFailed     = "Task %s failed (%s): %v"
	logFmtTaskCompleted  = "Task %s completed: %s"
	logFmtTaskCanceled   = "Task %s canceled"
	logFmtTaskTimedOut   = "Task %s made no progress for %s, failing it"
	logFmtRecovered      = "Task %s was interrupted by a restart, marked failed"
	logFmtNotifyFailed   = "Failed to publish completion of task %s: %v"
	logFmtDocumentUpdate = "Failed to record %s on document %s: %v"
	logFmtWorkersStarted = "Started %d conversion workers"
	logFmtReleaseFailed  = "Failed to return quota reservation of user %s: %v"
)

// Config tunes the pipeline.
type Config struct {
	Workers          int
	QueueSize        int
	MaxChunkChars    int
	ChunkConcurrency int
	TaskTimeout      time.Duration
	WatchdogInterval time.Duration
	DefaultEngine    string
	Languages        []string
	NormalizeSpeech  bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}

	if c.QueueSize <= 0 {
		c.QueueSize = 1
	}

	if c.ChunkConcurrency <= 0 {
		c.ChunkConcurrency = 1
	}

	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 15 * time.Minute
	}

	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = max(c.TaskTimeout/10, minWatchdogTick)
	}

	return c
}

// Dependencies are the collaborators the orchestrator drives.
type Dependencies struct {
	Store     *taskstore.Store
	Documents core.DocumentStore
	Quota     core.QuotaLimiter
	Extractor core.Extractor
	Engines   *tts.Registry
	Retrier   *tts.Retrier
	Assembler *audio.Assembler
	Blobs     core.ObjectStore
	// Notifier is optional.
	Notifier core.Notifier
	Log      *logger.Logger
}

// Orchestrator owns every task from submission until it reaches a terminal state.
type Orchestrator struct {
	cfg        Config
	deps       Dependencies
	log        *logger.Logger
	queue      chan string
	running    sync.Map // task id -> *run
	normalizer *ttstext.Preprocessor
	now        func() time.Time

	mu      sync.RWMutex
	stopped bool
}

// New validates the dependencies and builds an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	required := map[string]bool{
		"store":     deps.Store == nil,
		"documents": deps.Documents == nil,
		"quota":     deps.Quota == nil,
		"extractor": deps.Extractor == nil,
		"engines":   deps.Engines == nil,
		"retrier":   deps.Retrier == nil,
		"assembler": deps.Assembler == nil,
		"blobs":     deps.Blobs == nil,
		"logger":    deps.Log == nil,
	}

	for name, missing := range required {
		if missing {
			return nil, fmt.Errorf("%w: %s", ErrMissingDependency, name)
		}
	}

	cfg = cfg.withDefaults()

	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Log,
		queue:      make(chan string, cfg.QueueSize),
		normalizer: ttstext.NewPreprocessor(),
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source used for quota reservations and the watchdog.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Submit validates the request, reserves the user's quota and queues a new
// task. Invalid voice parameters, unknown documents and an exhausted quota
// are rejected without creating a task. A submission that reserved quota but
// produced no runnable task returns the reservation.
func (o *Orchestrator) Submit(
	ctx context.Context,
	userID string,
	documentRef string,
	voice core.VoiceParams,
) (string, error) {
	voice = voice.WithDefaults(o.cfg.DefaultEngine)

	validateErr := voice.Validate(o.cfg.Languages)
	if validateErr != nil {
		return "", validateErr
	}

	_, engineErr := o.deps.Engines.Get(voice.Engine)
	if engineErr != nil {
		return "", engineErr
	}

	exists, err := o.deps.Documents.Exists(ctx, documentRef)
	if err != nil {
		return "", fmt.Errorf("failed to resolve document %s: %w", documentRef, err)
	}

	if !exists {
		return "", core.Errorf(core.KindDocumentNotFound, "document %s not found", documentRef)
	}

	if o.isStopped() {
		return "", ErrQueueClosed
	}

	reservedAt := o.now()

	quotaErr := o.deps.Quota.Reserve(ctx, userID, reservedAt)
	if quotaErr != nil {
		return "", quotaErr
	}

	task := &core.ConversionTask{
		ID:          uuid.NewString(),
		UserID:      userID,
		DocumentRef: documentRef,
		Voice:       voice,
		State:       core.StateQueued,
	}

	createErr := o.deps.Store.Create(ctx, task)
	if createErr != nil {
		o.release(ctx, userID, reservedAt)

		return "", createErr
	}

	select {
	case o.queue <- task.ID:
	case <-ctx.Done():
		_, _ = o.terminate(task.ID, core.StateFailed, core.KindInternal)
		o.release(ctx, userID, reservedAt)

		return "", fmt.Errorf("failed to queue task %s: %w", task.ID, ctx.Err())
	}

	o.log.Info(logFmtSubmitted, task.ID, userID, documentRef, voice.Engine)

	return task.ID, nil
}

func (o *Orchestrator) release(ctx context.Context, userID string, reservedAt time.Time) {
	err := o.deps.Quota.Release(context.WithoutCancel(ctx), userID, reservedAt)
	if err != nil {
		o.log.Warn(logFmtReleaseFailed, userID, err)
	}
}

// Status returns a snapshot of the task. Repeated calls without an
// intervening change return identical snapshots.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (core.TaskSnapshot, error) {
	return o.deps.Store.Snapshot(ctx, taskID)
}

// Cancel moves a non-terminal task to canceled. Chunk syntheses in flight
// finish in the background and their results are discarded.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (core.TaskSnapshot, error) {
	record, err := o.terminate(taskID, core.StateCanceled, core.KindCanceled)
	if errors.Is(err, taskstore.ErrTerminalState) {
		return core.TaskSnapshot{}, fmt.Errorf("%w: %s", ErrAlreadyTerminal, taskID)
	}

	if err != nil {
		return core.TaskSnapshot{}, err
	}

	if value, ok := o.running.Load(taskID); ok {
		if active, isRun := value.(*run); isRun {
			active.cancel(errCanceledByCaller)
		}
	}

	o.log.Info(logFmtTaskCanceled, taskID)

	return o.deps.Store.Snapshot(ctx, record.ID)
}

// OpenArtifact returns the artifact of a completed task and a seekable reader
// over its bytes.
func (o *Orchestrator) OpenArtifact(ctx context.Context, taskID string) (core.ArtifactRef, io.ReadSeeker, error) {
	snapshot, err := o.deps.Store.Snapshot(ctx, taskID)
	if err != nil {
		return core.ArtifactRef{}, nil, err
	}

	if snapshot.State != core.StateCompleted || snapshot.Artifact == nil {
		return core.ArtifactRef{}, nil, fmt.Errorf("%w: task %s is %s", ErrNotCompleted, taskID, snapshot.State)
	}

	data, err := o.deps.Blobs.Download(ctx, snapshot.Artifact.Key)
	if err != nil {
		return core.ArtifactRef{}, nil, fmt.Errorf("failed to read artifact of task %s: %w", taskID, err)
	}

	return *snapshot.Artifact, bytes.NewReader(data), nil
}

// RecordDownload counts one full download of a task's audio.
func (o *Orchestrator) RecordDownload(ctx context.Context, taskID string) error {
	return o.deps.Store.RecordDownload(ctx, taskID)
}

// Recover fails every task a previous process left in a transient state.
// Call it before Run and before accepting submissions.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	ids, err := o.deps.Store.LoadNonTerminal(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0

	for _, id := range ids {
		_, terminateErr := o.terminate(id, core.StateFailed, core.KindWorkerRestarted)
		if terminateErr != nil {
			o.log.Warn(logFmtTaskFailed, id, core.KindWorkerRestarted, terminateErr)

			continue
		}

		o.log.Warn(logFmtRecovered, id)

		recovered++
	}

	return recovered, nil
}

// Run starts the workers and the progress watchdog and blocks until ctx is
// done. Tasks still running at that point are recorded as WorkerRestarted.
func (o *Orchestrator) Run(ctx context.Context) error {
	var workers sync.WaitGroup

	for range o.cfg.Workers {
		workers.Add(1)

		go func() {
			defer workers.Done()

			o.work(ctx)
		}()
	}

	workers.Add(1)

	go func() {
		defer workers.Done()

		o.watch(ctx)
	}()

	o.log.System(logFmtWorkersStarted, o.cfg.Workers)

	<-ctx.Done()

	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	workers.Wait()

	return nil
}

func (o *Orchestrator) isStopped() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.stopped
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-o.queue:
			o.process(ctx, taskID)
		}
	}
}

// process runs one task to a terminal state.
func (o *Orchestrator) process(ctx context.Context, taskID string) {
	taskCtx, cancel := context.WithCancelCause(ctx)
	active := newRun(taskID, cancel, o.now())

	o.running.Store(taskID, active)

	defer func() {
		o.running.Delete(taskID)
		cancel(nil)
	}()

	err := o.pipeline(taskCtx, active)
	if err == nil {
		return
	}

	if taskCtx.Err() != nil {
		cause := context.Cause(taskCtx)
		if errors.Is(cause, errCanceledByCaller) || errors.Is(cause, errTaskTimedOut) {
			return
		}

		_, _ = o.terminate(taskID, core.StateFailed, core.KindWorkerRestarted)

		return
	}

	if errors.Is(err, taskstore.ErrTerminalState) {
		return
	}

	kind := core.KindOf(err)
	o.log.Error(logFmtTaskFailed, taskID, kind, err)

	_, terminateErr := o.terminate(taskID, core.StateFailed, kind)
	if terminateErr != nil && !errors.Is(terminateErr, taskstore.ErrTerminalState) {
		o.log.Error(logFmtTaskFailed, taskID, kind, terminateErr)
	}
}

// terminate records a terminal state with the kind's caller-facing message
// and publishes the completion notice.
func (o *Orchestrator) terminate(taskID string, state core.TaskState, kind core.ErrorKind) (*core.ConversionTask, error) {
	record, err := o.deps.Store.Update(context.Background(), taskID, func(task *core.ConversionTask) error {
		task.State = state
		task.Error = &core.TaskError{Kind: kind, Message: kind.Message()}
		task.Artifact = nil

		return nil
	})
	if err != nil {
		return nil, err
	}

	o.notify(record)

	return record, nil
}

func (o *Orchestrator) notify(record *core.ConversionTask) {
	if o.deps.Notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	err := o.deps.Notifier.ConversionFinished(ctx, record.UserID, record.Snapshot())
	if err != nil {
		o.log.Warn(logFmtNotifyFailed, record.ID, err)
	}
}

// watch fails running tasks that made no progress within the task timeout.
func (o *Orchestrator) watch(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.expireStalled()
		}
	}
}

func (o *Orchestrator) expireStalled() {
	now := o.now()

	o.running.Range(func(_, value any) bool {
		active, ok := value.(*run)
		if !ok || now.Sub(active.lastProgress()) <= o.cfg.TaskTimeout {
			return true
		}

		_, err := o.terminate(active.taskID, core.StateFailed, core.KindTaskTimeout)
		if err == nil {
			o.log.Warn(logFmtTaskTimedOut, active.taskID, o.cfg.TaskTimeout)
		}

		active.cancel(errTaskTimedOut)

		return true
	})
}

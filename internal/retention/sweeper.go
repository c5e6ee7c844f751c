// Package retention purges the audio of completed conversions once it
// outlives the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
)

// Tasks lists and forgets completed tasks.
type Tasks interface {
	CompletedBefore(ctx context.Context, cutoff time.Time) ([]*core.ConversionTask, error)
	Delete(ctx context.Context, id string) error
}

// Documents forgets the narration recorded on a document.
type Documents interface {
	ClearArtifact(ctx context.Context, ref, key string) error
}

// Config sets the retention window and how often to sweep.
type Config struct {
	Retention time.Duration
	Interval  time.Duration
}

// Sweeper periodically deletes expired artifacts and their task records.
type Sweeper struct {
	cfg       Config
	tasks     Tasks
	documents Documents
	blobs     core.ObjectStore
	log       *logger.Logger
	now       func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg Config, tasks Tasks, documents Documents, blobs core.ObjectStore, log *logger.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, tasks: tasks, documents: documents, blobs: blobs, log: log, now: time.Now}
}

// SetClock replaces the time source used to compute the cutoff.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		purged, err := s.Sweep(ctx)
		if err != nil {
			s.log.Error("Retention sweep incomplete: %v", err)
		}

		if purged > 0 {
			s.log.Info("Retention sweep purged %d conversions", purged)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep purges every completed task older than the retention window and
// returns how many were purged. A failing task is skipped and reported; the
// rest are still purged.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Retention)

	expired, err := s.tasks.CompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		purged int
		errs   []error
	)

	for _, task := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())

			break
		}

		purgeErr := s.purge(ctx, task)
		if purgeErr != nil {
			errs = append(errs, purgeErr)

			continue
		}

		purged++
	}

	return purged, errors.Join(errs...)
}

func (s *Sweeper) purge(ctx context.Context, task *core.ConversionTask) error {
	if task.Artifact != nil {
		err := s.blobs.Delete(ctx, task.Artifact.Key)
		if err != nil {
			return fmt.Errorf("failed to delete audio of task %s: %w", task.ID, err)
		}

		err = s.documents.ClearArtifact(ctx, task.DocumentRef, task.Artifact.Key)
		if err != nil {
			return fmt.Errorf("failed to clear audio of document %s: %w", task.DocumentRef, err)
		}
	}

	err := s.tasks.Delete(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", task.ID, err)
	}

	return nil
}

package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/book-expert/narrator-service/internal/chunker"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/tts/audio"
	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
	"golang.org/x/sync/errgroup"
)

// run is the execution state of a task held by a worker.
type run struct {
	taskID   string
	cancel   context.CancelCauseFunc
	progress atomic.Int64
}

func newRun(taskID string, cancel context.CancelCauseFunc, now time.Time) *run {
	active := &run{taskID: taskID, cancel: cancel}
	active.touch(now)

	return active
}

func (r *run) touch(now time.Time) {
	r.progress.Store(now.UnixNano())
}

func (r *run) lastProgress() time.Time {
	return time.Unix(0, r.progress.Load())
}

// pipeline moves a queued task through every stage up to completed. Any
// error leaves the terminal transition to the caller.
func (o *Orchestrator) pipeline(ctx context.Context, active *run) error {
	task, err := o.transition(active, core.StateExtracting, nil)
	if err != nil {
		return err
	}

	text, err := o.extract(ctx, task)
	if err != nil {
		return err
	}

	_, err = o.transition(active, core.StateChunking, nil)
	if err != nil {
		return err
	}

	pieces := chunker.Split(text, o.cfg.MaxChunkChars)
	if len(pieces) == 0 {
		return core.Errorf(core.KindExtractionFailed, "document %s has no text after trimming", task.DocumentRef)
	}

	o.log.Info(logFmtChunked, task.ID, len(pieces))

	task, err = o.transition(active, core.StateSynthesizing, func(record *core.ConversionTask) {
		record.Progress = core.Progress{CompletedChunks: 0, TotalChunks: len(pieces)}
		record.Chunks = make([]core.ChunkJob, len(pieces))

		for i, piece := range pieces {
			record.Chunks[i] = core.ChunkJob{SequenceIndex: i, Text: piece, State: core.ChunkPending}
		}
	})
	if err != nil {
		return err
	}

	clips, err := o.synthesize(ctx, active, task)
	if err != nil {
		return err
	}

	task, err = o.transition(active, core.StateAssembling, nil)
	if err != nil {
		return err
	}

	engine, err := o.deps.Engines.Get(task.Voice.Engine)
	if err != nil {
		return err
	}

	artifact, err := o.deps.Assembler.Assemble(ctx, task.ID, engine.Format(), task.Progress.TotalChunks, clips)
	if err != nil {
		return err
	}

	completed, err := o.transition(active, core.StateCompleted, func(record *core.ConversionTask) {
		record.Artifact = &artifact
	})
	if err != nil {
		return err
	}

	o.log.Info(logFmtTaskCompleted, task.ID, ttsutils.FormatDuration(artifact.DurationSeconds))

	saveErr := o.deps.Documents.SaveArtifact(ctx, task.DocumentRef, artifact)
	if saveErr != nil {
		o.log.Warn(logFmtDocumentUpdate, "artifact", task.DocumentRef, saveErr)
	}

	o.notify(completed)

	return nil
}

// transition moves the task to state, applying mutate to the same update.
func (o *Orchestrator) transition(
	active *run,
	state core.TaskState,
	mutate func(record *core.ConversionTask),
) (*core.ConversionTask, error) {
	record, err := o.deps.Store.Update(context.Background(), active.taskID, func(task *core.ConversionTask) error {
		task.State = state

		if mutate != nil {
			mutate(task)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("task %s cannot enter %s: %w", active.taskID, state, err)
	}

	active.touch(o.now())
	o.log.Info(logFmtTransition, active.taskID, state)

	return record, nil
}

func (o *Orchestrator) extract(ctx context.Context, task *core.ConversionTask) (string, error) {
	doc, err := o.deps.Documents.Fetch(ctx, task.DocumentRef)
	if err != nil {
		return "", err
	}

	text, err := o.deps.Extractor.Extract(doc.Data, doc.Format)
	if err != nil {
		return "", err
	}

	saveErr := o.deps.Documents.SaveExtractedText(ctx, task.DocumentRef, text)
	if saveErr != nil {
		o.log.Warn(logFmtDocumentUpdate, "extracted text", task.DocumentRef, saveErr)
	}

	return text, ctx.Err()
}

// synthesize dispatches chunks in sequence order with bounded concurrency.
// After the first failure no new chunk is dispatched; chunks already in
// flight finish and still count toward progress.
func (o *Orchestrator) synthesize(ctx context.Context, active *run, task *core.ConversionTask) ([]audio.ChunkAudio, error) {
	engine, err := o.deps.Engines.Get(task.Voice.Engine)
	if err != nil {
		return nil, err
	}

	var (
		group  errgroup.Group
		failed atomic.Bool
		clips  = make([]audio.ChunkAudio, len(task.Chunks))
	)

	group.SetLimit(o.cfg.ChunkConcurrency)

	for _, job := range task.Chunks {
		if failed.Load() || ctx.Err() != nil {
			break
		}

		group.Go(func() error {
			// A slot freed by a failing chunk must not start the next one.
			if failed.Load() || ctx.Err() != nil {
				return nil
			}

			data, chunkErr := o.synthesizeChunk(ctx, active, engine, task.Voice, job)
			if chunkErr != nil {
				failed.Store(true)

				return chunkErr
			}

			clips[job.SequenceIndex] = audio.ChunkAudio{Index: job.SequenceIndex, Data: data}

			return nil
		})
	}

	waitErr := group.Wait()
	if waitErr != nil {
		return nil, waitErr
	}

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	return clips, nil
}

func (o *Orchestrator) synthesizeChunk(
	ctx context.Context,
	active *run,
	engine core.Synthesizer,
	voice core.VoiceParams,
	job core.ChunkJob,
) ([]byte, error) {
	index := job.SequenceIndex

	_, err := o.updateChunk(active.taskID, index, func(chunk *core.ChunkJob, _ *core.Progress) {
		chunk.State = core.ChunkInFlight
	})
	if err != nil {
		return nil, err
	}

	text := job.Text
	if o.cfg.NormalizeSpeech {
		text = o.normalizer.PreprocessText(text)
	}

	attempts := 0
	data, synthErr := o.deps.Retrier.Synthesize(ctx, engine, text, voice, func(attempt int) {
		attempts = attempt

		_, _ = o.updateChunk(active.taskID, index, func(chunk *core.ChunkJob, _ *core.Progress) {
			chunk.AttemptCount = attempt
		})
	})
	if synthErr != nil {
		if ctx.Err() == nil {
			o.log.Warn(logFmtChunkFailed, active.taskID, index, attempts, synthErr)

			_, _ = o.updateChunk(active.taskID, index, func(chunk *core.ChunkJob, _ *core.Progress) {
				chunk.State = core.ChunkFailed
			})
		}

		return nil, synthErr
	}

	record, err := o.updateChunk(active.taskID, index, func(chunk *core.ChunkJob, progress *core.Progress) {
		chunk.State = core.ChunkDone
		chunk.AudioRef = ttsutils.ChunkAudioRef(active.taskID, index)
		progress.CompletedChunks++
	})
	if err != nil {
		return nil, err
	}

	active.touch(o.now())
	o.log.Info(logFmtChunkDone, active.taskID, record.Progress.CompletedChunks, record.Progress.TotalChunks)

	return data, nil
}

// updateChunk mutates one chunk and the task progress in a single update.
func (o *Orchestrator) updateChunk(
	taskID string,
	index int,
	mutate func(chunk *core.ChunkJob, progress *core.Progress),
) (*core.ConversionTask, error) {
	return o.deps.Store.Update(context.Background(), taskID, func(task *core.ConversionTask) error {
		if index < 0 || index >= len(task.Chunks) {
			return fmt.Errorf("task %s has no chunk %d", taskID, index)
		}

		mutate(&task.Chunks[index], &task.Progress)

		return nil
	})
}

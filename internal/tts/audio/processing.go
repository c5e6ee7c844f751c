// Package audio joins per-chunk engine audio into the final artifact.
//
// WAV chunks are re-framed under a single RIFF header; MP3 chunks are joined
// frame-wise after their ID3 tags are dropped. Durations come from the PCM
// byte rate or the sum of MPEG frame durations.
package audio

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
)

// Errors reported as AssemblyFailed.
var (
	ErrChunkMissing     = errors.New("chunk audio missing")
	ErrChunkEmpty       = errors.New("chunk audio empty")
	ErrUnsupportedAudio = errors.New("unsupported audio format")
)

const (
	logFmtDefect    = "DEFECT: task %s cannot be assembled: %v"
	logFmtUploadErr = "Failed to store artifact for task %s: %v"
	logFmtAssembled = "Assembled task %s: %d chunks, %s, %s"
)

// ChunkAudio is the audio a chunk produced, tagged with its position.
type ChunkAudio struct {
	Index int
	Data  []byte
}

// Assembler concatenates chunk audio and writes the artifact to blob storage.
type Assembler struct {
	store core.ObjectStore
	log   *logger.Logger
}

// NewAssembler creates an Assembler writing to store.
func NewAssembler(store core.ObjectStore, log *logger.Logger) *Assembler {
	return &Assembler{store: store, log: log}
}

// Assemble orders chunks by Index, requires exactly indices 0..total-1, joins
// them and uploads the result. Completion order of chunks does not affect the
// output bytes.
func (a *Assembler) Assemble(
	ctx context.Context,
	taskID string,
	format core.AudioFormat,
	total int,
	chunks []ChunkAudio,
) (core.ArtifactRef, error) {
	ordered, err := orderChunks(total, chunks)
	if err != nil {
		a.log.Error(logFmtDefect, taskID, err)

		return core.ArtifactRef{}, core.NewError(core.KindAssemblyFailed, err)
	}

	data, duration, err := Concat(format, ordered)
	if err != nil {
		a.log.Error(logFmtDefect, taskID, err)

		return core.ArtifactRef{}, core.NewError(core.KindAssemblyFailed, err)
	}

	key := ttsutils.ArtifactKey(taskID, format)

	uploadErr := a.store.Upload(ctx, key, data)
	if uploadErr != nil {
		a.log.Error(logFmtUploadErr, taskID, uploadErr)

		return core.ArtifactRef{}, core.NewError(core.KindAssemblyFailed,
			fmt.Errorf("failed to upload %s: %w", key, uploadErr))
	}

	size := int64(len(data))
	a.log.Info(logFmtAssembled, taskID, len(ordered), ttsutils.FormatDuration(duration), ttsutils.FormatFileSize(size))

	return core.ArtifactRef{
		Key:             key,
		Format:          format,
		DurationSeconds: duration,
		SizeBytes:       size,
	}, nil
}

// Concat joins already ordered clips in the given container format.
func Concat(format core.AudioFormat, clips [][]byte) ([]byte, float64, error) {
	switch format {
	case core.FormatWAV:
		return concatWAV(clips)
	case core.FormatMP3:
		return concatMP3(clips)
	default:
		return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedAudio, format)
	}
}

func orderChunks(total int, chunks []ChunkAudio) ([][]byte, error) {
	if total <= 0 || len(chunks) != total {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrChunkMissing, len(chunks), total)
	}

	sorted := slices.Clone(chunks)
	slices.SortFunc(sorted, func(a, b ChunkAudio) int { return a.Index - b.Index })

	ordered := make([][]byte, total)

	for position, chunk := range sorted {
		if chunk.Index != position {
			return nil, fmt.Errorf("%w: index %d", ErrChunkMissing, position)
		}

		if len(chunk.Data) == 0 {
			return nil, fmt.Errorf("%w: index %d", ErrChunkEmpty, position)
		}

		ordered[position] = chunk.Data
	}

	return ordered, nil
}

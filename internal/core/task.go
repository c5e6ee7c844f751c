package core

import (
	"fmt"
	"time"
)

// TaskState is the lifecycle stage of a ConversionTask.
type TaskState string

// Task states. The last three are terminal.
const (
	StateQueued       TaskState = "queued"
	StateExtracting   TaskState = "extracting"
	StateChunking     TaskState = "chunking"
	StateSynthesizing TaskState = "synthesizing"
	StateAssembling   TaskState = "assembling"
	StateCompleted    TaskState = "completed"
	StateFailed       TaskState = "failed"
	StateCanceled     TaskState = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// CanTransition enforces the conversion state machine edges.
func (s TaskState) CanTransition(to TaskState) bool {
	if s.Terminal() {
		return false
	}

	if to == StateCanceled {
		return true
	}

	switch s {
	case StateQueued:
		return to == StateExtracting || to == StateFailed
	case StateExtracting:
		return to == StateChunking || to == StateFailed
	case StateChunking:
		return to == StateSynthesizing || to == StateFailed
	case StateSynthesizing:
		return to == StateSynthesizing || to == StateAssembling || to == StateFailed
	case StateAssembling:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// ChunkState is the lifecycle stage of a single ChunkJob.
type ChunkState string

// Chunk states.
const (
	ChunkPending  ChunkState = "pending"
	ChunkInFlight ChunkState = "in_flight"
	ChunkDone     ChunkState = "done"
	ChunkFailed   ChunkState = "failed"
)

// Supported voice types.
const (
	VoiceMale   = "male"
	VoiceFemale = "female"
)

// Speech rate bounds. A zero rate means the engine default (1.0).
const (
	MinSpeechRate     = 0.5
	MaxSpeechRate     = 2.0
	DefaultSpeechRate = 1.0
)

// VoiceParams selects how a task is narrated. Immutable for a task's lifetime.
type VoiceParams struct {
	VoiceType  string  `json:"voice_type"`
	SpeechRate float64 `json:"speech_rate"`
	Language   string  `json:"language"`
	Engine     string  `json:"engine"`
}

// WithDefaults fills empty fields.
func (v VoiceParams) WithDefaults(defaultEngine string) VoiceParams {
	if v.VoiceType == "" {
		v.VoiceType = VoiceFemale
	}

	if v.SpeechRate == 0 {
		v.SpeechRate = DefaultSpeechRate
	}

	if v.Language == "" {
		v.Language = "en"
	}

	if v.Engine == "" {
		v.Engine = defaultEngine
	}

	return v
}

// Validate checks the engine-independent fields.
func (v VoiceParams) Validate(languages []string) error {
	if v.VoiceType != VoiceMale && v.VoiceType != VoiceFemale {
		return Errorf(KindInvalidVoiceParams, "unknown voice type %q", v.VoiceType)
	}

	if v.SpeechRate < MinSpeechRate || v.SpeechRate > MaxSpeechRate {
		return Errorf(KindInvalidVoiceParams, "speech rate %.2f outside [%.1f, %.1f]",
			v.SpeechRate, MinSpeechRate, MaxSpeechRate)
	}

	for _, lang := range languages {
		if lang == v.Language {
			return nil
		}
	}

	return Errorf(KindInvalidVoiceParams, "unsupported language %q", v.Language)
}

// Progress counts finished chunks against the total fixed at chunking time.
type Progress struct {
	CompletedChunks int `json:"completed_chunks"`
	TotalChunks     int `json:"total_chunks"`
}

// TaskError is the caller-visible failure recorded on a failed task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ArtifactRef points at the stored final audio.
type ArtifactRef struct {
	Key             string      `json:"key"`
	Format          AudioFormat `json:"format"`
	DurationSeconds float64     `json:"duration_seconds"`
	SizeBytes       int64       `json:"size_bytes"`
}

// ChunkJob is one synthesis unit of a task.
type ChunkJob struct {
	SequenceIndex int        `json:"sequence_index"`
	Text          string     `json:"text"`
	State         ChunkState `json:"state"`
	AudioRef      string     `json:"audio_ref,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
}

// ConversionTask is the full record owned by the orchestrator.
type ConversionTask struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	DocumentRef   string       `json:"document_ref"`
	Voice         VoiceParams  `json:"voice_params"`
	State         TaskState    `json:"state"`
	Chunks        []ChunkJob   `json:"chunks,omitempty"`
	Progress      Progress     `json:"progress"`
	Error         *TaskError   `json:"error,omitempty"`
	Artifact      *ArtifactRef `json:"artifact_ref,omitempty"`
	DownloadCount int          `json:"download_count"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	// CompletedAt is set once, when the task enters completed. Retention
	// expires artifacts from it.
	CompletedAt   time.Time    `json:"completed_at"`
}

// Clone returns a deep copy safe to mutate.
func (t *ConversionTask) Clone() *ConversionTask {
	cp := *t

	if t.Chunks != nil {
		cp.Chunks = make([]ChunkJob, len(t.Chunks))
		copy(cp.Chunks, t.Chunks)
	}

	if t.Error != nil {
		taskErr := *t.Error
		cp.Error = &taskErr
	}

	if t.Artifact != nil {
		artifact := *t.Artifact
		cp.Artifact = &artifact
	}

	return &cp
}

// CheckInvariants verifies the record-level invariants of a task.
func (t *ConversionTask) CheckInvariants() error {
	if t.Progress.CompletedChunks < 0 || t.Progress.CompletedChunks > t.Progress.TotalChunks {
		return fmt.Errorf("task %s: completed chunks %d outside [0, %d]",
			t.ID, t.Progress.CompletedChunks, t.Progress.TotalChunks)
	}

	switch t.State {
	case StateCompleted:
		if t.Artifact == nil || t.Error != nil {
			return fmt.Errorf("task %s: completed requires an artifact and no error", t.ID)
		}
	case StateFailed, StateCanceled:
		if t.Error == nil || t.Error.Kind == "" || t.Artifact != nil {
			return fmt.Errorf("task %s: %s requires an error kind and no artifact", t.ID, t.State)
		}
	default:
		if t.Artifact != nil || t.Error != nil {
			return fmt.Errorf("task %s: %s task cannot carry an artifact or error", t.ID, t.State)
		}
	}

	return nil
}

// Snapshot projects the record onto the caller-visible view.
func (t *ConversionTask) Snapshot() TaskSnapshot {
	snap := TaskSnapshot{
		ID:            t.ID,
		DocumentRef:   t.DocumentRef,
		Voice:         t.Voice,
		State:         t.State,
		Progress:      t.Progress,
		DownloadCount: t.DownloadCount,
		Version:       t.Version,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
	}

	if t.Error != nil {
		taskErr := *t.Error
		snap.Error = &taskErr
	}

	if t.Artifact != nil {
		artifact := *t.Artifact
		snap.Artifact = &artifact
	}

	return snap
}

// TaskSnapshot is an immutable point-in-time view for pollers.
type TaskSnapshot struct {
	ID            string       `json:"id"`
	DocumentRef   string       `json:"document_ref"`
	Voice         VoiceParams  `json:"voice_params"`
	State         TaskState    `json:"state"`
	Progress      Progress     `json:"progress"`
	Error         *TaskError   `json:"error,omitempty"`
	Artifact      *ArtifactRef `json:"artifact_ref,omitempty"`
	DownloadCount int          `json:"download_count"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	CompletedAt   time.Time    `json:"completed_at,omitzero"`
}

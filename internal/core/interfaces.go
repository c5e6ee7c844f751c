// Package core defines the conversion data model, its error taxonomy and the
// interfaces of the collaborators the conversion pipeline depends on.
package core

import (
	"context"
	"io"
	"time"
)

// AudioFormat is the container format an engine produces.
type AudioFormat string

// Supported audio formats.
const (
	FormatWAV AudioFormat = "wav"
	FormatMP3 AudioFormat = "mp3"
)

// ContentType returns the MIME type used when serving the format.
func (f AudioFormat) ContentType() string {
	if f == FormatWAV {
		return "audio/wav"
	}

	return "audio/mpeg"
}

// DocumentFormat is the declared format of an uploaded document.
type DocumentFormat string

// Supported document formats.
const (
	DocumentPDF  DocumentFormat = "pdf"
	DocumentDOCX DocumentFormat = "docx"
	DocumentTXT  DocumentFormat = "txt"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Document is the raw upload handed to the extractor.
type Document struct {
	Ref    string
	Title  string
	Format DocumentFormat
	Data   []byte
}

// DocumentStore provides uploaded documents and records conversion outputs on them.
type DocumentStore interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Fetch(ctx context.Context, ref string) (*Document, error)
	SaveExtractedText(ctx context.Context, ref, text string) error
	SaveArtifact(ctx context.Context, ref string, artifact ArtifactRef) error
}

// QuotaLimiter enforces a per-user ceiling of conversions over a trailing window.
type QuotaLimiter interface {
	// Reserve records one conversion for the user or fails with ErrQuotaExceeded.
	Reserve(ctx context.Context, userID string, now time.Time) error
	// Release returns the reservation made at the given time, for submissions
	// that did not produce a task.
	Release(ctx context.Context, userID string, reservedAt time.Time) error
}

// Extractor converts document bytes to normalized plain text.
type Extractor interface {
	Extract(data []byte, format DocumentFormat) (string, error)
}

// Synthesizer is the uniform contract every speech engine implements.
type Synthesizer interface {
	Name() string
	Format() AudioFormat
	Synthesize(ctx context.Context, text string, voice VoiceParams) ([]byte, error)
}

// StreamSynthesizer is implemented by engines that can stream audio as it is produced.
type StreamSynthesizer interface {
	Synthesizer
	SynthesizeStream(ctx context.Context, text string, voice VoiceParams) (io.ReadCloser, error)
}

// Notifier is told about every task that reaches a terminal state, along
// with the user who submitted it.
type Notifier interface {
	ConversionFinished(ctx context.Context, userID string, snapshot TaskSnapshot) error
}

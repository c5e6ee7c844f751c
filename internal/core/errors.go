package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure in a way that is safe to show to callers.
type ErrorKind string

// Error kinds surfaced through TaskSnapshot.Error and submission failures.
const (
	KindUnsupportedFormat  ErrorKind = "UnsupportedFormat"
	KindExtractionFailed   ErrorKind = "ExtractionFailed"
	KindEngineRateLimited  ErrorKind = "EngineRateLimited"
	KindEngineTimeout      ErrorKind = "EngineTimeout"
	KindEngineUnavailable  ErrorKind = "EngineUnavailable"
	KindEngineAuthFailed   ErrorKind = "EngineAuthFailed"
	KindEngineRejected     ErrorKind = "EngineRejected"
	KindInvalidVoiceParams ErrorKind = "InvalidVoiceParams"
	KindQuotaExceeded      ErrorKind = "QuotaExceeded"
	KindDocumentNotFound   ErrorKind = "DocumentNotFound"
	KindAssemblyFailed     ErrorKind = "AssemblyFailed"
	KindWorkerRestarted    ErrorKind = "WorkerRestarted"
	KindTaskTimeout        ErrorKind = "TaskTimeout"
	KindCanceled           ErrorKind = "Canceled"
	KindInternal           ErrorKind = "Internal"
)

// Messages shown to callers. Engine bodies and stack traces never leave the service.
var kindMessages = map[ErrorKind]string{
	KindUnsupportedFormat:  "the document format is not supported; upload a PDF, DOCX or TXT file",
	KindExtractionFailed:   "no readable text could be extracted from the document",
	KindEngineRateLimited:  "the speech engine kept rate limiting requests; try again later",
	KindEngineTimeout:      "the speech engine did not respond in time",
	KindEngineUnavailable:  "the speech engine is temporarily unavailable",
	KindEngineAuthFailed:   "the speech engine rejected the service credentials",
	KindEngineRejected:     "the speech engine rejected the request",
	KindInvalidVoiceParams: "the requested voice parameters are not supported",
	KindQuotaExceeded:      "hourly conversion quota exhausted",
	KindDocumentNotFound:   "the document does not exist",
	KindAssemblyFailed:     "an internal error occurred while producing the audio",
	KindWorkerRestarted:    "the conversion was interrupted by a service restart; please resubmit",
	KindTaskTimeout:        "the conversion stopped making progress; please resubmit",
	KindCanceled:           "the conversion was canceled",
	KindInternal:           "an internal error occurred",
}

// Message returns the caller-facing message for the kind.
func (k ErrorKind) Message() string {
	msg, ok := kindMessages[k]
	if !ok {
		return kindMessages[KindInternal]
	}

	return msg
}

// Transient reports whether retrying the same request may succeed.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindEngineRateLimited, KindEngineTimeout, KindEngineUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Err keeps the internal cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a classified error with the kind's default message.
func NewError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Message: kind.Message(), Err: cause}
}

// Errorf builds a classified error whose cause is formatted from the arguments.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so callers can test against kind templates.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return other.Kind == e.Kind && other.Err == nil
}

// KindOf extracts the kind from an error chain. Unclassified errors are Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	return KindInternal
}

// Sentinel templates for errors.Is checks at submission boundaries.
var (
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded, Message: KindQuotaExceeded.Message()}
	ErrDocumentNotFound   = &Error{Kind: KindDocumentNotFound, Message: KindDocumentNotFound.Message()}
	ErrInvalidVoiceParams = &Error{Kind: KindInvalidVoiceParams, Message: KindInvalidVoiceParams.Message()}
	ErrUnsupportedFormat  = &Error{Kind: KindUnsupportedFormat, Message: KindUnsupportedFormat.Message()}
	ErrExtractionFailed   = &Error{Kind: KindExtractionFailed, Message: KindExtractionFailed.Message()}
	ErrAssemblyFailed     = &Error{Kind: KindAssemblyFailed, Message: KindAssemblyFailed.Message()}
)

// Package httpapi serves conversions over HTTP: submission, polling,
// cancellation, full download and ranged streaming of the finished audio.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/orchestrator"
	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// HeaderUserID carries the caller's identity, set by the upstream gateway.
const HeaderUserID = "X-User-ID"

const (
	maxSubmitBody   = 1 << 16
	contentTypeJSON = "application/json"
)

// Conversions is the part of the orchestrator the HTTP API serves.
type Conversions interface {
	Submit(ctx context.Context, userID, documentRef string, voice core.VoiceParams) (string, error)
	Status(ctx context.Context, taskID string) (core.TaskSnapshot, error)
	Cancel(ctx context.Context, taskID string) (core.TaskSnapshot, error)
	OpenArtifact(ctx context.Context, taskID string) (core.ArtifactRef, io.ReadSeeker, error)
	RecordDownload(ctx context.Context, taskID string) error
}

// Titles resolves document titles for download file names.
type Titles interface {
	Title(ctx context.Context, ref string) string
}

// SubmitRequest is the body of POST /conversions.
type SubmitRequest struct {
	DocumentRef string           `json:"document_ref"`
	VoiceParams core.VoiceParams `json:"voice_params"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server holds the HTTP handlers.
type Server struct {
	conversions Conversions
	titles      Titles
	log         *logger.Logger
}

// NewServer creates the HTTP handlers.
func NewServer(conversions Conversions, titles Titles, log *logger.Logger) *Server {
	return &Server{conversions: conversions, titles: titles, log: log}
}

// Router wires the handlers into a chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"narrator-service"}`))
	})

	r.Route("/conversions", func(r chi.Router) {
		r.Post("/", s.submit)

		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.status)
			r.Delete("/", s.cancel)
			r.Get("/audio", s.download)
			r.Get("/stream", s.stream)
		})
	})

	return r
}

// submit handles POST /conversions.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthenticated", "missing "+HeaderUserID+" header")

		return
	}

	var request SubmitRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
	decoder.DisallowUnknownFields()

	err := decoder.Decode(&request)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid request body: "+err.Error())

		return
	}

	if request.DocumentRef == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "document_ref is required")

		return
	}

	taskID, err := s.conversions.Submit(r.Context(), userID, request.DocumentRef, request.VoiceParams)
	if err != nil {
		s.log.Warn("Rejected submission from %s for document %s: %v", userID, request.DocumentRef, err)
		s.writeFailure(w, err)

		return
	}

	snapshot, err := s.conversions.Status(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)

		return
	}

	w.Header().Set("Location", "/conversions/"+taskID)
	writeJSON(w, http.StatusAccepted, snapshot)
}

// status handles GET /conversions/{taskID}.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.conversions.Status(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFailure(w, err)

		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// cancel handles DELETE /conversions/{taskID}.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.conversions.Cancel(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFailure(w, err)

		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// download handles GET /conversions/{taskID}/audio. Only requests for the
// whole file count as downloads.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if s.serveAudio(w, r, "attachment") && r.Header.Get("Range") == "" {
		err := s.conversions.RecordDownload(r.Context(), taskID)
		if err != nil {
			s.log.Warn("Failed to count download of task %s: %v", taskID, err)
		}
	}
}

// stream handles GET /conversions/{taskID}/stream for in-browser playback.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	s.serveAudio(w, r, "inline")
}

func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request, disposition string) bool {
	taskID := chi.URLParam(r, "taskID")

	artifact, content, err := s.conversions.OpenArtifact(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)

		return false
	}

	snapshot, err := s.conversions.Status(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)

		return false
	}

	filename := ttsutils.DownloadFilename(s.titles.Title(r.Context(), snapshot.DocumentRef), artifact.Format)

	w.Header().Set("Content-Type", artifact.Format.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": filename}))
	http.ServeContent(w, r, filename, snapshot.CompletedAt.Truncate(time.Second), content)

	return true
}

// writeFailure maps an orchestrator error to a status code. Internal errors
// keep their details in the service log only.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "TaskNotFound", err.Error())

		return
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "AlreadyTerminal", err.Error())

		return
	case errors.Is(err, orchestrator.ErrNotCompleted):
		writeError(w, http.StatusConflict, "NotCompleted", err.Error())

		return
	case errors.Is(err, orchestrator.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "Unavailable", err.Error())

		return
	}

	kind := core.KindOf(err)

	switch kind {
	case core.KindQuotaExceeded:
		writeError(w, http.StatusTooManyRequests, string(kind), err.Error())
	case core.KindInvalidVoiceParams:
		writeError(w, http.StatusBadRequest, string(kind), err.Error())
	case core.KindDocumentNotFound:
		writeError(w, http.StatusNotFound, string(kind), err.Error())
	default:
		s.log.Error("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, string(core.KindInternal), core.KindInternal.Message())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

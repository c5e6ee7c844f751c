package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/httpapi"
	"github.com/book-expert/narrator-service/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("write /var/lib/narrator/tasks.db: no space left on device")

// fakeConversions serves a fixed task table.
type fakeConversions struct {
	mu        sync.Mutex
	tasks     map[string]core.TaskSnapshot
	audio     map[string][]byte
	submitErr error
	downloads map[string]int
	lastUser  string
}

func newFakeConversions() *fakeConversions {
	return &fakeConversions{
		tasks:     map[string]core.TaskSnapshot{},
		audio:     map[string][]byte{},
		downloads: map[string]int{},
	}
}

func (f *fakeConversions) Submit(_ context.Context, userID, documentRef string, voice core.VoiceParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return "", f.submitErr
	}

	taskID := "task-" + documentRef
	f.lastUser = userID
	f.tasks[taskID] = core.TaskSnapshot{ID: taskID, DocumentRef: documentRef, Voice: voice, State: core.StateQueued, Version: 1}

	return taskID, nil
}

func (f *fakeConversions) Status(_ context.Context, taskID string) (core.TaskSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot, ok := f.tasks[taskID]
	if !ok {
		return core.TaskSnapshot{}, fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, taskID)
	}

	return snapshot, nil
}

func (f *fakeConversions) Cancel(_ context.Context, taskID string) (core.TaskSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot, ok := f.tasks[taskID]
	if !ok {
		return core.TaskSnapshot{}, orchestrator.ErrTaskNotFound
	}

	if snapshot.State.Terminal() {
		return core.TaskSnapshot{}, fmt.Errorf("%w: %s", orchestrator.ErrAlreadyTerminal, taskID)
	}

	snapshot.State = core.StateCanceled
	snapshot.Error = &core.TaskError{Kind: core.KindCanceled, Message: core.KindCanceled.Message()}
	f.tasks[taskID] = snapshot

	return snapshot, nil
}

func (f *fakeConversions) OpenArtifact(_ context.Context, taskID string) (core.ArtifactRef, io.ReadSeeker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot, ok := f.tasks[taskID]
	if !ok {
		return core.ArtifactRef{}, nil, orchestrator.ErrTaskNotFound
	}

	if snapshot.State != core.StateCompleted {
		return core.ArtifactRef{}, nil, orchestrator.ErrNotCompleted
	}

	return *snapshot.Artifact, bytes.NewReader(f.audio[taskID]), nil
}

func (f *fakeConversions) RecordDownload(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloads[taskID]++

	return nil
}

func (f *fakeConversions) downloadCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.downloads[taskID]
}

type titles map[string]string

func (t titles) Title(_ context.Context, ref string) string {
	return t[ref]
}

func newServer(t *testing.T) (*httptest.Server, *fakeConversions) {
	t.Helper()

	log, err := logger.New(t.TempDir(), "httpapi-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	conversions := newFakeConversions()
	conversions.tasks["done"] = core.TaskSnapshot{
		ID:          "done",
		DocumentRef: "doc-bio",
		State:       core.StateCompleted,
		Progress:    core.Progress{CompletedChunks: 2, TotalChunks: 2},
		Artifact:    &core.ArtifactRef{Key: "artifacts/done.mp3", Format: core.FormatMP3, DurationSeconds: 4, SizeBytes: 26},
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	conversions.audio["done"] = []byte("abcdefghijklmnopqrstuvwxyz")
	conversions.tasks["busy"] = core.TaskSnapshot{
		ID:          "busy",
		DocumentRef: "doc-bio",
		State:       core.StateSynthesizing,
		Progress:    core.Progress{CompletedChunks: 1, TotalChunks: 4},
	}

	server := httptest.NewServer(httpapi.NewServer(conversions, titles{"doc-bio": "Cell Biology: Chapter 1"}, log).Router())
	t.Cleanup(server.Close)

	return server, conversions
}

func do(t *testing.T, method, url string, body string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)

	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var value T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&value))

	return value
}

func userHeader(userID string) http.Header {
	return http.Header{httpapi.HeaderUserID: []string{userID}}
}

func TestSubmitAndStatus(t *testing.T) {
	t.Parallel()

	server, conversions := newServer(t)

	body := `{"document_ref":"doc-7","voice_params":{"voice_type":"male","speech_rate":1.5,"language":"en","engine":"gtts"}}`
	resp := do(t, http.MethodPost, server.URL+"/conversions", body, userHeader("alice"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/conversions/task-doc-7", resp.Header.Get("Location"))

	submitted := decode[core.TaskSnapshot](t, resp)
	assert.Equal(t, "task-doc-7", submitted.ID)
	assert.Equal(t, core.StateQueued, submitted.State)
	assert.InDelta(t, 1.5, submitted.Voice.SpeechRate, 1e-9)

	conversions.mu.Lock()
	assert.Equal(t, "alice", conversions.lastUser)
	conversions.mu.Unlock()

	status := do(t, http.MethodGet, server.URL+"/conversions/busy", "", nil)
	require.Equal(t, http.StatusOK, status.StatusCode)

	snapshot := decode[core.TaskSnapshot](t, status)
	assert.Equal(t, core.Progress{CompletedChunks: 1, TotalChunks: 4}, snapshot.Progress)
}

func TestSubmit_Rejections(t *testing.T) {
	t.Parallel()

	valid := `{"document_ref":"doc-7"}`

	tests := []struct {
		name       string
		user       string
		body       string
		submitErr  error
		wantStatus int
		wantCode   string
	}{
		{name: "missing user", body: valid, wantStatus: http.StatusUnauthorized, wantCode: "Unauthenticated"},
		{name: "malformed body", user: "u", body: `{"document_ref":`, wantStatus: http.StatusBadRequest, wantCode: "BadRequest"},
		{name: "unknown field", user: "u", body: `{"document":"x"}`, wantStatus: http.StatusBadRequest, wantCode: "BadRequest"},
		{name: "missing document", user: "u", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "BadRequest"},
		{
			name: "quota", user: "u", body: valid,
			submitErr:  core.Errorf(core.KindQuotaExceeded, "10 conversions per hour"),
			wantStatus: http.StatusTooManyRequests, wantCode: "QuotaExceeded",
		},
		{
			name: "voice", user: "u", body: valid,
			submitErr:  core.Errorf(core.KindInvalidVoiceParams, "unknown voice type \"robot\""),
			wantStatus: http.StatusBadRequest, wantCode: "InvalidVoiceParams",
		},
		{
			name: "document", user: "u", body: valid,
			submitErr:  core.Errorf(core.KindDocumentNotFound, "document doc-7 not found"),
			wantStatus: http.StatusNotFound, wantCode: "DocumentNotFound",
		},
		{
			name: "closed", user: "u", body: valid,
			submitErr:  orchestrator.ErrQueueClosed,
			wantStatus: http.StatusServiceUnavailable, wantCode: "Unavailable",
		},
		{
			name: "internal", user: "u", body: valid,
			submitErr:  errDiskFull,
			wantStatus: http.StatusInternalServerError, wantCode: "Internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, conversions := newServer(t)
			conversions.mu.Lock()
			conversions.submitErr = tt.submitErr
			conversions.mu.Unlock()

			header := http.Header{}
			if tt.user != "" {
				header = userHeader(tt.user)
			}

			resp := do(t, http.MethodPost, server.URL+"/conversions", tt.body, header)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			failure := decode[httpapi.ErrorResponse](t, resp)
			assert.Equal(t, tt.wantCode, failure.Code)
			assert.NotContains(t, failure.Message, "/var/lib")
		})
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	server, _ := newServer(t)

	resp := do(t, http.MethodDelete, server.URL+"/conversions/busy", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.StateCanceled, decode[core.TaskSnapshot](t, resp).State)

	again := do(t, http.MethodDelete, server.URL+"/conversions/busy", "", nil)
	assert.Equal(t, http.StatusConflict, again.StatusCode)
	assert.Equal(t, "AlreadyTerminal", decode[httpapi.ErrorResponse](t, again).Code)

	missing := do(t, http.MethodDelete, server.URL+"/conversions/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestDownload(t *testing.T) {
	t.Parallel()

	server, conversions := newServer(t)

	resp := do(t, http.MethodGet, server.URL+"/conversions/done/audio", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Cell Biology_ Chapter 1.mp3"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz", string(data))
	assert.Equal(t, 1, conversions.downloadCount("done"))

	pending := do(t, http.MethodGet, server.URL+"/conversions/busy/audio", "", nil)
	assert.Equal(t, http.StatusConflict, pending.StatusCode)
	assert.Equal(t, "NotCompleted", decode[httpapi.ErrorResponse](t, pending).Code)
	assert.Zero(t, conversions.downloadCount("busy"))
}

func TestStream_Range(t *testing.T) {
	t.Parallel()

	server, conversions := newServer(t)

	resp := do(t, http.MethodGet, server.URL+"/conversions/done/stream", "", http.Header{"Range": []string{"bytes=10-14"}})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 10-14/26", resp.Header.Get("Content-Range"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Disposition"), "inline"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "klmno", string(data))
	assert.Zero(t, conversions.downloadCount("done"))

	ranged := do(t, http.MethodGet, server.URL+"/conversions/done/audio", "", http.Header{"Range": []string{"bytes=0-3"}})
	require.Equal(t, http.StatusPartialContent, ranged.StatusCode)
	assert.Zero(t, conversions.downloadCount("done"))
}

func TestHealth(t *testing.T) {
	t.Parallel()

	server, _ := newServer(t)

	resp := do(t, http.MethodGet, server.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[map[string]string](t, resp)["status"])
}

// Package worker_test tests the NATS transport of the narrator service.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/orchestrator"
	"github.com/book-expert/narrator-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subjects = worker.Subjects{
	Submit: "test.conversions.submit",
	Status: "test.conversions.status",
	Cancel: "test.conversions.cancel",
}

var errDatabaseDown = errors.New("database is down: dial tcp 10.0.0.7:5432")

// fakeConversions records calls and answers from a fixed task table.
type fakeConversions struct {
	mu        sync.Mutex
	submitted []string
	voices    []core.VoiceParams
	tasks     map[string]core.TaskSnapshot
	submitErr error
}

func newFakeConversions() *fakeConversions {
	return &fakeConversions{tasks: map[string]core.TaskSnapshot{}}
}

func (f *fakeConversions) Submit(_ context.Context, userID, documentRef string, voice core.VoiceParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return "", f.submitErr
	}

	taskID := "task-" + documentRef
	f.submitted = append(f.submitted, userID)
	f.voices = append(f.voices, voice)
	f.tasks[taskID] = core.TaskSnapshot{ID: taskID, DocumentRef: documentRef, Voice: voice, State: core.StateQueued, Version: 1}

	return taskID, nil
}

func (f *fakeConversions) calls() ([]string, []core.VoiceParams) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.submitted...), append([]core.VoiceParams(nil), f.voices...)
}

func (f *fakeConversions) Status(_ context.Context, taskID string) (core.TaskSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot, ok := f.tasks[taskID]
	if !ok {
		return core.TaskSnapshot{}, orchestrator.ErrTaskNotFound
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
		return core.TaskSnapshot{}, orchestrator.ErrAlreadyTerminal
	}

	snapshot.State = core.StateCanceled
	snapshot.Error = &core.TaskError{Kind: core.KindCanceled, Message: core.KindCanceled.Message()}
	snapshot.Version++
	f.tasks[taskID] = snapshot

	return snapshot, nil
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	return natsConnection
}

func startWorker(t *testing.T, conversions worker.Conversions) *nats.Conn {
	t.Helper()

	natsConnection := connect(t)

	log, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- worker.NewNatsWorker(natsConnection, subjects, conversions, log).Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
		_ = log.Close()
	})

	return natsConnection
}

// request retries until the worker's subscriptions are live.
func request(t *testing.T, natsConnection *nats.Conn, subject string, payload any) worker.Reply {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var msg *nats.Msg

	require.Eventually(t, func() bool {
		msg, err = natsConnection.Request(subject, data, time.Second)

		return !errors.Is(err, nats.ErrNoResponders)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)

	var reply worker.Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))

	return reply
}

func header(userID string) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
		UserID:     userID,
		TenantID:   "",
	}
}

func TestWorker_SubmitStatusCancel(t *testing.T) {
	t.Parallel()

	conversions := newFakeConversions()
	natsConnection := startWorker(t, conversions)

	submitHeader := header("alice")
	voice := core.VoiceParams{VoiceType: core.VoiceMale, SpeechRate: 1.25, Language: "en", Engine: "gtts"}

	reply := request(t, natsConnection, subjects.Submit, worker.SubmitRequest{
		Header:      submitHeader,
		DocumentRef: "doc-1",
		VoiceParams: voice,
	})
	require.Nil(t, reply.Failure)
	require.NotNil(t, reply.Task)
	assert.Equal(t, "task-doc-1", reply.Task.ID)
	assert.Equal(t, core.StateQueued, reply.Task.State)
	assert.Equal(t, submitHeader.WorkflowID, reply.Header.WorkflowID)
	assert.NotEqual(t, submitHeader.EventID, reply.Header.EventID)
	users, voices := conversions.calls()
	assert.Equal(t, []string{"alice"}, users)
	assert.Equal(t, []core.VoiceParams{voice}, voices)

	status := request(t, natsConnection, subjects.Status, worker.TaskRequest{Header: header("alice"), TaskID: "task-doc-1"})
	require.Nil(t, status.Failure)
	assert.Equal(t, *reply.Task, *status.Task)

	canceled := request(t, natsConnection, subjects.Cancel, worker.TaskRequest{Header: header("alice"), TaskID: "task-doc-1"})
	require.Nil(t, canceled.Failure)
	assert.Equal(t, core.StateCanceled, canceled.Task.State)
	assert.Equal(t, core.KindCanceled, canceled.Task.Error.Kind)

	again := request(t, natsConnection, subjects.Cancel, worker.TaskRequest{Header: header("alice"), TaskID: "task-doc-1"})
	require.NotNil(t, again.Failure)
	assert.Nil(t, again.Task)
	assert.Equal(t, worker.CodeAlreadyTerminal, again.Failure.Code)
}

func TestWorker_Failures(t *testing.T) {
	t.Parallel()

	conversions := newFakeConversions()
	natsConnection := startWorker(t, conversions)

	missing := request(t, natsConnection, subjects.Status, worker.TaskRequest{Header: header("bob"), TaskID: "ghost"})
	require.NotNil(t, missing.Failure)
	assert.Equal(t, worker.CodeTaskNotFound, missing.Failure.Code)

	anonymous := request(t, natsConnection, subjects.Submit, worker.SubmitRequest{Header: header(""), DocumentRef: "doc-1"})
	require.NotNil(t, anonymous.Failure)
	assert.Equal(t, worker.CodeBadRequest, anonymous.Failure.Code)
	users, _ := conversions.calls()
	assert.Empty(t, users)

	malformed, err := natsConnection.Request(subjects.Status, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var malformedReply worker.Reply
	require.NoError(t, json.Unmarshal(malformed.Data, &malformedReply))
	assert.Equal(t, worker.CodeBadRequest, malformedReply.Failure.Code)

	conversions.mu.Lock()
	conversions.submitErr = core.Errorf(core.KindQuotaExceeded, "user bob used 10 conversions this hour")
	conversions.mu.Unlock()

	quota := request(t, natsConnection, subjects.Submit, worker.SubmitRequest{Header: header("bob"), DocumentRef: "doc-2"})
	require.NotNil(t, quota.Failure)
	assert.Equal(t, string(core.KindQuotaExceeded), quota.Failure.Code)
	assert.Contains(t, quota.Failure.Message, "10 conversions")

	conversions.mu.Lock()
	conversions.submitErr = errDatabaseDown
	conversions.mu.Unlock()

	internal := request(t, natsConnection, subjects.Submit, worker.SubmitRequest{Header: header("bob"), DocumentRef: "doc-3"})
	require.NotNil(t, internal.Failure)
	assert.Equal(t, string(core.KindInternal), internal.Failure.Code)
	assert.NotContains(t, internal.Failure.Message, "10.0.0.7")
}

func TestNotifier_PublishesConversionFinished(t *testing.T) {
	t.Parallel()

	natsConnection := connect(t)

	received := make(chan *nats.Msg, 1)
	sub, err := natsConnection.ChanSubscribe("test.conversions.completed", received)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, natsConnection.Flush())

	snapshot := core.TaskSnapshot{
		ID:          "task-7",
		DocumentRef: "doc-7",
		State:       core.StateCompleted,
		Progress:    core.Progress{CompletedChunks: 3, TotalChunks: 3},
		Artifact:    &core.ArtifactRef{Key: "artifacts/task-7.mp3", Format: core.FormatMP3, DurationSeconds: 12, SizeBytes: 4096},
		Version:     9,
	}

	notifier := worker.NewNotifier(natsConnection, "test.conversions.completed")
	require.NoError(t, notifier.ConversionFinished(context.Background(), "alice", snapshot))

	select {
	case msg := <-received:
		var event worker.ConversionFinished
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, "task-7", event.Header.WorkflowID)
		assert.Equal(t, "alice", event.Header.UserID)
		assert.NotEmpty(t, event.Header.EventID)
		assert.Equal(t, snapshot.Artifact, event.Task.Artifact)
		assert.Equal(t, core.StateCompleted, event.Task.State)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event received")
	}

	canceledCtx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, notifier.ConversionFinished(canceledCtx, "alice", snapshot), context.Canceled)
}

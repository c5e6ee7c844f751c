// Package worker exposes conversions over NATS request/reply and publishes
// completion events.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/orchestrator"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	handleMessageTimeout = 30 * time.Second
	queueGroup           = "narrator-workers"
)

// Failure codes for errors that carry no conversion error kind.
const (
	CodeBadRequest      = "BadRequest"
	CodeTaskNotFound    = "TaskNotFound"
	CodeAlreadyTerminal = "AlreadyTerminal"
	CodeUnavailable     = "Unavailable"
)

// ErrMissingUser is returned when a submission carries no user id.
var ErrMissingUser = errors.New("submission has no user id")

// Conversions is the part of the orchestrator the worker serves.
type Conversions interface {
	Submit(ctx context.Context, userID, documentRef string, voice core.VoiceParams) (string, error)
	Status(ctx context.Context, taskID string) (core.TaskSnapshot, error)
	Cancel(ctx context.Context, taskID string) (core.TaskSnapshot, error)
}

// Subjects names the request subjects the worker listens on.
type Subjects struct {
	Submit string
	Status string
	Cancel string
}

// SubmitRequest asks for a new conversion. The user id travels in the header.
type SubmitRequest struct {
	Header      events.EventHeader `json:"header"`
	DocumentRef string             `json:"document_ref"`
	VoiceParams core.VoiceParams   `json:"voice_params"`
}

// TaskRequest addresses an existing conversion.
type TaskRequest struct {
	Header events.EventHeader `json:"header"`
	TaskID string             `json:"task_id"`
}

// Failure is the error half of a Reply.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply answers every request. Exactly one of Task and Failure is set.
type Reply struct {
	Header  events.EventHeader `json:"header"`
	Task    *core.TaskSnapshot `json:"task,omitempty"`
	Failure *Failure           `json:"failure,omitempty"`
}

// NatsWorker answers conversion requests on NATS subjects.
type NatsWorker struct {
	natsConnection *nats.Conn
	subjects       Subjects
	conversions    Conversions
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subjects Subjects,
	conversions Conversions,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subjects:       subjects,
		conversions:    conversions,
		log:            log,
	}
}

// Run subscribes to the request subjects and serves them until ctx is done.
func (w *NatsWorker) Run(ctx context.Context) error {
	handlers := map[string]nats.MsgHandler{
		w.subjects.Submit: w.handleSubmit,
		w.subjects.Status: w.handleStatus,
		w.subjects.Cancel: w.handleCancel,
	}

	subscriptions := make([]*nats.Subscription, 0, len(handlers))

	for subject, handler := range handlers {
		sub, err := w.natsConnection.QueueSubscribe(subject, queueGroup, handler)
		if err != nil {
			_ = drainAll(subscriptions)

			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}

		subscriptions = append(subscriptions, sub)
	}

	w.log.Info("Listening for conversion requests on %s, %s and %s",
		w.subjects.Submit, w.subjects.Status, w.subjects.Cancel)

	<-ctx.Done()

	drainErr := drainAll(subscriptions)
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscriptions: %w", drainErr)
	}

	return nil
}

func drainAll(subscriptions []*nats.Subscription) error {
	var errs []error

	for _, sub := range subscriptions {
		errs = append(errs, sub.Drain())
	}

	return errors.Join(errs...)
}

func (w *NatsWorker) handleSubmit(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var request SubmitRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		w.respond(msg, events.EventHeader{}, nil, badRequest(err))

		return
	}

	if request.Header.UserID == "" {
		w.respond(msg, request.Header, nil, badRequest(ErrMissingUser))

		return
	}

	taskID, err := w.conversions.Submit(ctx, request.Header.UserID, request.DocumentRef, request.VoiceParams)
	if err != nil {
		w.log.Warn("Rejected submission from %s for document %s: %v", request.Header.UserID, request.DocumentRef, err)
		w.respond(msg, request.Header, nil, describe(err))

		return
	}

	snapshot, err := w.conversions.Status(ctx, taskID)
	w.respond(msg, request.Header, &snapshot, describe(err))
}

func (w *NatsWorker) handleStatus(msg *nats.Msg) {
	w.handleTask(msg, w.conversions.Status)
}

func (w *NatsWorker) handleCancel(msg *nats.Msg) {
	w.handleTask(msg, w.conversions.Cancel)
}

func (w *NatsWorker) handleTask(
	msg *nats.Msg,
	call func(ctx context.Context, taskID string) (core.TaskSnapshot, error),
) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var request TaskRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		w.respond(msg, events.EventHeader{}, nil, badRequest(err))

		return
	}

	snapshot, err := call(ctx, request.TaskID)
	w.respond(msg, request.Header, &snapshot, describe(err))
}

// respond replies with the task or, when failure is set, with the failure.
func (w *NatsWorker) respond(msg *nats.Msg, header events.EventHeader, task *core.TaskSnapshot, failure *Failure) {
	reply := Reply{Header: replyHeader(header), Failure: failure}
	if failure == nil {
		reply.Task = task
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal reply for workflow %s: %v", header.WorkflowID, err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply for workflow %s: %v", header.WorkflowID, err)
	}
}

func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}

func badRequest(err error) *Failure {
	return &Failure{Code: CodeBadRequest, Message: err.Error()}
}

// describe turns an orchestrator error into a Failure. Internal errors keep
// their details in the service log only.
func describe(err error) *Failure {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return &Failure{Code: CodeTaskNotFound, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		return &Failure{Code: CodeAlreadyTerminal, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrQueueClosed):
		return &Failure{Code: CodeUnavailable, Message: err.Error()}
	}

	kind := core.KindOf(err)
	if kind == core.KindInternal {
		return &Failure{Code: string(kind), Message: kind.Message()}
	}

	return &Failure{Code: string(kind), Message: err.Error()}
}

// ConversionFinished is published once per task reaching a terminal state.
// Header.UserID names the submitter to notify.
type ConversionFinished struct {
	Header events.EventHeader `json:"header"`
	Task   core.TaskSnapshot  `json:"task"`
}

// Notifier publishes ConversionFinished events on a subject.
type Notifier struct {
	natsConnection *nats.Conn
	subject        string
}

// NewNotifier creates a Notifier publishing on subject.
func NewNotifier(natsConnection *nats.Conn, subject string) *Notifier {
	return &Notifier{natsConnection: natsConnection, subject: subject}
}

// ConversionFinished implements core.Notifier.
func (n *Notifier) ConversionFinished(ctx context.Context, userID string, snapshot core.TaskSnapshot) error {
	if ctx.Err() != nil {
		return fmt.Errorf("completion of task %s not published: %w", snapshot.ID, ctx.Err())
	}

	event := ConversionFinished{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: snapshot.ID,
			EventID:    uuid.NewString(),
			UserID:     userID,
			TenantID:   "",
		},
		Task: snapshot,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal completion of task %s: %w", snapshot.ID, err)
	}

	err = n.natsConnection.Publish(n.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish completion of task %s: %w", snapshot.ID, err)
	}

	return nil
}

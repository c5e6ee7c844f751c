// Command narrator-client submits, inspects, waits on and cancels conversions
// over NATS request/reply.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
	"github.com/book-expert/narrator-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Actions.
const (
	actionSubmit = "submit"
	actionStatus = "status"
	actionCancel = "cancel"
	actionWait   = "wait"
)

// Flag names.
const (
	flagAction   = "action"
	flagDocument = "document"
	flagTask     = "task"
	flagUser     = "user"
	flagVoice    = "voice"
	flagRate     = "rate"
	flagLanguage = "language"
	flagEngine   = "engine"
	flagNATS     = "nats"
	flagTimeout  = "timeout"
	flagInterval = "interval"
)

// Flag descriptions.
const (
	flagActionDesc   = "One of submit, status, cancel, wait"
	flagDocumentDesc = "Document reference to convert (submit)"
	flagTaskDesc     = "Task id (status, cancel, wait)"
	flagUserDesc     = "User id the submission is charged to"
	flagVoiceDesc    = "Voice type: male or female"
	flagRateDesc     = "Speech rate in [0.5, 2.0]"
	flagLanguageDesc = "Language code"
	flagEngineDesc   = "Engine name (empty selects the service default)"
	flagNATSDesc     = "NATS URL (defaults to the configured one)"
	flagTimeoutDesc  = "Request timeout"
	flagIntervalDesc = "Polling interval for wait"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultInterval = 2 * time.Second
	logFileName     = "narrator-client.log"
)

var (
	// ErrUnknownAction is returned for an -action outside the supported set.
	ErrUnknownAction = errors.New("unknown action")
	// ErrMissingArgument is returned when a flag the action needs is empty.
	ErrMissingArgument = errors.New("missing required flag")
	// ErrRequestFailed wraps a failure reported by the service.
	ErrRequestFailed = errors.New("request failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	action   string
	document string
	task     string
	user     string
	voice    core.VoiceParams
	natsURL  string
	timeout  time.Duration
	interval time.Duration
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	cfg, err := config.Load(clientLog)
	if err != nil {
		return err
	}

	if flags.natsURL == "" {
		flags.natsURL = cfg.NATS.URL
	}

	natsConnection, err := nats.Connect(flags.natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", flags.natsURL, err)
	}
	defer natsConnection.Close()

	client := &client{
		natsConnection: natsConnection,
		subjects: worker.Subjects{
			Submit: cfg.NATS.SubmitSubject,
			Status: cfg.NATS.StatusSubject,
			Cancel: cfg.NATS.CancelSubject,
		},
		timeout: flags.timeout,
		out:     out,
	}

	return client.execute(context.Background(), flags)
}

// parseFlags parses args into appFlags and checks the action's requirements.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("narrator-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.action, flagAction, actionStatus, flagActionDesc)
	flagSet.StringVar(&flags.document, flagDocument, "", flagDocumentDesc)
	flagSet.StringVar(&flags.task, flagTask, "", flagTaskDesc)
	flagSet.StringVar(&flags.user, flagUser, os.Getenv("USER"), flagUserDesc)
	flagSet.StringVar(&flags.voice.VoiceType, flagVoice, core.VoiceFemale, flagVoiceDesc)
	flagSet.Float64Var(&flags.voice.SpeechRate, flagRate, core.DefaultSpeechRate, flagRateDesc)
	flagSet.StringVar(&flags.voice.Language, flagLanguage, "en", flagLanguageDesc)
	flagSet.StringVar(&flags.voice.Engine, flagEngine, "", flagEngineDesc)
	flagSet.StringVar(&flags.natsURL, flagNATS, "", flagNATSDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flagSet.DurationVar(&flags.interval, flagInterval, defaultInterval, flagIntervalDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, err
	}

	return flags, validateFlags(flags)
}

func validateFlags(flags appFlags) error {
	switch flags.action {
	case actionSubmit:
		if flags.document == "" {
			return fmt.Errorf("%w: -%s", ErrMissingArgument, flagDocument)
		}

		if flags.user == "" {
			return fmt.Errorf("%w: -%s", ErrMissingArgument, flagUser)
		}
	case actionStatus, actionCancel, actionWait:
		if flags.task == "" {
			return fmt.Errorf("%w: -%s", ErrMissingArgument, flagTask)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, flags.action)
	}

	return nil
}

// client sends requests to the service.
type client struct {
	natsConnection *nats.Conn
	subjects       worker.Subjects
	timeout        time.Duration
	out            io.Writer
}

func (c *client) execute(ctx context.Context, flags appFlags) error {
	switch flags.action {
	case actionSubmit:
		return c.print(c.submit(ctx, flags.user, flags.document, flags.voice))
	case actionStatus:
		return c.print(c.task(ctx, c.subjects.Status, flags.task))
	case actionCancel:
		return c.print(c.task(ctx, c.subjects.Cancel, flags.task))
	default:
		return c.print(c.wait(ctx, flags.task, flags.interval))
	}
}

func (c *client) submit(ctx context.Context, userID, documentRef string, voice core.VoiceParams) (core.TaskSnapshot, error) {
	return c.request(ctx, c.subjects.Submit, worker.SubmitRequest{
		Header:      newHeader(userID),
		DocumentRef: documentRef,
		VoiceParams: voice,
	})
}

func (c *client) task(ctx context.Context, subject, taskID string) (core.TaskSnapshot, error) {
	return c.request(ctx, subject, worker.TaskRequest{Header: newHeader(""), TaskID: taskID})
}

// wait polls until the task reaches a terminal state, reporting progress
// whenever it changes.
func (c *client) wait(ctx context.Context, taskID string, interval time.Duration) (core.TaskSnapshot, error) {
	var lastVersion int64

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snapshot, err := c.task(ctx, c.subjects.Status, taskID)
		if err != nil {
			return core.TaskSnapshot{}, err
		}

		if snapshot.Version != lastVersion {
			lastVersion = snapshot.Version
			fmt.Fprintf(c.out, "%s: %s %d/%d chunks\n", taskID, snapshot.State,
				snapshot.Progress.CompletedChunks, snapshot.Progress.TotalChunks)
		}

		if snapshot.State.Terminal() {
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return core.TaskSnapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *client) request(ctx context.Context, subject string, payload any) (core.TaskSnapshot, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return core.TaskSnapshot{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.natsConnection.RequestWithContext(requestCtx, subject, data)
	if err != nil {
		return core.TaskSnapshot{}, fmt.Errorf("request on %s failed: %w", subject, err)
	}

	var reply worker.Reply

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return core.TaskSnapshot{}, fmt.Errorf("failed to unmarshal reply: %w", err)
	}

	if reply.Failure != nil {
		return core.TaskSnapshot{}, fmt.Errorf("%w: %s: %s", ErrRequestFailed, reply.Failure.Code, reply.Failure.Message)
	}

	if reply.Task == nil {
		return core.TaskSnapshot{}, fmt.Errorf("%w: empty reply", ErrRequestFailed)
	}

	return *reply.Task, nil
}

func (c *client) print(snapshot core.TaskSnapshot, err error) error {
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Task:     %s\n", snapshot.ID)
	fmt.Fprintf(c.out, "Document: %s\n", snapshot.DocumentRef)
	fmt.Fprintf(c.out, "State:    %s (%d/%d chunks)\n", snapshot.State,
		snapshot.Progress.CompletedChunks, snapshot.Progress.TotalChunks)

	if snapshot.Error != nil {
		fmt.Fprintf(c.out, "Error:    %s: %s\n", snapshot.Error.Kind, snapshot.Error.Message)
	}

	if snapshot.Artifact != nil {
		fmt.Fprintf(c.out, "Audio:    %s (%s, %s)\n", snapshot.Artifact.Key,
			ttsutils.FormatDuration(snapshot.Artifact.DurationSeconds),
			ttsutils.FormatFileSize(snapshot.Artifact.SizeBytes))
	}

	return nil
}

func newHeader(userID string) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
		UserID:     userID,
		TenantID:   "",
	}
}

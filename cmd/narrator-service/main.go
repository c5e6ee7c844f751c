// main package for the narrator-service
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/documents"
	"github.com/book-expert/narrator-service/internal/extract"
	"github.com/book-expert/narrator-service/internal/httpapi"
	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/book-expert/narrator-service/internal/orchestrator"
	"github.com/book-expert/narrator-service/internal/quota"
	"github.com/book-expert/narrator-service/internal/retention"
	"github.com/book-expert/narrator-service/internal/taskstore"
	"github.com/book-expert/narrator-service/internal/tts"
	"github.com/book-expert/narrator-service/internal/tts/audio"
	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
	"github.com/book-expert/narrator-service/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	hoursPerDay       = 24
)

// ErrDefaultEngineUnavailable is returned when engines.default names an
// engine that is not configured.
var ErrDefaultEngineUnavailable = errors.New("default engine is not available")

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// stores bundles the durable collaborators opened at startup.
type stores struct {
	db        *sql.DB
	tasks     *taskstore.Store
	documents *documents.Store
	audio     *objectstore.NatsObjectStore
}

func openStores(ctx context.Context, cfg *config.Config, js nats.JetStreamContext, log *logger.Logger) (*stores, error) {
	audioStore, err := objectstore.New(js, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return nil, err
	}

	documentBlobs, err := objectstore.New(js, cfg.NATS.DocumentObjectStoreBucket)
	if err != nil {
		return nil, err
	}

	dirErr := ttsutils.EnsureDir(filepath.Dir(cfg.Storage.SQLitePath))
	if dirErr != nil {
		return nil, dirErr
	}

	db, err := taskstore.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	repo, err := taskstore.NewSQLiteRepository(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	docs, err := documents.NewStore(ctx, db, documentBlobs)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &stores{db: db, tasks: taskstore.New(repo, log), documents: docs, audio: audioStore}, nil
}

// newLimiter returns the configured quota limiter and a function releasing it.
func newLimiter(cfg config.QuotaConfig) (core.QuotaLimiter, func() error, error) {
	if cfg.Backend == config.QuotaBackendMemory {
		return quota.NewMemoryLimiter(cfg.ConversionsPerHour, quota.DefaultWindow), func() error { return nil }, nil
	}

	limiter, err := quota.NewRedisLimiter(quota.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.ConversionsPerHour, quota.DefaultWindow)
	if err != nil {
		return nil, nil, err
	}

	return limiter, limiter.Close, nil
}

// buildEngines registers every engine the configuration can run. Engines
// missing credentials or models are skipped with a warning.
func buildEngines(cfg config.EnginesConfig, log *logger.Logger) (*tts.Registry, error) {
	engines := []core.Synthesizer{
		tts.NewGTTS(cfg.GTTS.BaseURL, cfg.GTTS.RequestsPerSecond),
		tts.NewHTTPClient(cfg.OuteTTS.ServiceURL, time.Duration(cfg.OuteTTS.TimeoutSeconds)*time.Second,
			cfg.OuteTTS.Temperature),
	}

	if cfg.ElevenLabs.APIKey != "" {
		engines = append(engines, tts.NewElevenLabs(cfg.ElevenLabs.BaseURL, cfg.ElevenLabs.APIKey, cfg.ElevenLabs.ModelID))
	} else {
		log.Warn("Engine %s disabled: no API key configured", tts.EngineElevenLabs)
	}

	chatLLM, err := newChatLLM(cfg.ChatLLM, log)
	if err != nil {
		log.Warn("Engine %s disabled: %v", tts.EngineChatLLM, err)
	} else {
		engines = append(engines, chatLLM)
	}

	registry, err := tts.NewRegistry(engines...)
	if err != nil {
		return nil, err
	}

	_, getErr := registry.Get(cfg.Default)
	if getErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrDefaultEngineUnavailable, cfg.Default)
	}

	return registry, nil
}

func newChatLLM(cfg config.ChatLLMConfig, log *logger.Logger) (*tts.ChatLLMProcessor, error) {
	if cfg.ModelPath == "" || cfg.SnacModelPath == "" {
		return nil, tts.ErrMissingModel
	}

	modelPath, err := ttsutils.GetModelPath(cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	snacModelPath, err := ttsutils.GetModelPath(cfg.SnacModelPath)
	if err != nil {
		return nil, err
	}

	return tts.NewChatLLM(tts.ChatLLMConfig{
		BinaryPath:    cfg.Binary,
		ModelPath:     modelPath,
		SnacModelPath: snacModelPath,
	}, log)
}

func serveHTTP(ctx context.Context, server *http.Server) error {
	errChan := make(chan error, 1)

	go func() {
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	return nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir(), "narrator-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir, "narrator-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	_ = bootstrapLog.Close()

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	durable, err := openStores(ctx, cfg, jetstreamContext, log)
	if err != nil {
		return err
	}
	defer durable.db.Close()

	limiter, closeLimiter, err := newLimiter(cfg.Quota)
	if err != nil {
		return err
	}
	defer closeLimiter()

	engines, err := buildEngines(cfg.Engines, log)
	if err != nil {
		return err
	}

	conversions, err := orchestrator.New(orchestrator.Config{
		Workers:          cfg.Pipeline.Workers,
		QueueSize:        cfg.Pipeline.QueueSize,
		MaxChunkChars:    cfg.Pipeline.MaxChunkChars,
		ChunkConcurrency: cfg.Pipeline.ChunkConcurrency,
		TaskTimeout:      cfg.Pipeline.TaskTimeout(),
		DefaultEngine:    cfg.Engines.Default,
		Languages:        cfg.Engines.Languages,
		NormalizeSpeech:  cfg.Pipeline.NormalizeSpeech,
	}, orchestrator.Dependencies{
		Store:     durable.tasks,
		Documents: durable.documents,
		Quota:     limiter,
		Extractor: extract.New(),
		Engines:   engines,
		Retrier: tts.NewRetrier(tts.RetryPolicy{
			MaxAttempts:    cfg.Pipeline.MaxAttempts,
			InitialBackoff: cfg.Pipeline.InitialBackoff(),
			MaxBackoff:     cfg.Pipeline.MaxBackoff(),
			AttemptTimeout: cfg.Pipeline.ChunkTimeout(),
		}, log),
		Assembler: audio.NewAssembler(durable.audio, log),
		Blobs:     durable.audio,
		Notifier:  worker.NewNotifier(natsConnection, cfg.NATS.CompletedSubject),
		Log:       log,
	})
	if err != nil {
		return err
	}

	recovered, err := conversions.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}

	log.Info("Recovered %d interrupted tasks", recovered)

	natsWorker := worker.NewNatsWorker(natsConnection, worker.Subjects{
		Submit: cfg.NATS.SubmitSubject,
		Status: cfg.NATS.StatusSubject,
		Cancel: cfg.NATS.CancelSubject,
	}, conversions, log)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           httpapi.NewServer(conversions, durable.documents, log).Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	sweeper := retention.NewSweeper(retention.Config{
		Retention: time.Duration(cfg.Retention.AudioRetentionDays) * hoursPerDay * time.Hour,
		Interval:  time.Duration(cfg.Retention.SweepIntervalMinutes) * time.Minute,
	}, durable.tasks, durable.documents, durable.audio, log)

	log.System("Narrator-Service started: engines %v, HTTP on %s, requests on %s",
		engines.Names(), cfg.HTTP.ListenAddr, cfg.NATS.SubmitSubject)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return conversions.Run(groupCtx) })
	group.Go(func() error { return natsWorker.Run(groupCtx) })
	group.Go(func() error { return serveHTTP(groupCtx, httpServer) })
	group.Go(func() error {
		sweeper.Run(groupCtx)

		return nil
	})

	err = group.Wait()
	log.System("Narrator-Service stopped")

	return err
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}

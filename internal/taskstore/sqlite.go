package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/narrator-service/internal/core"

	// Registers the sqlite3 database/sql driver.
	_ "github.com/mattn/go-sqlite3"
)

// ErrRecordNotFound is returned when no persisted record has the id.
var ErrRecordNotFound = errors.New("task record not found")

// DB is the subset of *sql.DB the repositories use.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OpenSQLite opens the service database. A single connection serializes
// writers and keeps ":memory:" databases shared across callers.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	pingErr := db.Ping()
	if pingErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to reach sqlite database %s: %w", path, pingErr)
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS conversion_tasks (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	document_ref     TEXT NOT NULL,
	voice_type       TEXT NOT NULL,
	speech_rate      REAL NOT NULL,
	language         TEXT NOT NULL,
	engine           TEXT NOT NULL,
	state            TEXT NOT NULL,
	completed_chunks INTEGER NOT NULL DEFAULT 0,
	total_chunks     INTEGER NOT NULL DEFAULT 0,
	error_kind       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	artifact_key     TEXT NOT NULL DEFAULT '',
	artifact_format  TEXT NOT NULL DEFAULT '',
	duration_seconds REAL NOT NULL DEFAULT 0,
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	download_count   INTEGER NOT NULL DEFAULT 0,
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	completed_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversion_tasks_state ON conversion_tasks (state, completed_at);
`

const selectColumns = `
	SELECT id, user_id, document_ref, voice_type, speech_rate, language, engine, state,
		completed_chunks, total_chunks, error_kind, error_message,
		artifact_key, artifact_format, duration_seconds, size_bytes,
		download_count, version, created_at, updated_at, completed_at
	FROM conversion_tasks`

// SQLiteRepository persists task-level fields. Chunk jobs are not persisted;
// a task interrupted by a restart is never resumed.
type SQLiteRepository struct {
	db DB
}

// NewSQLiteRepository creates the table when missing.
func NewSQLiteRepository(ctx context.Context, db DB) (*SQLiteRepository, error) {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversion_tasks schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Save inserts or replaces the record.
func (r *SQLiteRepository) Save(ctx context.Context, task *core.ConversionTask) error {
	var (
		errKind, errMessage string
		artifact            core.ArtifactRef
	)

	if task.Error != nil {
		errKind, errMessage = string(task.Error.Kind), task.Error.Message
	}

	if task.Artifact != nil {
		artifact = *task.Artifact
	}

	query := `
		INSERT INTO conversion_tasks (id, user_id, document_ref, voice_type, speech_rate, language,
			engine, state, completed_chunks, total_chunks, error_kind, error_message,
			artifact_key, artifact_format, duration_seconds, size_bytes, download_count,
			version, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			completed_chunks = excluded.completed_chunks,
			total_chunks = excluded.total_chunks,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			artifact_key = excluded.artifact_key,
			artifact_format = excluded.artifact_format,
			duration_seconds = excluded.duration_seconds,
			size_bytes = excluded.size_bytes,
			download_count = excluded.download_count,
			version = excluded.version,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := r.db.ExecContext(ctx, query,
		task.ID, task.UserID, task.DocumentRef, task.Voice.VoiceType, task.Voice.SpeechRate,
		task.Voice.Language, task.Voice.Engine, string(task.State),
		task.Progress.CompletedChunks, task.Progress.TotalChunks, errKind, errMessage,
		artifact.Key, string(artifact.Format), artifact.DurationSeconds, artifact.SizeBytes,
		task.DownloadCount, task.Version, task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
		unixNanoOrZero(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}

	return nil
}

// Get loads one record.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*core.ConversionTask, error) {
	task, err := scanTask(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}

	return task, nil
}

// LoadNonTerminal returns every record left in a transient state.
func (r *SQLiteRepository) LoadNonTerminal(ctx context.Context) ([]*core.ConversionTask, error) {
	return r.query(ctx, selectColumns+` WHERE state NOT IN (?, ?, ?) ORDER BY created_at`,
		string(core.StateCompleted), string(core.StateFailed), string(core.StateCanceled))
}

// ListCompletedBefore returns records that completed before cutoff.
// Downloads after completion do not move a record past the cutoff.
func (r *SQLiteRepository) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*core.ConversionTask, error) {
	return r.query(ctx, selectColumns+` WHERE state = ? AND completed_at < ? ORDER BY completed_at`,
		string(core.StateCompleted), cutoff.UnixNano())
}

// Delete removes a record. Deleting a missing record is not an error.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM conversion_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	return nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]*core.ConversionTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.ConversionTask

	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan task: %w", scanErr)
		}

		tasks = append(tasks, task)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", rowsErr)
	}

	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*core.ConversionTask, error) {
	var (
		task                core.ConversionTask
		state               string
		errKind, errMessage string
		artifact            core.ArtifactRef
		artifactFormat      string
		createdAt           int64
		updatedAt           int64
		completedAt         int64
	)

	err := row.Scan(
		&task.ID, &task.UserID, &task.DocumentRef, &task.Voice.VoiceType, &task.Voice.SpeechRate,
		&task.Voice.Language, &task.Voice.Engine, &state,
		&task.Progress.CompletedChunks, &task.Progress.TotalChunks, &errKind, &errMessage,
		&artifact.Key, &artifactFormat, &artifact.DurationSeconds, &artifact.SizeBytes,
		&task.DownloadCount, &task.Version, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.State = core.TaskState(state)
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if completedAt != 0 {
		task.CompletedAt = time.Unix(0, completedAt).UTC()
	}

	if errKind != "" {
		task.Error = &core.TaskError{Kind: core.ErrorKind(errKind), Message: errMessage}
	}

	if artifact.Key != "" {
		artifact.Format = core.AudioFormat(artifactFormat)
		task.Artifact = &artifact
	}

	return &task, nil
}

func unixNanoOrZero(at time.Time) int64 {
	if at.IsZero() {
		return 0
	}

	return at.UnixNano()
}

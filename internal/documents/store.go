// Package documents keeps uploaded documents: their metadata and conversion
// outputs in SQLite, their raw bytes in blob storage.
package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/taskstore"
)

const blobPrefix = "documents/"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id                     TEXT PRIMARY KEY,
	title                  TEXT NOT NULL,
	file_type              TEXT NOT NULL,
	blob_key               TEXT NOT NULL,
	extracted_text         TEXT NOT NULL DEFAULT '',
	audio_key              TEXT NOT NULL DEFAULT '',
	audio_duration_seconds REAL NOT NULL DEFAULT 0,
	audio_size_bytes       INTEGER NOT NULL DEFAULT 0
);
`

// Store implements core.DocumentStore.
type Store struct {
	db    taskstore.DB
	blobs core.ObjectStore
}

// NewStore creates the documents table when missing.
func NewStore(ctx context.Context, db taskstore.DB, blobs core.ObjectStore) (*Store, error) {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create documents schema: %w", err)
	}

	return &Store{db: db, blobs: blobs}, nil
}

// Register uploads a document's bytes and records it under ref.
func (s *Store) Register(ctx context.Context, ref, title string, format core.DocumentFormat, data []byte) error {
	key := blobPrefix + ref

	uploadErr := s.blobs.Upload(ctx, key, data)
	if uploadErr != nil {
		return fmt.Errorf("failed to store document %s: %w", ref, uploadErr)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, file_type, blob_key) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, file_type = excluded.file_type,
			blob_key = excluded.blob_key`,
		ref, title, string(format), key)
	if err != nil {
		return fmt.Errorf("failed to record document %s: %w", ref, err)
	}

	return nil
}

// Exists reports whether ref names a registered document.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	var found int

	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, ref).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to look up document %s: %w", ref, err)
	}

	return true, nil
}

// Fetch loads a document's metadata and bytes.
func (s *Store) Fetch(ctx context.Context, ref string) (*core.Document, error) {
	var (
		doc     = core.Document{Ref: ref}
		format  string
		blobKey string
	)

	err := s.db.QueryRowContext(ctx, `SELECT title, file_type, blob_key FROM documents WHERE id = ?`, ref).
		Scan(&doc.Title, &format, &blobKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindDocumentNotFound, "document %s is not registered", ref)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", ref, err)
	}

	data, downloadErr := s.blobs.Download(ctx, blobKey)
	if downloadErr != nil {
		return nil, core.NewError(core.KindDocumentNotFound,
			fmt.Errorf("failed to read document %s: %w", ref, downloadErr))
	}

	doc.Format = core.DocumentFormat(format)
	doc.Data = data

	return &doc, nil
}

// Title returns a document's title, or an empty string when unknown.
func (s *Store) Title(ctx context.Context, ref string) string {
	var title string

	_ = s.db.QueryRowContext(ctx, `SELECT title FROM documents WHERE id = ?`, ref).Scan(&title)

	return title
}

// SaveExtractedText records the text extracted from a document.
func (s *Store) SaveExtractedText(ctx context.Context, ref, text string) error {
	return s.exec(ctx, ref, `UPDATE documents SET extracted_text = ? WHERE id = ?`, text, ref)
}

// SaveArtifact records where a document's narration is stored.
func (s *Store) SaveArtifact(ctx context.Context, ref string, artifact core.ArtifactRef) error {
	return s.exec(ctx, ref, `
		UPDATE documents SET audio_key = ?, audio_duration_seconds = ?, audio_size_bytes = ?
		WHERE id = ?`,
		artifact.Key, artifact.DurationSeconds, artifact.SizeBytes, ref)
}

// ClearArtifact forgets a document's narration once its audio is purged.
func (s *Store) ClearArtifact(ctx context.Context, ref, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET audio_key = '', audio_duration_seconds = 0, audio_size_bytes = 0
		WHERE id = ? AND audio_key = ?`, ref, key)
	if err != nil {
		return fmt.Errorf("failed to clear artifact of document %s: %w", ref, err)
	}

	return nil
}

// ExtractedText returns the stored extraction of a document.
func (s *Store) ExtractedText(ctx context.Context, ref string) (string, error) {
	var text string

	err := s.db.QueryRowContext(ctx, `SELECT extracted_text FROM documents WHERE id = ?`, ref).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.Errorf(core.KindDocumentNotFound, "document %s is not registered", ref)
	}

	if err != nil {
		return "", fmt.Errorf("failed to load extracted text of %s: %w", ref, err)
	}

	return text, nil
}

func (s *Store) exec(ctx context.Context, ref, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", ref, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", ref, err)
	}

	if affected == 0 {
		return core.Errorf(core.KindDocumentNotFound, "document %s is not registered", ref)
	}

	return nil
}

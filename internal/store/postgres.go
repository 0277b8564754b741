package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDocument returns sql.ErrNoRows, wrapped, for an unknown id.
func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var (
		doc         Document
		frontMatter []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, front_matter, created_at, updated_at
		FROM documents
		WHERE id = $1
	`, documentID).Scan(&doc.ID, &doc.Path, &frontMatter, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("get document %s: %w", documentID, err)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal(frontMatter, &doc.FrontMatter); err != nil {
		return Document{}, fmt.Errorf("decode front matter: %w", err)
	}
	return doc, nil
}

// UpsertDocument creates or replaces a document's path and front matter.
func (s *PostgresStore) UpsertDocument(ctx context.Context, documentID, path string, frontMatter []string) (Document, error) {
	if frontMatter == nil {
		frontMatter = []string{}
	}
	encoded, err := json.Marshal(frontMatter)
	if err != nil {
		return Document{}, fmt.Errorf("encode front matter: %w", err)
	}

	doc := Document{FrontMatter: frontMatter}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, path, front_matter)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE
		SET path = EXCLUDED.path,
			front_matter = EXCLUDED.front_matter,
			updated_at = NOW()
		RETURNING id, path, created_at, updated_at
	`, documentID, path, string(encoded)).Scan(&doc.ID, &doc.Path, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("upsert document: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes a document. Deleting an unknown id is not an error.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

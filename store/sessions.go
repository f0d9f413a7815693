package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emberworks-io/crucible/types"
)

const sessionColumns = `id, language_id, source_code, status, created_at, updated_at`

// CreateSession inserts a new ACTIVE session seeded with the language's
// starter template.
func (s *Store) CreateSession(ctx context.Context, id string, languageID int64, source string) (*types.Session, error) {
	var sess types.Session
	err := s.db.GetContext(ctx, &sess,
		`INSERT INTO sessions (id, language_id, source_code, status)
		 VALUES ($1, $2, $3, 'ACTIVE')
		 RETURNING `+sessionColumns,
		id, languageID, source)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return &sess, nil
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.GetContext(ctx, &sess,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &sess, nil
}

// SessionWithLanguage is a session joined with its language descriptor.
// The worker loads this in one round trip before invoking the runner.
type SessionWithLanguage struct {
	Session  types.Session
	Language types.Language
}

// GetSessionWithLanguage returns a session joined with its language row.
func (s *Store) GetSessionWithLanguage(ctx context.Context, id string) (*SessionWithLanguage, error) {
	var row struct {
		types.Session
		LangID            int64  `db:"lang_id"`
		LangName          string `db:"lang_name"`
		LangRuntime       string `db:"lang_runtime"`
		LangVersion       string `db:"lang_version"`
		LangFileName      string `db:"lang_file_name"`
		LangTemplateCode  string `db:"lang_template_code"`
		LangDefaultTimeMS int    `db:"lang_default_time_limit_ms"`
		LangDefaultMemory int    `db:"lang_default_memory_mb"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT s.id, s.language_id, s.source_code, s.status, s.created_at, s.updated_at,
		        l.id AS lang_id, l.name AS lang_name, l.runtime AS lang_runtime,
		        l.version AS lang_version, l.file_name AS lang_file_name,
		        l.template_code AS lang_template_code,
		        l.default_time_limit_ms AS lang_default_time_limit_ms,
		        l.default_memory_mb AS lang_default_memory_mb
		 FROM sessions s
		 JOIN languages l ON l.id = s.language_id
		 WHERE s.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session with language: %w", err)
	}
	return &SessionWithLanguage{
		Session: row.Session,
		Language: types.Language{
			ID:                 row.LangID,
			Name:               row.LangName,
			Runtime:            row.LangRuntime,
			Version:            row.LangVersion,
			FileName:           row.LangFileName,
			TemplateCode:       row.LangTemplateCode,
			DefaultTimeLimitMS: row.LangDefaultTimeMS,
			DefaultMemoryMB:    row.LangDefaultMemory,
		},
	}, nil
}

// UpdateSessionSource replaces the session's source text (autosave).
func (s *Store) UpdateSessionSource(ctx context.Context, id, source string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET source_code = $2 WHERE id = $1`, id, source)
	if err != nil {
		return fmt.Errorf("store: update session source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	return nil
}

// CloseSession transitions a session to INACTIVE. Closing an already
// INACTIVE session is a no-op that still succeeds.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'INACTIVE' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	return nil
}

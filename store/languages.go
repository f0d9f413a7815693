package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emberworks-io/crucible/types"
)

const languageColumns = `id, name, runtime, version, file_name, template_code, default_time_limit_ms, default_memory_mb`

// ListLanguages returns the full catalogue, ordered by id.
func (s *Store) ListLanguages(ctx context.Context) ([]types.Language, error) {
	var langs []types.Language
	err := s.db.SelectContext(ctx, &langs,
		`SELECT `+languageColumns+` FROM languages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list languages: %w", err)
	}
	return langs, nil
}

// GetLanguage returns one language descriptor.
func (s *Store) GetLanguage(ctx context.Context, id int64) (*types.Language, error) {
	var lang types.Language
	err := s.db.GetContext(ctx, &lang,
		`SELECT `+languageColumns+` FROM languages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: language %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get language: %w", err)
	}
	return &lang, nil
}

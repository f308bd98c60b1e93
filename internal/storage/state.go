package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// StateStore keeps small JSON documents between watchdog runs
type StateStore struct {
	db *sqlx.DB
}

// NewStateStore creates a new StateStore
func NewStateStore(db *sqlx.DB) *StateStore {
	return &StateStore{db: db}
}

// Load decodes the value stored under key into dest. It reports false when
// the key has never been saved.
func (s *StateStore) Load(ctx context.Context, key string, dest any) (bool, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT value FROM watchdog_state WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("load watchdog state", err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode watchdog state %q: %w", key, err)
	}
	return true, nil
}

// Save stores value under key, replacing any previous value
func (s *StateStore) Save(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode watchdog state %q: %w", key, err)
	}

	query := `
		INSERT INTO watchdog_state (key, value, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(raw)); err != nil {
		return classify("save watchdog state", err)
	}
	return nil
}

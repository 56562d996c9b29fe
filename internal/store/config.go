package store

import (
	"context"
	"database/sql"
	"strconv"
)

// Keys of the config table. Policy values are read at process start.
const (
	KeyMaxAttempts       = "max_attempts"
	KeyBackoffStrategy   = "backoff_strategy"
	KeyBackoffBase       = "backoff_base"
	KeyBackoffCapSeconds = "backoff_cap_seconds"
	KeyRequiredByDefault = "required_by_default"
	KeyCheckpointEvery   = "checkpoint_every"
	KeyPaused            = "paused"
)

// file for config cli functions
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	return err
}

// SeedConfig writes defaults without overriding values already set.
func (s *Store) SeedConfig(ctx context.Context, defaults map[string]string) error {
	for k, v := range defaults {
		if _, err := s.DB.ExecContext(ctx,
			`INSERT OR IGNORE INTO config(key, value) VALUES (?, ?)`, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var val string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return val, err
}

func (s *Store) AllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

func (s *Store) MustGetInt(key string, defaultVal int) int {
	val, err := s.GetConfig(context.Background(), key)
	if err != nil || val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// SetPaused flips the global admission flag read by ClaimOne.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	return s.SetConfig(ctx, KeyPaused, strconv.FormatBool(paused))
}

func (s *Store) Paused(ctx context.Context) (bool, error) {
	val, err := s.GetConfig(ctx, KeyPaused)
	if err != nil {
		return false, err
	}
	return val == "true", nil
}

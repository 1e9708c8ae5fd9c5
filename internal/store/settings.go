package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// SeedSettings writes every key in defaults that is not already present
// in the settings table. Called once at startup with
// config.DefaultSeed(): operators who have already tuned a
// key keep their value across upgrades that add new keys.
func (s *Store) SeedSettings(ctx context.Context, defaults map[string]string) error {
	for key, value := range defaults {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO NOTHING`, key, value)
		if err != nil {
			return fmt.Errorf("store: seeding setting %s: %w", key, err)
		}
	}
	return nil
}

// SetSetting writes or overwrites a single settings-table row. This is
// the only mutation path an operator's live tuning (or the Lifecycle
// Controller's cycle-timestamp bookkeeping) goes through.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: setting %s: %w", key, err)
	}
	return nil
}

// GetString reads a setting as a raw string. Returns fallback if unset.
func (s *Store) GetString(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("store: reading setting %s: %w", key, err)
	}
	return value, nil
}

// GetFloat reads a setting as a float64.
func (s *Store) GetFloat(ctx context.Context, key string, fallback float64) (float64, error) {
	raw, err := s.GetString(ctx, key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("store: setting %s is not a float: %w", key, err)
	}
	return v, nil
}

// GetInt reads a setting as an int.
func (s *Store) GetInt(ctx context.Context, key string, fallback int) (int, error) {
	raw, err := s.GetString(ctx, key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("store: setting %s is not an int: %w", key, err)
	}
	return v, nil
}

// GetBool reads a setting as a bool ("true"/"false").
func (s *Store) GetBool(ctx context.Context, key string, fallback bool) (bool, error) {
	raw, err := s.GetString(ctx, key, "")
	if err != nil {
		return false, err
	}
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("store: setting %s is not a bool: %w", key, err)
	}
	return v, nil
}

// GetDuration reads a setting as a time.Duration (e.g. "5m", "500ms").
func (s *Store) GetDuration(ctx context.Context, key string, fallback time.Duration) (time.Duration, error) {
	raw, err := s.GetString(ctx, key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("store: setting %s is not a duration: %w", key, err)
	}
	return v, nil
}

// GetTime reads a setting as an RFC3339Nano timestamp, used for the
// Sync Engine's per-stream freshness heartbeats. Returns
// the zero Time and ok=false if unset or unparseable.
func (s *Store) GetTime(ctx context.Context, key string) (t time.Time, ok bool, err error) {
	raw, err := s.GetString(ctx, key, "")
	if err != nil {
		return time.Time{}, false, err
	}
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, parseErr := parseTime(raw)
	if parseErr != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SetTime writes t as an RFC3339Nano timestamp setting.
func (s *Store) SetTime(ctx context.Context, key string, t time.Time) error {
	return s.SetSetting(ctx, key, formatTime(t))
}

// AllSettings dumps the full settings table, used by enginectl's
// settings-dump subcommand to render current tuning.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: listing settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scanning setting row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

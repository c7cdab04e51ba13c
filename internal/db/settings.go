package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrSettingNotFound = errors.New("setting not found")

// Setting keys
const (
	SettingIdentity = "identity"
)

// SettingsRepository stores local key/value settings
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository creates a new SettingsRepository
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get retrieves a value by key
func (r *SettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetWithDefault retrieves a value or returns the default if not found
func (r *SettingsRepository) GetWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := r.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	return value
}

// Set creates or updates a value
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	return err
}

// Delete removes a setting
func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// Identity returns the persisted identity, empty when none was saved
func (r *SettingsRepository) Identity(ctx context.Context) (string, error) {
	identity, err := r.Get(ctx, SettingIdentity)
	if errors.Is(err, ErrSettingNotFound) {
		return "", nil
	}
	return identity, err
}

// SetIdentity persists the identity used for the next start
func (r *SettingsRepository) SetIdentity(ctx context.Context, identity string) error {
	return r.Set(ctx, SettingIdentity, identity)
}

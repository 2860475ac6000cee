package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/findosh/harvest/internal/models"
)

// SettingsRepository persists per tax entity harvesting settings
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetSettings returns the stored settings, or nil when the entity has none
func (r *SettingsRepository) GetSettings(ctx context.Context, taxEntityID string) (*models.HarvestingSettings, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM harvesting_settings WHERE tax_entity_id = ?`, taxEntityID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	var s models.HarvestingSettings
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &s, nil
}

// SaveSettings replaces the entity's settings
func (r *SettingsRepository) SaveSettings(ctx context.Context, s *models.HarvestingSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	query := `
		INSERT INTO harvesting_settings (tax_entity_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tax_entity_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, s.TaxEntityID, string(data), formatTime(s.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

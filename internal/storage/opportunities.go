package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/findosh/harvest/internal/models"
)

// OpportunityRepository persists harvest opportunities. The full record is
// kept as JSON; the indexed columns mirror it for queries.
type OpportunityRepository struct {
	db *DB
}

// NewOpportunityRepository creates a new opportunity repository
func NewOpportunityRepository(db *DB) *OpportunityRepository {
	return &OpportunityRepository{db: db}
}

// SaveOpportunity upserts o. A stored row with a higher version is never
// overwritten.
func (r *OpportunityRepository) SaveOpportunity(ctx context.Context, o *models.HarvestOpportunity) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode opportunity: %w", err)
	}

	query := `
		INSERT INTO opportunities (id, tax_entity_id, account_id, symbol, status, unrealized_loss, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			unrealized_loss = excluded.unrealized_loss,
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE excluded.version > opportunities.version
	`
	_, err = r.db.ExecContext(ctx, query,
		o.ID.String(),
		o.TaxEntityID,
		o.AccountID,
		o.Symbol,
		string(o.Status),
		o.UnrealizedLoss.String(),
		o.Version,
		string(data),
		formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save opportunity: %w", err)
	}
	return nil
}

// LoadOpportunities returns every stored opportunity
func (r *OpportunityRepository) LoadOpportunities(ctx context.Context) ([]*models.HarvestOpportunity, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM opportunities ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	var opps []*models.HarvestOpportunity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		var o models.HarvestOpportunity
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("failed to decode opportunity: %w", err)
		}
		opps = append(opps, &o)
	}
	return opps, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/google/uuid"
)

// WashSaleRepository persists wash-sale windows and the purchase history
// the pre-sale leg looks back over
type WashSaleRepository struct {
	db *DB
}

// NewWashSaleRepository creates a new wash-sale repository
func NewWashSaleRepository(db *DB) *WashSaleRepository {
	return &WashSaleRepository{db: db}
}

// SaveWindow upserts w, keeping the higher version
func (r *WashSaleRepository) SaveWindow(ctx context.Context, w *models.WashSaleWindow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode window: %w", err)
	}

	query := `
		INSERT INTO wash_sale_windows (id, entity_id, symbol, status, sale_date, window_end, loss_amount, version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			data = excluded.data
		WHERE excluded.version > wash_sale_windows.version
	`
	_, err = r.db.ExecContext(ctx, query,
		w.ID.String(),
		w.EntityID,
		w.Symbol,
		string(w.Status),
		w.SaleDate.Format("2006-01-02"),
		w.WindowEnd.Format("2006-01-02"),
		w.LossAmount.String(),
		w.Version,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save window: %w", err)
	}
	return nil
}

// SavePurchase stores p. Saving the same purchase, or another purchase
// with the same transaction id, twice is a no-op.
func (r *WashSaleRepository) SavePurchase(ctx context.Context, p *models.PurchaseRecord) error {
	query := `
		INSERT OR IGNORE INTO purchases (id, entity_id, account_id, symbol, purchase_date, transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID.String(),
		p.EntityID,
		p.AccountID,
		p.Symbol,
		p.PurchaseDate.Format("2006-01-02"),
		p.TransactionID,
		formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save purchase: %w", err)
	}
	return nil
}

// LoadWindows returns every stored window
func (r *WashSaleRepository) LoadWindows(ctx context.Context) ([]*models.WashSaleWindow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM wash_sale_windows ORDER BY sale_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to query windows: %w", err)
	}
	defer rows.Close()

	var windows []*models.WashSaleWindow
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan window: %w", err)
		}
		var w models.WashSaleWindow
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return nil, fmt.Errorf("failed to decode window: %w", err)
		}
		windows = append(windows, &w)
	}
	return windows, rows.Err()
}

// LoadPurchases returns purchases made on or after since
func (r *WashSaleRepository) LoadPurchases(ctx context.Context, since time.Time) ([]*models.PurchaseRecord, error) {
	query := `
		SELECT id, entity_id, account_id, symbol, purchase_date, transaction_id, created_at
		FROM purchases WHERE purchase_date >= ? ORDER BY purchase_date
	`
	rows, err := r.db.QueryContext(ctx, query, since.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*models.PurchaseRecord
	for rows.Next() {
		p, err := r.scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (r *WashSaleRepository) scanPurchase(rows *sql.Rows) (*models.PurchaseRecord, error) {
	var p models.PurchaseRecord
	var id, day, created string
	var accountID, txID sql.NullString

	err := rows.Scan(&id, &p.EntityID, &accountID, &p.Symbol, &day, &txID, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to scan purchase: %w", err)
	}

	p.ID, _ = uuid.Parse(id)
	p.AccountID = accountID.String
	p.TransactionID = txID.String
	if p.PurchaseDate, err = time.Parse("2006-01-02", day); err != nil {
		return nil, fmt.Errorf("failed to parse purchase date: %w", err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}

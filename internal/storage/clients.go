package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/auth"
	"github.com/google/uuid"
)

// ClientRepository provides API client data access
type ClientRepository struct {
	db *DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *DB) *ClientRepository {
	return &ClientRepository{db: db}
}

// CreateClient inserts a new client
func (r *ClientRepository) CreateClient(ctx context.Context, c *models.APIClient) error {
	query := `
		INSERT INTO api_clients (id, name, secret_hash, created_at)
		VALUES (?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID.String(),
		c.Name,
		c.SecretHash,
		formatTime(c.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return auth.ErrClientExists
		}
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetClientByName retrieves a client by name
func (r *ClientRepository) GetClientByName(ctx context.Context, name string) (*models.APIClient, error) {
	query := `
		SELECT id, name, secret_hash, created_at, last_used_at
		FROM api_clients WHERE name = ?
	`
	return r.scanClient(r.db.QueryRowContext(ctx, query, name))
}

// TouchClient records the time of a successful authentication
func (r *ClientRepository) TouchClient(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE api_clients SET last_used_at = ? WHERE id = ?", formatTime(at), id)
	return err
}

func (r *ClientRepository) scanClient(row *sql.Row) (*models.APIClient, error) {
	var c models.APIClient
	var id, created string
	var lastUsed sql.NullString

	err := row.Scan(&id, &c.Name, &c.SecretHash, &created, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan client: %w", err)
	}

	c.ID, _ = uuid.Parse(id)
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t, err := parseTime(lastUsed.String)
		if err != nil {
			return nil, err
		}
		c.LastUsedAt = &t
	}
	return &c, nil
}

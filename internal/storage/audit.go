package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/findosh/harvest/internal/services/audit"
	"github.com/google/uuid"
)

// AuditRepository persists the compliance audit chain
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// SaveAuditEntry appends e. Entries are immutable; (entity, seq) is unique
// so a forked chain fails loudly.
func (r *AuditRepository) SaveAuditEntry(ctx context.Context, e *audit.Entry) error {
	var detail sql.NullString
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO audit_entries (id, entity_id, seq, subject, action, from_status, to_status, actor, detail, timestamp, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID.String(),
		e.EntityID,
		e.Seq,
		e.Subject,
		e.Action,
		e.From,
		e.To,
		e.Actor,
		detail,
		formatTime(e.Timestamp),
		e.PrevHash,
		e.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}
	return nil
}

// LoadAuditEntries returns every entry in chain order
func (r *AuditRepository) LoadAuditEntries(ctx context.Context) ([]audit.Entry, error) {
	query := `
		SELECT id, entity_id, seq, subject, action, from_status, to_status, actor, detail, timestamp, prev_hash, hash
		FROM audit_entries ORDER BY entity_id, seq
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *AuditRepository) scanEntry(rows *sql.Rows) (audit.Entry, error) {
	var e audit.Entry
	var id, ts string
	var from, to, actor, detail sql.NullString

	err := rows.Scan(&id, &e.EntityID, &e.Seq, &e.Subject, &e.Action, &from, &to, &actor, &detail, &ts, &e.PrevHash, &e.Hash)
	if err != nil {
		return e, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	e.ID, _ = uuid.Parse(id)
	e.From = from.String
	e.To = to.String
	e.Actor = actor.String
	if detail.Valid {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return e, fmt.Errorf("failed to decode audit detail: %w", err)
		}
	}
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, err
	}
	return e, nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-letter-api/internal/models"
)

// AuditRepository appends and reads the immutable letter audit log. The table
// rejects UPDATE and DELETE through a trigger, so Append is the only write.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Append inserts one entry and fills in its id and sequence.
func (r *AuditRepository) Append(ctx context.Context, exec sqlx.ExtContext, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO letter_audit_entries
	(id, letter_id, action, step, from_step, to_step, actor_user_id, actor_role, comment, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING seq`
	err := sqlx.GetContext(ctx, r.exec(exec), &entry.Seq, query,
		entry.ID,
		entry.LetterID,
		entry.Action,
		entry.Step,
		entry.FromStep,
		entry.ToStep,
		entry.ActorUserID,
		entry.ActorRole,
		entry.Comment,
		entry.Metadata,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// History returns the letter's entries oldest first.
func (r *AuditRepository) History(ctx context.Context, exec sqlx.ExtContext, letterID string) ([]models.AuditEntry, error) {
	const query = `SELECT id, seq, letter_id, action, step, from_step, to_step, actor_user_id, actor_role,
       comment, metadata, created_at
	FROM letter_audit_entries WHERE letter_id = $1 ORDER BY seq ASC`
	var entries []models.AuditEntry
	if err := sqlx.SelectContext(ctx, r.exec(exec), &entries, query, letterID); err != nil {
		return nil, fmt.Errorf("load audit history: %w", err)
	}
	return entries, nil
}

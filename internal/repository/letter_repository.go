package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-letter-api/internal/models"
)

const letterColumns = `id, status, current_step, created_by_id, current_assignee_id, assigned_approvers,
       form_values, signed_at, signature_ref, created_at, updated_at`

// LetterRepository persists letter rows, the materialised projection of the audit log.
type LetterRepository struct {
	db *sqlx.DB
}

// NewLetterRepository constructs the repository.
func NewLetterRepository(db *sqlx.DB) *LetterRepository {
	return &LetterRepository{db: db}
}

func (r *LetterRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Create inserts a new letter. The partial unique index on active letters per
// creator surfaces as ErrActiveLetterExists.
func (r *LetterRepository) Create(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) error {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = now
	}
	if letter.UpdatedAt.IsZero() {
		letter.UpdatedAt = letter.CreatedAt
	}
	const query = `INSERT INTO letters
	(id, status, current_step, created_by_id, current_assignee_id, assigned_approvers, form_values, signed_at, signature_ref, created_at, updated_at)
	VALUES (:id, :status, :current_step, :created_by_id, :current_assignee_id, :assigned_approvers, :form_values, :signed_at, :signature_ref, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, letter); err != nil {
		if uniqueViolation(err, constraintActiveCreator) {
			return ErrActiveLetterExists
		}
		return fmt.Errorf("create letter: %w", err)
	}
	return nil
}

// GetByID fetches a letter without locking. Ids that are not UUIDs report
// sql.ErrNoRows without reaching the database.
func (r *LetterRepository) GetByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Letter, error) {
	return r.get(ctx, exec, `SELECT `+letterColumns+` FROM letters WHERE id = $1`, id)
}

// GetForUpdate fetches and row-locks a letter for the rest of the transaction.
func (r *LetterRepository) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Letter, error) {
	return r.get(ctx, exec, `SELECT `+letterColumns+` FROM letters WHERE id = $1 FOR UPDATE`, id)
}

func (r *LetterRepository) get(ctx context.Context, exec sqlx.ExtContext, query, id string) (*models.Letter, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, sql.ErrNoRows
	}
	var letter models.Letter
	if err := sqlx.GetContext(ctx, r.exec(exec), &letter, query, id); err != nil {
		return nil, err
	}
	return &letter, nil
}

// FindActiveByCreator returns the creator's PROCESSING/REVISION letter, locking it.
func (r *LetterRepository) FindActiveByCreator(ctx context.Context, exec sqlx.ExtContext, creatorID string) (*models.Letter, error) {
	query := `SELECT ` + letterColumns + ` FROM letters
	WHERE created_by_id = $1 AND status IN ($2, $3) LIMIT 1 FOR UPDATE`
	var letter models.Letter
	err := sqlx.GetContext(ctx, r.exec(exec), &letter, query, creatorID, models.LetterStatusProcessing, models.LetterStatusRevision)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find active letter: %w", err)
	}
	return &letter, nil
}

// UpdateLetterStateParams carries the next snapshot and the state it must replace.
type UpdateLetterStateParams struct {
	Letter         *models.Letter
	ExpectedStatus models.LetterStatus
	ExpectedStep   *models.Step
}

// UpdateState writes the next snapshot only if the row still holds the expected
// (status, current_step) pair. A miss returns ErrStaleState.
func (r *LetterRepository) UpdateState(ctx context.Context, exec sqlx.ExtContext, params UpdateLetterStateParams) error {
	letter := params.Letter
	if letter == nil {
		return fmt.Errorf("letter payload is nil")
	}
	const query = `UPDATE letters SET
	status = $1, current_step = $2, current_assignee_id = $3, form_values = $4,
	signed_at = $5, signature_ref = $6, updated_at = $7
	WHERE id = $8 AND status = $9 AND current_step IS NOT DISTINCT FROM $10`
	result, err := r.exec(exec).ExecContext(ctx, query,
		letter.Status,
		letter.CurrentStep,
		letter.CurrentAssigneeID,
		letter.Values,
		letter.SignedAt,
		letter.SignatureRef,
		letter.UpdatedAt,
		letter.ID,
		params.ExpectedStatus,
		params.ExpectedStep,
	)
	if err != nil {
		return fmt.Errorf("update letter state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check letter update rows: %w", err)
	}
	if rows == 0 {
		return ErrStaleState
	}
	return nil
}

// List returns letters matching the filter, most recently updated first.
func (r *LetterRepository) List(ctx context.Context, filter models.LetterFilter) ([]models.Letter, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 6)
	builder.WriteString(`SELECT ` + letterColumns + ` FROM letters`)

	conditions := make([]string, 0, 3)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.CreatedByID != "" {
		args = append(args, filter.CreatedByID)
		conditions = append(conditions, fmt.Sprintf("created_by_id = $%d", len(args)))
	}
	if filter.AssigneeID != "" {
		args = append(args, filter.AssigneeID)
		conditions = append(conditions, fmt.Sprintf("current_assignee_id = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY updated_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var letters []models.Letter
	if err := r.db.SelectContext(ctx, &letters, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list letters: %w", err)
	}
	return letters, nil
}

// ListIDs pages through every letter id in creation order.
func (r *LetterRepository) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT id FROM letters WHERE id > $1 ORDER BY id ASC LIMIT $2`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("list letter ids: %w", err)
	}
	return ids, nil
}

package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-letter-api/internal/models"
	"github.com/noah-isme/sma-letter-api/internal/workflow"
)

// NumberingRepository reserves globally unique document numbers.
type NumberingRepository struct {
	db *sqlx.DB
}

// NewNumberingRepository constructs the repository.
func NewNumberingRepository(db *sqlx.DB) *NumberingRepository {
	return &NumberingRepository{db: db}
}

func (r *NumberingRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Reserve inserts the record in a single unique-constrained statement. A
// duplicate number string returns ErrNumberTaken.
func (r *NumberingRepository) Reserve(ctx context.Context, exec sqlx.ExtContext, record *models.NumberingRecord) error {
	if record.AssignedAt.IsZero() {
		record.AssignedAt = time.Now().UTC()
	}
	const query = `INSERT INTO letter_numberings (letter_id, number_string, assigned_by_user_id, assigned_at)
	VALUES (:letter_id, :number_string, :assigned_by_user_id, :assigned_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, record); err != nil {
		if uniqueViolation(err, constraintNumberString) {
			return ErrNumberTaken
		}
		return fmt.Errorf("reserve document number: %w", err)
	}
	return nil
}

// GetByLetter returns the numbering of a completed letter.
func (r *NumberingRepository) GetByLetter(ctx context.Context, exec sqlx.ExtContext, letterID string) (*models.NumberingRecord, error) {
	const query = `SELECT letter_id, number_string, assigned_by_user_id, assigned_at
	FROM letter_numberings WHERE letter_id = $1`
	var record models.NumberingRecord
	if err := sqlx.GetContext(ctx, r.exec(exec), &record, query, letterID); err != nil {
		return nil, err
	}
	return &record, nil
}

// NumbersLike returns issued numbers starting with prefix and ending with suffix.
func (r *NumberingRepository) NumbersLike(ctx context.Context, prefix, suffix string) ([]string, error) {
	const query = `SELECT number_string FROM letter_numberings WHERE number_string LIKE $1 ESCAPE '\'`
	pattern := escapeLike(prefix) + "%" + escapeLike(suffix)
	var numbers []string
	if err := r.db.SelectContext(ctx, &numbers, query, pattern); err != nil {
		return nil, fmt.Errorf("list document numbers: %w", err)
	}
	return numbers, nil
}

// NextCounter scans the numbers issued for date under prefix and returns the
// next free counter. It never reserves anything.
func (r *NumberingRepository) NextCounter(ctx context.Context, prefix string, date time.Time) (int, error) {
	numbers, err := r.NumbersLike(ctx, prefix+"-", workflow.NumberSuffix(date))
	if err != nil {
		return 0, err
	}
	return workflow.NextCounter(prefix, date, numbers), nil
}

func escapeLike(raw string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(raw)
}

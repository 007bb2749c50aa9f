package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-letter-api/internal/models"
)

func TestNumberingRepositoryReserve(t *testing.T) {
	db, mock, cleanup := newLetterRepoMock(t)
	defer cleanup()
	repo := NewNumberingRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO letter_numberings")).
		WithArgs("letter-1", "SK-1/05/03/2025", "u8", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	record := &models.NumberingRecord{LetterID: "letter-1", NumberString: "SK-1/05/03/2025", AssignedByUserID: "u8"}
	require.NoError(t, repo.Reserve(context.Background(), nil, record))
	assert.False(t, record.AssignedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNumberingRepositoryReserveDuplicate(t *testing.T) {
	db, mock, cleanup := newLetterRepoMock(t)
	defer cleanup()
	repo := NewNumberingRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO letter_numberings")).
		WillReturnError(&pq.Error{Code: pqUniqueViolation, Constraint: constraintNumberString})

	err := repo.Reserve(context.Background(), nil, &models.NumberingRecord{LetterID: "letter-2", NumberString: "SK-1/05/03/2025", AssignedByUserID: "u8"})
	assert.ErrorIs(t, err, ErrNumberTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNumberingRepositoryNextCounter(t *testing.T) {
	db, mock, cleanup := newLetterRepoMock(t)
	defer cleanup()
	repo := NewNumberingRepository(db)

	date := time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT number_string FROM letter_numberings WHERE number_string LIKE $1")).
		WithArgs(`SK\_A-%/05/03/2025`).
		WillReturnRows(sqlmock.NewRows([]string{"number_string"}).
			AddRow("SK_A-1/05/03/2025").
			AddRow("SK_A-7/05/03/2025").
			AddRow("SK_A-x/05/03/2025"))

	next, err := repo.NextCounter(context.Background(), "SK_A", date)
	require.NoError(t, err)
	assert.Equal(t, 8, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNumberingRepositoryNextCounterEmptyDay(t *testing.T) {
	db, mock, cleanup := newLetterRepoMock(t)
	defer cleanup()
	repo := NewNumberingRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM letter_numberings WHERE number_string LIKE $1")).
		WithArgs("SK-%/01/01/2026").
		WillReturnRows(sqlmock.NewRows([]string{"number_string"}))

	next, err := repo.NextCounter(context.Background(), "SK", time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

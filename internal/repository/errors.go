package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNumberTaken signals a unique violation on the document number.
	ErrNumberTaken = errors.New("document number already taken")
	// ErrActiveLetterExists signals the creator already has a letter in progress.
	ErrActiveLetterExists = errors.New("creator already has an active letter")
	// ErrStaleState signals a conditional update matched no row.
	ErrStaleState = errors.New("letter state changed concurrently")
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"

	constraintNumberString  = "letter_numberings_number_string_key"
	constraintActiveCreator = "letters_one_active_per_creator"
)

// IsRetryable reports whether err is a transient concurrency failure safe to retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrStaleState) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}
	return false
}

func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

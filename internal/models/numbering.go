package models

import "time"

// NumberingRecord is the document number assigned to a completed letter.
type NumberingRecord struct {
	LetterID         string    `db:"letter_id" json:"letterId"`
	NumberString     string    `db:"number_string" json:"numberString"`
	AssignedByUserID string    `db:"assigned_by_user_id" json:"assignedByUserId"`
	AssignedAt       time.Time `db:"assigned_at" json:"assignedAt"`
}

// NumberSuggestion is an advisory, unreserved document number.
type NumberSuggestion struct {
	NumberString string    `json:"numberString"`
	Counter      int       `json:"counter"`
	Date         time.Time `json:"date"`
}

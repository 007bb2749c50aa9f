package dto

import (
	"encoding/json"

	"github.com/noah-isme/sma-letter-api/internal/models"
)

// SubmitLetterRequest opens a new letter with its full approver roster.
// Roster completeness is a routing concern checked by the workflow.
type SubmitLetterRequest struct {
	AssignedApprovers models.AssignedApprovers `json:"assignedApprovers"`
	Values            json.RawMessage          `json:"values" validate:"required"`
}

// SignaturePayload is captured when the vice dean approves step 7.
// Data is the optional raw signature blob, fingerprinted but not stored.
type SignaturePayload struct {
	Ref  string `json:"ref" validate:"required,max=512"`
	Data string `json:"data,omitempty"`
}

// ApproveLetterRequest approves the letter at Step.
type ApproveLetterRequest struct {
	Step      int               `json:"step" validate:"required,min=1,max=8"`
	Comment   string            `json:"comment" validate:"max=2000"`
	Signature *SignaturePayload `json:"signature,omitempty"`
}

// ReviewLetterRequest is shared by reject and revise. The comment minimum is
// enforced by the workflow after trimming.
type ReviewLetterRequest struct {
	Step    int    `json:"step" validate:"required,min=1,max=8"`
	Comment string `json:"comment" validate:"required,max=2000"`
}

// SelfReviseLetterRequest lets the creator pull the letter back.
type SelfReviseLetterRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

// ResubmitLetterRequest carries the corrected form values.
type ResubmitLetterRequest struct {
	Values json.RawMessage `json:"values" validate:"required"`
}

// AssignNumberRequest completes the letter with a document number.
type AssignNumberRequest struct {
	NumberString string `json:"numberString" validate:"required,max=128"`
}

// LetterListQuery mirrors listing filters accepted by inbox and mine.
type LetterListQuery struct {
	Status []models.LetterStatus
	Limit  int
	Offset int
}

// LetterDetail decorates a letter with log-derived flags.
type LetterDetail struct {
	models.Letter
	AwaitingResubmission bool `json:"awaitingResubmission"`
}

// HistoryExportResponse points at a rendered audit history file.
type HistoryExportResponse struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	Format    string `json:"format"`
	ExpiresAt string `json:"expiresAt"`
}

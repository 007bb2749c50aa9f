package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction enumerates the recorded workflow actions.
type AuditAction string

const (
	AuditActionSubmitted   AuditAction = "SUBMITTED"
	AuditActionApproved    AuditAction = "APPROVED"
	AuditActionRejected    AuditAction = "REJECTED"
	AuditActionRevised     AuditAction = "REVISED"
	AuditActionSelfRevised AuditAction = "SELF_REVISED"
	AuditActionResubmitted AuditAction = "RESUBMITTED"
	AuditActionSigned      AuditAction = "SIGNED"
	AuditActionNumbered    AuditAction = "NUMBERED"
	AuditActionCancelled   AuditAction = "CANCELLED"
)

// Rollback reports whether the action moved the letter back for correction.
func (a AuditAction) Rollback() bool {
	return a == AuditActionRevised || a == AuditActionSelfRevised
}

// AuditEntry is one immutable record of an action on a letter.
type AuditEntry struct {
	ID          string        `db:"id" json:"id"`
	Seq         int64         `db:"seq" json:"seq"`
	LetterID    string        `db:"letter_id" json:"letterId"`
	Action      AuditAction   `db:"action" json:"action"`
	Step        *Step         `db:"step" json:"step"`
	FromStep    *Step         `db:"from_step" json:"fromStep,omitempty"`
	ToStep      *Step         `db:"to_step" json:"toStep,omitempty"`
	ActorUserID string        `db:"actor_user_id" json:"actorUserId"`
	ActorRole   Role          `db:"actor_role" json:"actorRole"`
	Comment     *string       `db:"comment" json:"comment,omitempty"`
	Metadata    AuditMetadata `db:"metadata" json:"metadata"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
}

// AuditMetadata carries the action-specific payload.
type AuditMetadata struct {
	SignatureRef    string `json:"signatureRef,omitempty"`
	SignatureDigest string `json:"signatureDigest,omitempty"`
	NumberString    string `json:"numberString,omitempty"`
}

// Value marshals metadata to JSON.
func (m AuditMetadata) Value() (driver.Value, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal audit metadata: %w", err)
	}
	return data, nil
}

// Scan unmarshals the JSONB column.
func (m *AuditMetadata) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan audit metadata: %w", err)
	}
	*m = AuditMetadata{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("unmarshal audit metadata: %w", err)
	}
	return nil
}

package workflow

import (
	"fmt"
	"time"

	"github.com/noah-isme/sma-letter-api/internal/models"
)

// Projection is the letter state derived from its audit log.
type Projection struct {
	Status       models.LetterStatus
	CurrentStep  *models.Step
	SignedAt     *time.Time
	SignatureRef string
	NumberString string
}

// Replay folds an ordered audit log into the projection it implies.
func Replay(entries []models.AuditEntry) (Projection, error) {
	var p Projection
	for i, entry := range entries {
		if i == 0 {
			if entry.Action != models.AuditActionSubmitted {
				return p, fmt.Errorf("entry %d: log must start with %s, got %s", i, models.AuditActionSubmitted, entry.Action)
			}
			p.Status = models.LetterStatusProcessing
			p.CurrentStep = models.FirstStep.Ptr()
			continue
		}
		if p.Status.Terminal() {
			return p, fmt.Errorf("entry %d: %s recorded after terminal %s", i, entry.Action, p.Status)
		}
		switch entry.Action {
		case models.AuditActionApproved:
			if entry.Step == nil || p.CurrentStep == nil || *entry.Step != *p.CurrentStep {
				return p, fmt.Errorf("entry %d: approval does not match current step", i)
			}
			next := *entry.Step + 1
			p.Status = models.LetterStatusProcessing
			p.CurrentStep = next.Ptr()
		case models.AuditActionSigned:
			at := entry.CreatedAt
			p.SignedAt = &at
			p.SignatureRef = entry.Metadata.SignatureRef
		case models.AuditActionRevised, models.AuditActionSelfRevised:
			if entry.ToStep == nil {
				return p, fmt.Errorf("entry %d: rollback without target step", i)
			}
			p.Status = models.LetterStatusRevision
			p.CurrentStep = entry.ToStep.Ptr()
		case models.AuditActionResubmitted:
			p.Status = models.LetterStatusProcessing
		case models.AuditActionRejected:
			p.Status = models.LetterStatusRejected
			p.CurrentStep = nil
		case models.AuditActionCancelled:
			p.Status = models.LetterStatusCancelled
			p.CurrentStep = nil
		case models.AuditActionNumbered:
			p.Status = models.LetterStatusCompleted
			p.CurrentStep = nil
			p.NumberString = entry.Metadata.NumberString
		default:
			return p, fmt.Errorf("entry %d: unknown action %s", i, entry.Action)
		}
	}
	return p, nil
}

// Matches reports whether the stored letter agrees with the projection.
func (p Projection) Matches(letter *models.Letter) bool {
	if letter == nil || letter.Status != p.Status {
		return false
	}
	if (letter.CurrentStep == nil) != (p.CurrentStep == nil) {
		return false
	}
	if letter.CurrentStep != nil && *letter.CurrentStep != *p.CurrentStep {
		return false
	}
	if (letter.SignedAt == nil) != (p.SignedAt == nil) {
		return false
	}
	return letter.SignedAt == nil || letter.SignedAt.Equal(*p.SignedAt)
}

// AwaitingResubmission reports whether the latest rollback has not yet been answered by a resubmission.
func AwaitingResubmission(history []models.AuditEntry) bool {
	for i := len(history) - 1; i >= 0; i-- {
		action := history[i].Action
		if action == models.AuditActionResubmitted {
			return false
		}
		if action.Rollback() {
			return true
		}
	}
	return false
}

package workflow

import "github.com/noah-isme/sma-letter-api/internal/models"

// Action names an operation subject to the access policy.
type Action string

const (
	ActionApprove       Action = "approve"
	ActionReject        Action = "reject"
	ActionRevise        Action = "revise"
	ActionSelfRevise    Action = "self-revise"
	ActionResubmit      Action = "resubmit"
	ActionCancel        Action = "cancel"
	ActionSuggestNumber Action = "suggest-number"
	ActionAssignNumber  Action = "assign-number"
)

// CanAct reports whether the actor may perform the action on the letter as it stands.
func CanAct(letter *models.Letter, actorID string, action Action) bool {
	if letter == nil || actorID == "" {
		return false
	}
	switch action {
	case ActionApprove, ActionReject, ActionRevise:
		if letter.CurrentStep == nil {
			return false
		}
		approver, err := ResolveApprover(letter, *letter.CurrentStep)
		return err == nil && approver == actorID
	case ActionCancel, ActionSelfRevise, ActionResubmit:
		return letter.CreatedByID == actorID
	case ActionSuggestNumber, ActionAssignNumber:
		approver, err := ResolveApprover(letter, models.NumberingStep)
		return err == nil && approver == actorID
	default:
		return false
	}
}

// CanView grants visibility to the creator, every assignee and anyone who
// appears in the letter's history.
func CanView(letter *models.Letter, history []models.AuditEntry, actorID string) bool {
	if letter == nil || actorID == "" {
		return false
	}
	if letter.CreatedByID == actorID || letter.AssignedApprovers.Contains(actorID) {
		return true
	}
	for _, entry := range history {
		if entry.ActorUserID == actorID {
			return true
		}
	}
	return false
}

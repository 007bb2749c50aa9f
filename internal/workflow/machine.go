package workflow

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

// MinCommentLength applies to reject and revise comments.
const MinCommentLength = 10

// RollbackPolicy decides where a self-revision sends the letter.
type RollbackPolicy string

const (
	// RollbackToFirstStep restarts routing at step 1.
	RollbackToFirstStep RollbackPolicy = "first"
	// RollbackToPreviousStep moves back a single step, never below step 1.
	RollbackToPreviousStep RollbackPolicy = "previous"
)

// ParseRollbackPolicy falls back to RollbackToFirstStep for unknown values.
func ParseRollbackPolicy(raw string) RollbackPolicy {
	switch RollbackPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case RollbackToPreviousStep:
		return RollbackToPreviousStep
	default:
		return RollbackToFirstStep
	}
}

// Signature is the payload captured at the signing step.
type Signature struct {
	Ref    string
	Digest string
}

// Transition is the outcome of a validated command: the next letter snapshot
// and the audit entries to append with it.
type Transition struct {
	FromStatus models.LetterStatus
	FromStep   *models.Step
	Letter     models.Letter
	Entries    []models.AuditEntry
	Numbering  *models.NumberingRecord
}

// Machine computes transitions. It is safe for concurrent use.
type Machine struct {
	rollback RollbackPolicy
}

// NewMachine builds a state machine with the given self-revision policy.
func NewMachine(rollback RollbackPolicy) *Machine {
	if rollback == "" {
		rollback = RollbackToFirstStep
	}
	return &Machine{rollback: rollback}
}

// RollbackPolicy exposes the configured self-revision target.
func (m *Machine) RollbackPolicy() RollbackPolicy {
	return m.rollback
}

// Submit creates the initial PROCESSING(1) snapshot.
func (m *Machine) Submit(letterID, creatorID string, approvers models.AssignedApprovers, values models.LetterValues, now time.Time) (*Transition, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if missing := MissingSteps(approvers); len(missing) > 0 {
		return nil, appErrors.Clone(appErrors.ErrRouting, fmt.Sprintf("no approver assigned for step %d", missing[0]))
	}
	letter := models.Letter{
		ID:                letterID,
		Status:            models.LetterStatusProcessing,
		CurrentStep:       models.FirstStep.Ptr(),
		CreatedByID:       creatorID,
		AssignedApprovers: approvers,
		Values:            append(models.LetterValues(nil), values...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	t := &Transition{
		Letter: letter,
		Entries: []models.AuditEntry{
			newEntry(&letter, models.AuditActionSubmitted, models.FirstStep.Ptr(), creatorID, models.RoleRequester, nil, now),
		},
	}
	return t.settle(), nil
}

// Approve advances the letter from the given step. Step 7 requires a signature.
func (m *Machine) Approve(letter *models.Letter, actorID string, step models.Step, comment string, signature *Signature, now time.Time) (*Transition, error) {
	if err := expectStep(letter, step); err != nil {
		return nil, err
	}
	if step == models.NumberingStep {
		return nil, appErrors.Clone(appErrors.ErrInvalidStep, "the numbering step completes by assigning a document number")
	}
	if !CanAct(letter, actorID, ActionApprove) {
		return nil, appErrors.ErrNotPermitted
	}
	if step == models.SigningStep && (signature == nil || strings.TrimSpace(signature.Ref) == "") {
		return nil, appErrors.Clone(appErrors.ErrValidation, "signature payload is required at the signing step")
	}

	t := begin(letter)
	next := step + 1
	t.Letter.Status = models.LetterStatusProcessing
	t.Letter.CurrentStep = next.Ptr()
	role := RoleForStep(step)
	t.Entries = append(t.Entries, newEntry(letter, models.AuditActionApproved, step.Ptr(), actorID, role, optionalComment(comment), now))
	if step == models.SigningStep {
		ref := strings.TrimSpace(signature.Ref)
		signedAt := now
		t.Letter.SignedAt = &signedAt
		t.Letter.SignatureRef = &ref
		signed := newEntry(letter, models.AuditActionSigned, step.Ptr(), actorID, role, nil, now)
		signed.Metadata = models.AuditMetadata{SignatureRef: ref, SignatureDigest: signature.Digest}
		t.Entries = append(t.Entries, signed)
	}
	t.Letter.UpdatedAt = now
	return t.settle(), nil
}

// Reject terminates the letter at the given step.
func (m *Machine) Reject(letter *models.Letter, actorID string, step models.Step, comment string, now time.Time) (*Transition, error) {
	if err := expectStep(letter, step); err != nil {
		return nil, err
	}
	if !CanAct(letter, actorID, ActionReject) {
		return nil, appErrors.ErrNotPermitted
	}
	if err := validateComment(comment); err != nil {
		return nil, err
	}
	t := begin(letter)
	t.Letter.Status = models.LetterStatusRejected
	t.Letter.CurrentStep = nil
	t.Letter.UpdatedAt = now
	t.Entries = append(t.Entries, newEntry(letter, models.AuditActionRejected, step.Ptr(), actorID, RoleForStep(step), optionalComment(comment), now))
	return t.settle(), nil
}

// Revise sends the letter back to step 1 for correction by the requester.
func (m *Machine) Revise(letter *models.Letter, actorID string, step models.Step, comment string, now time.Time) (*Transition, error) {
	if err := expectStep(letter, step); err != nil {
		return nil, err
	}
	if letter.Signed() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStep, "signed letters can no longer be revised")
	}
	if !CanAct(letter, actorID, ActionRevise) {
		return nil, appErrors.ErrNotPermitted
	}
	if err := validateComment(comment); err != nil {
		return nil, err
	}
	t := begin(letter)
	t.Letter.Status = models.LetterStatusRevision
	t.Letter.CurrentStep = models.FirstStep.Ptr()
	t.Letter.UpdatedAt = now
	entry := newEntry(letter, models.AuditActionRevised, step.Ptr(), actorID, RoleForStep(step), optionalComment(comment), now)
	entry.FromStep = step.Ptr()
	entry.ToStep = models.FirstStep.Ptr()
	t.Entries = append(t.Entries, entry)
	return t.settle(), nil
}

// SelfRevise lets the creator pull an unsigned letter back for correction.
func (m *Machine) SelfRevise(letter *models.Letter, actorID, comment string, now time.Time) (*Transition, error) {
	current, err := expectActive(letter)
	if err != nil {
		return nil, err
	}
	if letter.Signed() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStep, "signed letters can no longer be revised")
	}
	if !CanAct(letter, actorID, ActionSelfRevise) {
		return nil, appErrors.ErrNotPermitted
	}
	target := m.rollbackTarget(current)
	t := begin(letter)
	t.Letter.Status = models.LetterStatusRevision
	t.Letter.CurrentStep = target.Ptr()
	t.Letter.UpdatedAt = now
	entry := newEntry(letter, models.AuditActionSelfRevised, current.Ptr(), actorID, models.RoleRequester, optionalComment(comment), now)
	entry.FromStep = current.Ptr()
	entry.ToStep = target.Ptr()
	t.Entries = append(t.Entries, entry)
	return t.settle(), nil
}

// Resubmit returns a corrected letter to PROCESSING at the step it was rolled back to.
func (m *Machine) Resubmit(letter *models.Letter, history []models.AuditEntry, actorID string, values models.LetterValues, now time.Time) (*Transition, error) {
	current, err := expectActive(letter)
	if err != nil {
		return nil, err
	}
	if letter.Status != models.LetterStatusRevision || !AwaitingResubmission(history) {
		return nil, appErrors.Clone(appErrors.ErrInvalidStep, "letter is not awaiting resubmission")
	}
	if !CanAct(letter, actorID, ActionResubmit) {
		return nil, appErrors.ErrNotPermitted
	}
	if len(values) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "values are required")
	}
	t := begin(letter)
	t.Letter.Status = models.LetterStatusProcessing
	t.Letter.Values = append(models.LetterValues(nil), values...)
	t.Letter.UpdatedAt = now
	t.Entries = append(t.Entries, newEntry(letter, models.AuditActionResubmitted, current.Ptr(), actorID, models.RoleRequester, nil, now))
	return t.settle(), nil
}

// Cancel withdraws an unsigned letter.
func (m *Machine) Cancel(letter *models.Letter, actorID string, now time.Time) (*Transition, error) {
	current, err := expectActive(letter)
	if err != nil {
		return nil, err
	}
	if letter.Signed() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStep, "signed letters can no longer be cancelled")
	}
	if !CanAct(letter, actorID, ActionCancel) {
		return nil, appErrors.ErrNotPermitted
	}
	t := begin(letter)
	t.Letter.Status = models.LetterStatusCancelled
	t.Letter.CurrentStep = nil
	t.Letter.UpdatedAt = now
	t.Entries = append(t.Entries, newEntry(letter, models.AuditActionCancelled, current.Ptr(), actorID, models.RoleRequester, nil, now))
	return t.settle(), nil
}

// CheckNumbering validates that the actor may propose or assign a number now.
func (m *Machine) CheckNumbering(letter *models.Letter, actorID string, action Action) error {
	if err := expectStep(letter, models.NumberingStep); err != nil {
		return err
	}
	if !CanAct(letter, actorID, action) {
		return appErrors.ErrNotPermitted
	}
	return nil
}

// AssignNumber completes the letter with the given document number.
func (m *Machine) AssignNumber(letter *models.Letter, actorID, numberString string, now time.Time) (*Transition, error) {
	if err := m.CheckNumbering(letter, actorID, ActionAssignNumber); err != nil {
		return nil, err
	}
	number := strings.TrimSpace(numberString)
	if number == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "numberString is required")
	}
	record := &models.NumberingRecord{
		LetterID:         letter.ID,
		NumberString:     number,
		AssignedByUserID: actorID,
		AssignedAt:       now,
	}
	t := begin(letter)
	t.Letter.Status = models.LetterStatusCompleted
	t.Letter.CurrentStep = nil
	t.Letter.UpdatedAt = now
	t.Letter.Numbering = record
	t.Numbering = record
	entry := newEntry(letter, models.AuditActionNumbered, models.NumberingStep.Ptr(), actorID, models.RoleRegistryOfficer, nil, now)
	entry.Metadata = models.AuditMetadata{NumberString: number}
	t.Entries = append(t.Entries, entry)
	return t.settle(), nil
}

func (m *Machine) rollbackTarget(current models.Step) models.Step {
	if m.rollback == RollbackToPreviousStep && current > models.FirstStep {
		return current - 1
	}
	return models.FirstStep
}

// settle points the current assignee at whoever owns the resulting step.
func (t *Transition) settle() *Transition {
	t.Letter.CurrentAssigneeID = nil
	if t.Letter.CurrentStep != nil {
		if approver := t.Letter.AssignedApprovers.ForStep(*t.Letter.CurrentStep); approver != "" {
			t.Letter.CurrentAssigneeID = &approver
		}
	}
	return t
}

func begin(letter *models.Letter) *Transition {
	snapshot := *letter
	var fromStep *models.Step
	if letter.CurrentStep != nil {
		fromStep = letter.CurrentStep.Ptr()
	}
	return &Transition{
		FromStatus: letter.Status,
		FromStep:   fromStep,
		Letter:     snapshot,
	}
}

func expectActive(letter *models.Letter) (models.Step, error) {
	if letter == nil {
		return 0, appErrors.ErrNotFound
	}
	if letter.Status.Terminal() || !letter.Status.Active() || letter.CurrentStep == nil {
		return 0, appErrors.ErrAlreadyTerminal
	}
	return *letter.CurrentStep, nil
}

func expectStep(letter *models.Letter, step models.Step) error {
	current, err := expectActive(letter)
	if err != nil {
		return err
	}
	if current != step {
		return appErrors.Clone(appErrors.ErrInvalidStep, fmt.Sprintf("letter is at step %d, not %d", current, step))
	}
	return nil
}

func validateComment(comment string) error {
	if utf8.RuneCountInString(strings.TrimSpace(comment)) < MinCommentLength {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("comment must be at least %d characters", MinCommentLength))
	}
	return nil
}

func optionalComment(comment string) *string {
	trimmed := strings.TrimSpace(comment)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func newEntry(letter *models.Letter, action models.AuditAction, step *models.Step, actorID string, role models.Role, comment *string, now time.Time) models.AuditEntry {
	return models.AuditEntry{
		LetterID:    letter.ID,
		Action:      action,
		Step:        step,
		ActorUserID: actorID,
		ActorRole:   role,
		Comment:     comment,
		CreatedAt:   now,
	}
}

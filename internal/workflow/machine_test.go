package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

var fixedNow = time.Date(2025, 5, 3, 9, 30, 0, 0, time.UTC)

func roster() models.AssignedApprovers {
	return models.AssignedApprovers{
		Supervisor:         "u-s1",
		Coordinator:        "u-s2",
		DepartmentHead:     "u-s3",
		FacultyAdmin:       "u-s4",
		AcademicSupervisor: "u-s5",
		OperationsManager:  "u-s6",
		ViceDean:           "u-s7",
		RegistryOfficer:    "u-s8",
	}
}

func approverFor(step models.Step) string {
	return roster().ForStep(step)
}

func submitted(t *testing.T, m *Machine) (*models.Letter, []models.AuditEntry) {
	t.Helper()
	tr, err := m.Submit("L1", "u-c", roster(), models.LetterValues(`{"purpose":"internship"}`), fixedNow)
	require.NoError(t, err)
	return &tr.Letter, tr.Entries
}

// advance approves steps until the letter sits at target.
func advance(t *testing.T, m *Machine, letter *models.Letter, history []models.AuditEntry, target models.Step) (*models.Letter, []models.AuditEntry) {
	t.Helper()
	for *letter.CurrentStep < target {
		step := *letter.CurrentStep
		var sig *Signature
		if step == models.SigningStep {
			sig = &Signature{Ref: "sig-ref", Digest: "abc"}
		}
		tr, err := m.Approve(letter, approverFor(step), step, "", sig, fixedNow)
		require.NoError(t, err)
		letter = &tr.Letter
		history = append(history, tr.Entries...)
	}
	return letter, history
}

func TestMachineSubmit(t *testing.T) {
	m := NewMachine("")
	letter, entries := submitted(t, m)

	assert.Equal(t, models.LetterStatusProcessing, letter.Status)
	require.NotNil(t, letter.CurrentStep)
	assert.Equal(t, models.StepSupervisor, *letter.CurrentStep)
	require.NotNil(t, letter.CurrentAssigneeID)
	assert.Equal(t, "u-s1", *letter.CurrentAssigneeID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionSubmitted, entries[0].Action)
	assert.Equal(t, models.RoleRequester, entries[0].ActorRole)
}

func TestMachineSubmitRequiresFullRoster(t *testing.T) {
	approvers := roster()
	approvers.OperationsManager = ""
	_, err := NewMachine("").Submit("L1", "u-c", approvers, nil, fixedNow)
	require.ErrorIs(t, err, appErrors.ErrRouting)
	assert.Contains(t, err.Error(), "step 6")
}

func TestMachineFullApprovalPath(t *testing.T) {
	m := NewMachine("")
	letter, history := submitted(t, m)
	letter, history = advance(t, m, letter, history, models.NumberingStep)

	assert.True(t, letter.Signed())
	require.NotNil(t, letter.SignatureRef)
	assert.Equal(t, "sig-ref", *letter.SignatureRef)
	assert.Equal(t, "u-s8", *letter.CurrentAssigneeID)

	require.NoError(t, m.CheckNumbering(letter, "u-s8", ActionSuggestNumber))
	tr, err := m.AssignNumber(letter, "u-s8", " SK-1/03/05/2025 ", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusCompleted, tr.Letter.Status)
	assert.Nil(t, tr.Letter.CurrentStep)
	assert.Nil(t, tr.Letter.CurrentAssigneeID)
	require.NotNil(t, tr.Numbering)
	assert.Equal(t, "SK-1/03/05/2025", tr.Numbering.NumberString)
	history = append(history, tr.Entries...)

	actions := make([]models.AuditAction, 0, len(history))
	for _, entry := range history {
		actions = append(actions, entry.Action)
	}
	assert.Equal(t, []models.AuditAction{
		models.AuditActionSubmitted,
		models.AuditActionApproved, models.AuditActionApproved, models.AuditActionApproved,
		models.AuditActionApproved, models.AuditActionApproved, models.AuditActionApproved,
		models.AuditActionApproved, models.AuditActionSigned,
		models.AuditActionNumbered,
	}, actions)

	projection, err := Replay(history)
	require.NoError(t, err)
	assert.True(t, projection.Matches(&tr.Letter))
	assert.Equal(t, "SK-1/03/05/2025", projection.NumberString)
}

func TestMachineApproveGuards(t *testing.T) {
	m := NewMachine("")
	letter, history := submitted(t, m)

	_, err := m.Approve(letter, "u-s2", models.StepCoordinator, "", nil, fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep, "state is checked before authorization")

	_, err = m.Approve(letter, "u-s2", models.StepSupervisor, "", nil, fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrNotPermitted)

	letter, _ = advance(t, m, letter, history, models.SigningStep)
	_, err = m.Approve(letter, "u-s7", models.SigningStep, "", nil, fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, err = m.Approve(letter, "u-s7", models.SigningStep, "", &Signature{Ref: "  "}, fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	letter, _ = advance(t, m, letter, nil, models.NumberingStep)
	_, err = m.Approve(letter, "u-s8", models.NumberingStep, "", nil, fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)
}

func TestMachineRejectAtStepFour(t *testing.T) {
	m := NewMachine("")
	letter, history := submitted(t, m)
	letter, history = advance(t, m, letter, history, models.StepFacultyAdmin)

	_, err := m.Reject(letter, "u-s4", models.StepFacultyAdmin, "too short", fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	tr, err := m.Reject(letter, "u-s4", models.StepFacultyAdmin, "  Incomplete supporting documents  ", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusRejected, tr.Letter.Status)
	assert.Nil(t, tr.Letter.CurrentStep)
	require.NotNil(t, tr.Entries[0].Comment)
	assert.Equal(t, "Incomplete supporting documents", *tr.Entries[0].Comment)
	assert.Equal(t, models.RoleFacultyAdmin, tr.Entries[0].ActorRole)

	rejected := &tr.Letter
	_, err = m.Approve(rejected, "u-s4", models.StepFacultyAdmin, "", nil, fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrAlreadyTerminal)
	_, err = m.Cancel(rejected, "u-c", fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrAlreadyTerminal)

	projection, err := Replay(append(history, tr.Entries...))
	require.NoError(t, err)
	assert.True(t, projection.Matches(rejected))
}

func TestMachineReviseAndResubmit(t *testing.T) {
	m := NewMachine("")
	letter, history := submitted(t, m)
	letter, history = advance(t, m, letter, history, models.StepOperationsManager)

	tr, err := m.Revise(letter, "u-s6", models.StepOperationsManager, "Please attach the transcript", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusRevision, tr.Letter.Status)
	assert.Equal(t, models.StepSupervisor, *tr.Letter.CurrentStep)
	assert.Equal(t, "u-s1", *tr.Letter.CurrentAssigneeID)
	assert.Equal(t, models.StepOperationsManager, *tr.Entries[0].FromStep)
	assert.Equal(t, models.StepSupervisor, *tr.Entries[0].ToStep)
	letter = &tr.Letter
	history = append(history, tr.Entries...)
	assert.True(t, AwaitingResubmission(history))

	_, err = m.Resubmit(letter, history, "u-s1", models.LetterValues(`{}`), fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrNotPermitted)

	tr, err = m.Resubmit(letter, history, "u-c", models.LetterValues(`{"purpose":"fixed"}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusProcessing, tr.Letter.Status)
	assert.Equal(t, models.StepSupervisor, *tr.Letter.CurrentStep)
	assert.JSONEq(t, `{"purpose":"fixed"}`, string(tr.Letter.Values))
	history = append(history, tr.Entries...)
	assert.False(t, AwaitingResubmission(history))

	_, err = m.Resubmit(&tr.Letter, history, "u-c", models.LetterValues(`{}`), fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)

	projection, err := Replay(history)
	require.NoError(t, err)
	assert.True(t, projection.Matches(&tr.Letter))
}

func TestMachineApproveDuringRevision(t *testing.T) {
	m := NewMachine("")
	letter, history := submitted(t, m)
	letter, _ = advance(t, m, letter, history, models.StepCoordinator)
	tr, err := m.Revise(letter, "u-s2", models.StepCoordinator, "Wrong semester listed", fixedNow)
	require.NoError(t, err)

	tr, err = m.Approve(&tr.Letter, "u-s1", models.StepSupervisor, "", nil, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusProcessing, tr.Letter.Status)
	assert.Equal(t, models.StepCoordinator, *tr.Letter.CurrentStep)
}

func TestMachineSelfRevisePolicies(t *testing.T) {
	cases := []struct {
		name   string
		policy RollbackPolicy
		want   models.Step
	}{
		{name: "first", policy: RollbackToFirstStep, want: models.StepSupervisor},
		{name: "previous", policy: RollbackToPreviousStep, want: models.StepFacultyAdmin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(tc.policy)
			letter, history := submitted(t, m)
			letter, history = advance(t, m, letter, history, models.StepAcademicSupervisor)

			_, err := m.SelfRevise(letter, "u-s5", "", fixedNow)
			assert.ErrorIs(t, err, appErrors.ErrNotPermitted)

			tr, err := m.SelfRevise(letter, "u-c", "", fixedNow)
			require.NoError(t, err)
			assert.Equal(t, models.LetterStatusRevision, tr.Letter.Status)
			assert.Equal(t, tc.want, *tr.Letter.CurrentStep)
			assert.Nil(t, tr.Entries[0].Comment)

			projection, err := Replay(append(history, tr.Entries...))
			require.NoError(t, err)
			assert.True(t, projection.Matches(&tr.Letter))
		})
	}
}

func TestMachinePreviousPolicyStopsAtFirstStep(t *testing.T) {
	m := NewMachine(RollbackToPreviousStep)
	letter, _ := submitted(t, m)
	tr, err := m.SelfRevise(letter, "u-c", "", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.StepSupervisor, *tr.Letter.CurrentStep)
}

func TestMachineSignedLetterIsLocked(t *testing.T) {
	m := NewMachine("")
	letter, history := submitted(t, m)
	letter, _ = advance(t, m, letter, history, models.NumberingStep)

	_, err := m.SelfRevise(letter, "u-c", "", fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)
	_, err = m.Cancel(letter, "u-c", fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)
	_, err = m.Revise(letter, "u-s8", models.NumberingStep, "Needs another signature", fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)

	tr, err := m.Reject(letter, "u-s8", models.NumberingStep, "Registry rejects this request", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusRejected, tr.Letter.Status)
}

func TestMachineCancel(t *testing.T) {
	m := NewMachine("")
	letter, _ := submitted(t, m)

	_, err := m.Cancel(letter, "u-s1", fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrNotPermitted)

	tr, err := m.Cancel(letter, "u-c", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusCancelled, tr.Letter.Status)
	assert.Nil(t, tr.Letter.CurrentAssigneeID)
}

func TestMachineNumberingGuards(t *testing.T) {
	m := NewMachine("")
	letter, history := submitted(t, m)

	err := m.CheckNumbering(letter, "u-s8", ActionSuggestNumber)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)

	letter, _ = advance(t, m, letter, history, models.NumberingStep)
	err = m.CheckNumbering(letter, "u-s7", ActionAssignNumber)
	assert.ErrorIs(t, err, appErrors.ErrNotPermitted)

	_, err = m.AssignNumber(letter, "u-s8", "   ", fixedNow)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestParseRollbackPolicy(t *testing.T) {
	assert.Equal(t, RollbackToPreviousStep, ParseRollbackPolicy(" Previous "))
	assert.Equal(t, RollbackToFirstStep, ParseRollbackPolicy("first"))
	assert.Equal(t, RollbackToFirstStep, ParseRollbackPolicy("sideways"))
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// LetterStatus captures lifecycle states of a letter.
type LetterStatus string

const (
	LetterStatusProcessing LetterStatus = "PROCESSING"
	LetterStatusRevision   LetterStatus = "REVISION"
	LetterStatusRejected   LetterStatus = "REJECTED"
	LetterStatusCancelled  LetterStatus = "CANCELLED"
	LetterStatusCompleted  LetterStatus = "COMPLETED"
)

// Terminal reports whether no further transition is possible.
func (s LetterStatus) Terminal() bool {
	switch s {
	case LetterStatusRejected, LetterStatusCancelled, LetterStatusCompleted:
		return true
	default:
		return false
	}
}

// Active reports whether the letter still occupies the creator's single active slot.
func (s LetterStatus) Active() bool {
	return s == LetterStatusProcessing || s == LetterStatusRevision
}

// Letter is a request routed through the eight approval steps.
type Letter struct {
	ID                string            `db:"id" json:"id"`
	Status            LetterStatus      `db:"status" json:"status"`
	CurrentStep       *Step             `db:"current_step" json:"currentStep"`
	CreatedByID       string            `db:"created_by_id" json:"createdById"`
	CurrentAssigneeID *string           `db:"current_assignee_id" json:"currentAssigneeId,omitempty"`
	AssignedApprovers AssignedApprovers `db:"assigned_approvers" json:"assignedApprovers"`
	Values            LetterValues      `db:"form_values" json:"values"`
	SignedAt          *time.Time        `db:"signed_at" json:"signedAt,omitempty"`
	SignatureRef      *string           `db:"signature_ref" json:"signatureRef,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updatedAt"`
	Numbering         *NumberingRecord  `db:"-" json:"numbering,omitempty"`
}

// Signed reports whether the signing step has been completed.
func (l *Letter) Signed() bool {
	return l != nil && l.SignedAt != nil
}

// AssignedApprovers binds one user to every step of a letter.
type AssignedApprovers struct {
	Supervisor         string `json:"supervisor"`
	Coordinator        string `json:"coordinator"`
	DepartmentHead     string `json:"departmentHead"`
	FacultyAdmin       string `json:"facultyAdmin"`
	AcademicSupervisor string `json:"academicSupervisor"`
	OperationsManager  string `json:"operationsManager"`
	ViceDean           string `json:"viceDean"`
	RegistryOfficer    string `json:"registryOfficer"`
}

// ForStep returns the user bound to the step, empty when unassigned.
func (a AssignedApprovers) ForStep(step Step) string {
	switch step {
	case StepSupervisor:
		return a.Supervisor
	case StepCoordinator:
		return a.Coordinator
	case StepDepartmentHead:
		return a.DepartmentHead
	case StepFacultyAdmin:
		return a.FacultyAdmin
	case StepAcademicSupervisor:
		return a.AcademicSupervisor
	case StepOperationsManager:
		return a.OperationsManager
	case StepViceDean:
		return a.ViceDean
	case StepRegistryOfficer:
		return a.RegistryOfficer
	default:
		return ""
	}
}

// Contains reports whether the user is bound to any step.
func (a AssignedApprovers) Contains(userID string) bool {
	if userID == "" {
		return false
	}
	for _, step := range AllSteps() {
		if a.ForStep(step) == userID {
			return true
		}
	}
	return false
}

// Value marshals approvers to JSON for persistence.
func (a AssignedApprovers) Value() (driver.Value, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal assigned approvers: %w", err)
	}
	return data, nil
}

// Scan unmarshals the JSONB column.
func (a *AssignedApprovers) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan assigned approvers: %w", err)
	}
	*a = AssignedApprovers{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, a); err != nil {
		return fmt.Errorf("unmarshal assigned approvers: %w", err)
	}
	return nil
}

// LetterValues is the opaque form payload owned by the form collaborators.
type LetterValues json.RawMessage

// MarshalJSON keeps the payload verbatim.
func (v LetterValues) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("{}"), nil
	}
	return []byte(v), nil
}

// UnmarshalJSON stores the raw payload.
func (v *LetterValues) UnmarshalJSON(data []byte) error {
	*v = append((*v)[0:0], data...)
	return nil
}

// Value stores the payload as JSONB.
func (v LetterValues) Value() (driver.Value, error) {
	if len(v) == 0 {
		return []byte("{}"), nil
	}
	return []byte(v), nil
}

// Scan loads the payload.
func (v *LetterValues) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan letter values: %w", err)
	}
	*v = append(LetterValues(nil), data...)
	return nil
}

// LetterFilter constrains listing queries.
type LetterFilter struct {
	Status      []LetterStatus
	CreatedByID string
	AssigneeID  string
	Limit       int
	Offset      int
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}

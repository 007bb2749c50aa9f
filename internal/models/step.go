package models

import "fmt"

// Step is a position in the fixed approval sequence.
type Step int

const (
	StepSupervisor Step = iota + 1
	StepCoordinator
	StepDepartmentHead
	StepFacultyAdmin
	StepAcademicSupervisor
	StepOperationsManager
	StepViceDean
	StepRegistryOfficer
)

const (
	// FirstStep starts every routing.
	FirstStep = StepSupervisor
	// SigningStep requires a signature payload on approval.
	SigningStep = StepViceDean
	// NumberingStep completes the letter by assigning a document number.
	NumberingStep = StepRegistryOfficer
)

// AllSteps lists the steps in routing order.
func AllSteps() []Step {
	return []Step{
		StepSupervisor,
		StepCoordinator,
		StepDepartmentHead,
		StepFacultyAdmin,
		StepAcademicSupervisor,
		StepOperationsManager,
		StepViceDean,
		StepRegistryOfficer,
	}
}

// Valid reports whether the step belongs to the routing table.
func (s Step) Valid() bool {
	return s >= StepSupervisor && s <= StepRegistryOfficer
}

// ParseStep converts a raw integer into a Step.
func ParseStep(raw int) (Step, error) {
	step := Step(raw)
	if !step.Valid() {
		return 0, fmt.Errorf("step %d outside 1..8", raw)
	}
	return step, nil
}

// Ptr returns a pointer to a copy of the step.
func (s Step) Ptr() *Step {
	return &s
}

// Role identifies the reviewing function bound to a step.
type Role string

const (
	RoleRequester          Role = "REQUESTER"
	RoleSupervisor         Role = "SUPERVISOR"
	RoleCoordinator        Role = "COORDINATOR"
	RoleDepartmentHead     Role = "DEPARTMENT_HEAD"
	RoleFacultyAdmin       Role = "FACULTY_ADMIN"
	RoleAcademicSupervisor Role = "ACADEMIC_SUPERVISOR"
	RoleOperationsManager  Role = "OPERATIONS_MANAGER"
	RoleViceDean           Role = "VICE_DEAN"
	RoleRegistryOfficer    Role = "REGISTRY_OFFICER"
)

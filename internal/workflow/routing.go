package workflow

import (
	"fmt"

	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

// RoleForStep returns the reviewing role bound to a step.
func RoleForStep(step models.Step) models.Role {
	switch step {
	case models.StepSupervisor:
		return models.RoleSupervisor
	case models.StepCoordinator:
		return models.RoleCoordinator
	case models.StepDepartmentHead:
		return models.RoleDepartmentHead
	case models.StepFacultyAdmin:
		return models.RoleFacultyAdmin
	case models.StepAcademicSupervisor:
		return models.RoleAcademicSupervisor
	case models.StepOperationsManager:
		return models.RoleOperationsManager
	case models.StepViceDean:
		return models.RoleViceDean
	case models.StepRegistryOfficer:
		return models.RoleRegistryOfficer
	default:
		return ""
	}
}

// ResolveApprover returns the user bound to the step for this letter.
func ResolveApprover(letter *models.Letter, step models.Step) (string, error) {
	if letter == nil || !step.Valid() {
		return "", appErrors.Clone(appErrors.ErrRouting, fmt.Sprintf("no approver assigned for step %d", step))
	}
	userID := letter.AssignedApprovers.ForStep(step)
	if userID == "" {
		return "", appErrors.Clone(appErrors.ErrRouting, fmt.Sprintf("no approver assigned for step %d", step))
	}
	return userID, nil
}

// MissingSteps lists steps without an assignee.
func MissingSteps(approvers models.AssignedApprovers) []models.Step {
	missing := make([]models.Step, 0)
	for _, step := range models.AllSteps() {
		if approvers.ForStep(step) == "" {
			missing = append(missing, step)
		}
	}
	return missing
}

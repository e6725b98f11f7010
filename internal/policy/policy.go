// Package policy decides whether a claimed workflow step may execute.
// The runtime consults the policy after claiming a step and before opening
// a session; a denial is a terminal step failure with an audit entry.
package policy

import (
	"context"

	"github.com/hyperagent/hyperagent/internal/session"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
)

// Input carries the execution context a policy rules over.
type Input struct {
	Project  *models.Project
	Workflow *models.Workflow
	Step     *models.WorkflowStep
	Branch   session.BranchInfo
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Policy authorizes step execution. Evaluation errors are step failures,
// never silent allows.
type Policy interface {
	AuthorizeStep(ctx context.Context, in Input) (Decision, error)
}

// AllowAll authorizes every step. Used when no rules file is configured.
type AllowAll struct{}

// AuthorizeStep implements Policy.
func (AllowAll) AuthorizeStep(_ context.Context, _ Input) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Package runner hands claimed workflow steps to out-of-process executors.
// Gateways schedule sandboxes; they never execute steps themselves. The
// executed step re-enters the runtime through the callback endpoint.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnqueuePayload carries everything a sandbox needs to execute one claimed
// step and call back into the runtime.
type EnqueuePayload struct {
	WorkflowID       string
	StepID           string
	RunnerInstanceID string

	// RepositoryPath is the absolute path of the project checkout.
	RepositoryPath string

	// PersistencePath is the absolute path of the SQLite store. Its parent
	// directory is mounted so the sandbox shares the runtime's state.
	PersistencePath string
}

// Validate checks the mount contract: an absolute, existing repository path
// and an absolute persistence path.
func (p EnqueuePayload) Validate() error {
	if p.WorkflowID == "" || p.StepID == "" || p.RunnerInstanceID == "" {
		return fmt.Errorf("incomplete enqueue payload: workflow=%q step=%q runner=%q",
			p.WorkflowID, p.StepID, p.RunnerInstanceID)
	}
	if !filepath.IsAbs(p.RepositoryPath) {
		return fmt.Errorf("repository path must be absolute: %s", p.RepositoryPath)
	}
	if info, err := os.Stat(p.RepositoryPath); err != nil || !info.IsDir() {
		return fmt.Errorf("repository path does not exist: %s", p.RepositoryPath)
	}
	if !filepath.IsAbs(p.PersistencePath) {
		return fmt.Errorf("persistence path must be absolute: %s", p.PersistencePath)
	}
	return nil
}

// Gateway hands a claim to an out-of-process executor. Enqueue returns only
// after the sandbox has been scheduled; completion arrives later through the
// callback endpoint. Delivery is not guaranteed across restarts; the runtime
// recovers lost handoffs by re-polling.
type Gateway interface {
	Enqueue(ctx context.Context, payload EnqueuePayload) error
}

// CallbackPath renders the callback route for a claimed step.
func CallbackPath(workflowID, stepID string) string {
	return fmt.Sprintf("/workflows/%s/steps/%s/callback", workflowID, stepID)
}

// CallbackURL joins the configured base URL with the callback route.
func CallbackURL(baseURL, workflowID, stepID string) string {
	return strings.TrimRight(baseURL, "/") + CallbackPath(workflowID, stepID)
}

// DefaultTokenHeader carries the callback shared secret when no header name
// is configured.
const DefaultTokenHeader = "X-Workflow-Runner-Token"

package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/session"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func loadRules(t *testing.T, rules string) *ExprPolicy {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	policy, err := Load(path, newTestLogger(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return policy
}

func testInput() Input {
	return Input{
		Project: &models.Project{
			ID:            "proj-1",
			Name:          "billing",
			Path:          "/srv/repos/billing",
			DefaultBranch: "main",
		},
		Workflow: &models.Workflow{
			ID:     "wf-1",
			Kind:   "feature",
			Status: v1.WorkflowStatusRunning,
		},
		Step: &models.WorkflowStep{
			ID:       "wf-1:implement",
			Sequence: 1,
			Status:   v1.StepStatusRunning,
		},
		Branch: session.BranchInfo{Branch: "wf-1-implement", BaseBranch: "main"},
	}
}

func TestAllowAll(t *testing.T) {
	decision, err := AllowAll{}.AuthorizeStep(context.Background(), testInput())
	if err != nil {
		t.Fatalf("AuthorizeStep failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected AllowAll to allow")
	}
}

func TestExprPolicy_DenyRuleMatches(t *testing.T) {
	policy := loadRules(t, `
rules:
  - name: no-default-branch-writes
    when: branch.name == project.defaultBranch
    action: deny
`)

	in := testInput()
	in.Branch.Branch = "main"

	decision, err := policy.AuthorizeStep(context.Background(), in)
	if err != nil {
		t.Fatalf("AuthorizeStep failed: %v", err)
	}
	if decision.Allowed {
		t.Error("expected deny when working on the default branch")
	}
	if decision.Reason != `denied by rule "no-default-branch-writes"` {
		t.Errorf("unexpected reason %q", decision.Reason)
	}
}

func TestExprPolicy_NoMatchAllows(t *testing.T) {
	policy := loadRules(t, `
rules:
  - name: no-default-branch-writes
    when: branch.name == project.defaultBranch
    action: deny
`)

	decision, err := policy.AuthorizeStep(context.Background(), testInput())
	if err != nil {
		t.Fatalf("AuthorizeStep failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected default allow, got deny: %s", decision.Reason)
	}
	if decision.Reason != "" {
		t.Errorf("default allow should carry no reason, got %q", decision.Reason)
	}
}

func TestExprPolicy_FirstMatchDecides(t *testing.T) {
	// An allow rule above a broad deny acts as an exception.
	policy := loadRules(t, `
rules:
  - name: hotfix-exception
    when: workflow.kind == "hotfix"
    action: allow
  - name: no-main-writes
    when: branch.name == "main"
    action: deny
`)

	hotfix := testInput()
	hotfix.Workflow.Kind = "hotfix"
	hotfix.Branch.Branch = "main"

	decision, err := policy.AuthorizeStep(context.Background(), hotfix)
	if err != nil {
		t.Fatalf("AuthorizeStep failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected hotfix exception to allow, got %q", decision.Reason)
	}
	if decision.Reason != `allowed by rule "hotfix-exception"` {
		t.Errorf("unexpected reason %q", decision.Reason)
	}

	feature := testInput()
	feature.Branch.Branch = "main"

	decision, err = policy.AuthorizeStep(context.Background(), feature)
	if err != nil {
		t.Fatalf("AuthorizeStep failed: %v", err)
	}
	if decision.Allowed {
		t.Error("expected non-hotfix work on main to be denied")
	}
}

func TestExprPolicy_StepDataVisible(t *testing.T) {
	policy := loadRules(t, `
rules:
  - name: no-destructive-steps
    when: step.data.destructive == true
    action: deny
`)

	in := testInput()
	in.Step.Data = map[string]interface{}{"destructive": true}

	decision, err := policy.AuthorizeStep(context.Background(), in)
	if err != nil {
		t.Fatalf("AuthorizeStep failed: %v", err)
	}
	if decision.Allowed {
		t.Error("expected destructive step to be denied")
	}
}

func TestExprPolicy_NilRecords(t *testing.T) {
	policy := loadRules(t, `
rules:
  - name: no-main-writes
    when: branch.name == "main"
    action: deny
`)

	decision, err := policy.AuthorizeStep(context.Background(), Input{})
	if err != nil {
		t.Fatalf("AuthorizeStep failed on empty input: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow for empty input, got %q", decision.Reason)
	}
}

func TestExprPolicy_EvaluationError(t *testing.T) {
	policy := loadRules(t, `
rules:
  - name: broken
    when: step.sequence / 0 == 1
    action: deny
`)

	_, err := policy.AuthorizeStep(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected evaluation error")
	}
	if !strings.Contains(err.Error(), `policy rule "broken"`) {
		t.Errorf("error should name the rule, got %v", err)
	}
}

func TestLoad_UnknownAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rules := `
rules:
  - name: bad
    when: "true"
    action: audit
`
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	if _, err := Load(path, newTestLogger(t)); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestLoad_BadExpression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rules := `
rules:
  - name: bad
    when: "branch.name =="
    action: deny
`
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	if _, err := Load(path, newTestLogger(t)); err == nil {
		t.Fatal("expected error for unparseable expression")
	}
}

func TestLoad_MissingWhen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rules := `
rules:
  - name: incomplete
    action: deny
`
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	if _, err := Load(path, newTestLogger(t)); err == nil {
		t.Fatal("expected error for rule without when clause")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), newTestLogger(t)); err == nil {
		t.Fatal("expected error for missing rules file")
	}
}

package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hyperagent/hyperagent/internal/common/logger"
)

// Rule is a single authorization rule from the rules file. When is an
// expr-lang expression over the variables project, workflow, step and branch.
type Rule struct {
	Name   string `yaml:"name"`
	When   string `yaml:"when"`
	Action string `yaml:"action"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	name    string
	program *vm.Program
	deny    bool
}

// ExprPolicy evaluates expression rules in file order. The first rule whose
// when clause is true decides the outcome; if no rule matches the step is
// allowed. Placing an allow rule above a broad deny carves out an exception.
type ExprPolicy struct {
	rules  []compiledRule
	logger *logger.Logger
}

// Load reads a YAML rules file and compiles every expression. A rule with an
// unknown action or an expression that does not compile fails the load.
func Load(path string, log *logger.Logger) (*ExprPolicy, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "policy"))

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy rules: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy rules: %w", err)
	}

	compiled := make([]compiledRule, 0, len(file.Rules))
	for i, rule := range file.Rules {
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("rule[%d]", i)
		}
		if rule.When == "" {
			return nil, fmt.Errorf("policy rule %q: when expression is required", name)
		}

		var deny bool
		switch rule.Action {
		case "allow":
			deny = false
		case "deny":
			deny = true
		default:
			return nil, fmt.Errorf("policy rule %q: unknown action %q", name, rule.Action)
		}

		program, err := expr.Compile(rule.When,
			expr.Env(map[string]interface{}{}),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: %w", name, err)
		}

		compiled = append(compiled, compiledRule{name: name, program: program, deny: deny})
	}

	log.Info("Policy rules loaded",
		zap.String("path", path),
		zap.Int("rules", len(compiled)))
	return &ExprPolicy{rules: compiled, logger: log}, nil
}

// AuthorizeStep implements Policy.
func (p *ExprPolicy) AuthorizeStep(_ context.Context, in Input) (Decision, error) {
	env := environment(in)

	for _, rule := range p.rules {
		result, err := expr.Run(rule.program, env)
		if err != nil {
			return Decision{}, fmt.Errorf("policy rule %q: %w", rule.name, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return Decision{}, fmt.Errorf("policy rule %q: expression did not produce a boolean", rule.name)
		}
		if !matched {
			continue
		}
		if rule.deny {
			p.logger.Info("Step denied by policy",
				zap.String("rule", rule.name),
				zap.String("step_id", stepID(in)))
			return Decision{Allowed: false, Reason: fmt.Sprintf("denied by rule %q", rule.name)}, nil
		}
		return Decision{Allowed: true, Reason: fmt.Sprintf("allowed by rule %q", rule.name)}, nil
	}

	return Decision{Allowed: true}, nil
}

// environment flattens the input into the variables rules can reference.
// Nil records become empty maps so expressions stay evaluable.
func environment(in Input) map[string]interface{} {
	project := map[string]interface{}{}
	if in.Project != nil {
		project = map[string]interface{}{
			"id":            in.Project.ID,
			"name":          in.Project.Name,
			"path":          in.Project.Path,
			"defaultBranch": in.Project.DefaultBranch,
		}
	}

	workflow := map[string]interface{}{}
	if in.Workflow != nil {
		workflow = map[string]interface{}{
			"id":     in.Workflow.ID,
			"kind":   in.Workflow.Kind,
			"status": string(in.Workflow.Status),
			"data":   in.Workflow.Data,
		}
	}

	step := map[string]interface{}{}
	if in.Step != nil {
		step = map[string]interface{}{
			"id":       in.Step.ID,
			"sequence": in.Step.Sequence,
			"status":   string(in.Step.Status),
			"data":     in.Step.Data,
		}
	}

	return map[string]interface{}{
		"project":  project,
		"workflow": workflow,
		"step":     step,
		"branch": map[string]interface{}{
			"name": in.Branch.Branch,
			"base": in.Branch.BaseBranch,
		},
	}
}

func stepID(in Input) string {
	if in.Step == nil {
		return ""
	}
	return in.Step.ID
}

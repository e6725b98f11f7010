// Package main implements the bundled workflow-runner sandbox entry point.
// The runner gateway launches it inside a short-lived container; its whole
// job is to POST the claim back to the runtime's callback endpoint, which
// executes the step and answers when the step is done.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"

	"github.com/hyperagent/hyperagent/internal/db"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	"github.com/hyperagent/hyperagent/internal/workflow/repository/sqlite"
)

const tokenHeader = "X-Workflow-Runner-Token"

// callbackTimeout bounds the POST. The runtime executes the step while the
// request is open, so this must cover a full agent run.
const callbackTimeout = 15 * time.Minute

type claim struct {
	workflowID string
	stepID     string
	runnerID   string
	baseURL    string
	token      string
	dbPath     string
}

func main() {
	c, err := claimFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow-runner: %v\n", err)
		os.Exit(1)
	}

	if err := postCallback(c); err != nil {
		fmt.Fprintf(os.Stderr, "workflow-runner: %v\n", err)
		recordCallbackFailure(c, err)
		os.Exit(1)
	}
}

func claimFromEnv() (claim, error) {
	c := claim{
		workflowID: os.Getenv("WORKFLOW_ID"),
		stepID:     os.Getenv("WORKFLOW_STEP_ID"),
		runnerID:   os.Getenv("WORKFLOW_RUNNER_ID"),
		baseURL:    os.Getenv("WORKFLOW_CALLBACK_BASE_URL"),
		token:      os.Getenv("WORKFLOW_CALLBACK_TOKEN"),
		dbPath:     os.Getenv("WORKFLOW_DB_PATH"),
	}

	var missing []string
	if c.workflowID == "" {
		missing = append(missing, "WORKFLOW_ID")
	}
	if c.stepID == "" {
		missing = append(missing, "WORKFLOW_STEP_ID")
	}
	if c.runnerID == "" {
		missing = append(missing, "WORKFLOW_RUNNER_ID")
	}
	if c.baseURL == "" {
		missing = append(missing, "WORKFLOW_CALLBACK_BASE_URL")
	}
	if len(missing) > 0 {
		return claim{}, fmt.Errorf("missing environment: %s", strings.Join(missing, ", "))
	}

	return c, nil
}

// postCallback performs the single callback POST. The claim token makes
// re-deliveries safely rejectable, so there is no retry loop here; a failed
// handoff surfaces as a non-zero exit and the runtime re-polls.
func postCallback(c claim) error {
	url := fmt.Sprintf("%s/workflows/%s/steps/%s/callback",
		strings.TrimRight(c.baseURL, "/"), c.workflowID, c.stepID)

	body, err := json.Marshal(map[string]string{"runnerInstanceId": c.runnerID})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)

	client := &http.Client{Timeout: callbackTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("callback unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("callback returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return nil
}

// recordCallbackFailure writes a failed runner.callback telemetry row through
// the mounted store. Best-effort: the runtime's own reconciliation covers the
// step either way.
func recordCallbackFailure(c claim, cause error) {
	if c.dbPath == "" {
		return
	}

	conn, err := db.OpenSQLite(c.dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow-runner: telemetry store unavailable: %v\n", err)
		return
	}
	sqlxDB := sqlx.NewDb(conn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		_ = conn.Close()
		fmt.Fprintf(os.Stderr, "workflow-runner: telemetry store unavailable: %v\n", err)
		return
	}
	defer func() { _ = conn.Close() }()

	runnerID := c.runnerID
	event := &models.RunnerEvent{
		WorkflowID:       c.workflowID,
		StepID:           c.stepID,
		Type:             v1.RunnerEventCallback,
		Status:           v1.RunnerEventFailed,
		RunnerInstanceID: &runnerID,
		Metadata:         map[string]interface{}{"error": cause.Error()},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.CreateRunnerEvent(ctx, event); err != nil {
		fmt.Fprintf(os.Stderr, "workflow-runner: failed to record callback failure: %v\n", err)
	}
}

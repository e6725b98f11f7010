package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/db"
	"github.com/hyperagent/hyperagent/internal/runner"
	"github.com/hyperagent/hyperagent/internal/workflow"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	"github.com/hyperagent/hyperagent/internal/workflow/repository"
	"github.com/hyperagent/hyperagent/internal/workflow/repository/sqlite"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
	ws "github.com/hyperagent/hyperagent/pkg/websocket"
)

const testCallbackToken = "handler-test-token"

// silentGateway satisfies runner.Gateway for tests that never start the
// dispatch worker.
type silentGateway struct{}

func (silentGateway) Enqueue(context.Context, runner.EnqueuePayload) error { return nil }

type testHarness struct {
	router     *gin.Engine
	dispatcher *ws.Dispatcher
	repo       repository.Repository
	rt         *workflow.Runtime
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	t.Cleanup(func() { _ = sqlxDB.Close() })

	store, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	require.NoError(t, err)

	rt := workflow.NewRuntime(store, silentGateway{}, workflow.NoopExecutor{}, config.WorkflowConfig{
		LeaseReconcileMs: 200,
	}, "", log)

	router := gin.New()
	dispatcher := ws.NewDispatcher()
	RegisterRoutes(router, dispatcher, rt, nil, nil, config.RunnerConfig{CallbackToken: testCallbackToken}, log)

	return &testHarness{router: router, dispatcher: dispatcher, repo: store, rt: rt}
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "body: %s", w.Body.String())
}

func authHeader() map[string]string {
	return map[string]string{runner.DefaultTokenHeader: testCallbackToken}
}

// createProject registers a project through the API and returns its id.
func (h *testHarness) createProject(t *testing.T) string {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/v1/projects",
		map[string]string{"name": "demo", "path": t.TempDir()}, nil)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var project models.Project
	decodeBody(t, w, &project)
	require.NotEmpty(t, project.ID)
	return project.ID
}

func pendingStep(id string, sequence int) *models.WorkflowStep {
	readyAt := time.Now().UTC().Add(-time.Second)
	return &models.WorkflowStep{
		ID:       id,
		Status:   v1.StepStatusPending,
		Sequence: sequence,
		Data:     map[string]interface{}{"title": "work on " + id},
		ReadyAt:  &readyAt,
	}
}

func (h *testHarness) seedWorkflow(t *testing.T, status v1.WorkflowStatus, steps ...*models.WorkflowStep) *models.Workflow {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{Name: "seeded", Path: t.TempDir()}
	require.NoError(t, h.repo.CreateProject(ctx, project))
	wf := &models.Workflow{ProjectID: project.ID, Kind: "feature", Status: status}
	require.NoError(t, h.repo.CreateWorkflowWithSteps(ctx, wf, steps))
	return wf
}

// seedClaimedStep stores a running workflow whose single step holds the given
// lease, the state a sandbox callback normally finds.
func (h *testHarness) seedClaimedStep(t *testing.T, runnerID string) (workflowID, stepID string) {
	t.Helper()
	ctx := context.Background()
	step := pendingStep("step-callback", 1)
	wf := h.seedWorkflow(t, v1.WorkflowStatusRunning, step)

	claimed, err := h.repo.ClaimStep(ctx, step.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, h.repo.AssignStepRunner(ctx, step.ID, runnerID, 0))
	return wf.ID, step.ID
}

func callbackPath(workflowID, stepID string) string {
	return "/workflows/" + workflowID + "/steps/" + stepID + "/callback"
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	decodeBody(t, w, &resp)
	require.Equal(t, "ok", resp["status"])
}

func TestStepCallbackRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	wfID, stepID := h.seedClaimedStep(t, "runner-1")

	w := h.do(t, http.MethodPost, callbackPath(wfID, stepID),
		map[string]string{"runnerInstanceId": "runner-1"},
		map[string]string{runner.DefaultTokenHeader: "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// A rejected callback must not touch the step.
	step, err := h.repo.GetStep(context.Background(), stepID)
	require.NoError(t, err)
	require.Equal(t, v1.StepStatusRunning, step.Status)
}

func TestStepCallbackValidatesBody(t *testing.T) {
	h := newHarness(t)
	wfID, stepID := h.seedClaimedStep(t, "runner-1")

	w := h.do(t, http.MethodPost, callbackPath(wfID, stepID),
		map[string]string{}, authHeader())
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	decodeBody(t, w, &resp)
	require.Contains(t, resp["error"], "Invalid request")
}

func TestStepCallbackExecutesClaimedStep(t *testing.T) {
	h := newHarness(t)
	wfID, stepID := h.seedClaimedStep(t, "runner-1")

	w := h.do(t, http.MethodPost, callbackPath(wfID, stepID),
		map[string]string{"runnerInstanceId": "runner-1"}, authHeader())
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var resp map[string]bool
	decodeBody(t, w, &resp)
	require.True(t, resp["ok"])

	ctx := context.Background()
	step, err := h.repo.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, v1.StepStatusCompleted, step.Status)

	// Its only step finished, so the workflow reconciled to completed.
	wf, err := h.repo.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	require.Equal(t, v1.WorkflowStatusCompleted, wf.Status)
}

func TestStepCallbackLeaseMismatch(t *testing.T) {
	h := newHarness(t)
	wfID, stepID := h.seedClaimedStep(t, "runner-1")

	w := h.do(t, http.MethodPost, callbackPath(wfID, stepID),
		map[string]string{"runnerInstanceId": "runner-2"}, authHeader())
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestStepCallbackUnknownStep(t *testing.T) {
	h := newHarness(t)
	wfID, _ := h.seedClaimedStep(t, "runner-1")

	w := h.do(t, http.MethodPost, callbackPath(wfID, "no-such-step"),
		map[string]string{"runnerInstanceId": "runner-1"}, authHeader())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStepCallbackWrongWorkflow(t *testing.T) {
	h := newHarness(t)
	_, stepID := h.seedClaimedStep(t, "runner-1")

	w := h.do(t, http.MethodPost, callbackPath("another-workflow", stepID),
		map[string]string{"runnerInstanceId": "runner-1"}, authHeader())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectEndpoints(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/projects",
		map[string]string{"name": "demo", "path": t.TempDir()}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Project
	decodeBody(t, w, &created)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "demo", created.Name)
	require.Equal(t, "main", created.DefaultBranch)

	w = h.do(t, http.MethodGet, "/api/v1/projects", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Projects []*models.Project `json:"projects"`
	}
	decodeBody(t, w, &list)
	require.Len(t, list.Projects, 1)

	w = h.do(t, http.MethodPut, "/api/v1/projects/"+created.ID,
		map[string]string{"name": "renamed"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/projects/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fetched models.Project
	decodeBody(t, w, &fetched)
	require.Equal(t, "renamed", fetched.Name)

	w = h.do(t, http.MethodGet, "/api/v1/projects/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProjectRejectsMissingDirectory(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/projects",
		map[string]string{"name": "demo", "path": "/does/not/exist"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	h := newHarness(t)
	projectID := h.createProject(t)

	w := h.do(t, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"projectId": projectID,
		"plan": map[string]interface{}{
			"id":   "plan-1",
			"kind": "feature",
			"tasks": []map[string]interface{}{
				{"id": "design", "title": "Design the API"},
				{"id": "build", "title": "Build it", "dependsOn": []string{"design"}},
			},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var created models.Workflow
	decodeBody(t, w, &created)
	require.NotEmpty(t, created.ID)
	require.Equal(t, v1.WorkflowStatusPending, created.Status)

	// Detail view carries the materialised steps.
	w = h.do(t, http.MethodGet, "/api/v1/workflows/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Workflow *models.Workflow       `json:"workflow"`
		Steps    []*models.WorkflowStep `json:"steps"`
	}
	decodeBody(t, w, &detail)
	require.NotNil(t, detail.Workflow)
	require.Len(t, detail.Steps, 2)

	// Listing filters by project.
	w = h.do(t, http.MethodGet, "/api/v1/workflows?project_id="+projectID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Workflows []*models.Workflow `json:"workflows"`
	}
	decodeBody(t, w, &list)
	require.Len(t, list.Workflows, 1)

	w = h.do(t, http.MethodGet, "/api/v1/workflows?project_id=other", nil, nil)
	decodeBody(t, w, &list)
	require.Empty(t, list.Workflows)

	w = h.do(t, http.MethodGet, "/api/v1/workflows/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateWorkflowRejectsInvalidPlan(t *testing.T) {
	h := newHarness(t)
	projectID := h.createProject(t)

	w := h.do(t, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"projectId": projectID,
		"plan": map[string]interface{}{
			"id":   "plan-bad",
			"kind": "feature",
			"tasks": []map[string]interface{}{
				{"id": "build", "dependsOn": []string{"ghost"}},
			},
		},
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	decodeBody(t, w, &resp)
	require.Contains(t, resp["error"], "unknown task")
}

func TestCreateWorkflowUnknownProject(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"projectId": "missing",
		"plan": map[string]interface{}{
			"id":    "plan-1",
			"kind":  "feature",
			"tasks": []map[string]interface{}{{"id": "build"}},
		},
	}, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)
	wf := h.seedWorkflow(t, v1.WorkflowStatusPending, pendingStep("life-1", 1))

	start := func() *httptest.ResponseRecorder {
		return h.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/start", nil, nil)
	}

	w := start()
	require.Equal(t, http.StatusOK, w.Code)
	var started models.Workflow
	decodeBody(t, w, &started)
	require.Equal(t, v1.WorkflowStatusRunning, started.Status)

	w = h.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var paused models.Workflow
	decodeBody(t, w, &paused)
	require.Equal(t, v1.WorkflowStatusPaused, paused.Status)

	// Start doubles as resume.
	w = start()
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled models.Workflow
	decodeBody(t, w, &cancelled)
	require.Equal(t, v1.WorkflowStatusCancelled, cancelled.Status)

	// Terminal workflows cannot be restarted.
	w = start()
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestQueueMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seedWorkflow(t, v1.WorkflowStatusRunning,
		pendingStep("qm-1", 1), pendingStep("qm-2", 2), pendingStep("qm-3", 3))

	claimed, err := h.repo.ClaimStep(context.Background(), "qm-3")
	require.NoError(t, err)
	require.True(t, claimed)

	w := h.do(t, http.MethodGet, "/api/v1/queue/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var m v1.QueueMetrics
	decodeBody(t, w, &m)
	require.Equal(t, 2, m.Pending)
	require.Equal(t, 1, m.Running)
	require.Zero(t, m.Stuck)
}

func TestListStepEventsAfterExecution(t *testing.T) {
	h := newHarness(t)
	wfID, stepID := h.seedClaimedStep(t, "runner-1")

	w := h.do(t, http.MethodPost, callbackPath(wfID, stepID),
		map[string]string{"runnerInstanceId": "runner-1"}, authHeader())
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/steps/"+stepID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events []*models.RunnerEvent `json:"events"`
	}
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.Events)

	statuses := make(map[v1.RunnerEventStatus]bool, len(resp.Events))
	for _, event := range resp.Events {
		require.Equal(t, v1.RunnerEventExecute, event.Type)
		statuses[event.Status] = true
	}
	require.True(t, statuses[v1.RunnerEventStarted])
	require.True(t, statuses[v1.RunnerEventCompleted])
}

func TestWSQueueMetricsAction(t *testing.T) {
	h := newHarness(t)
	h.seedWorkflow(t, v1.WorkflowStatusRunning, pendingStep("ws-qm-1", 1))

	msg, err := ws.NewRequest("req-1", ws.ActionQueueMetrics, nil)
	require.NoError(t, err)

	resp, err := h.dispatcher.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	require.Equal(t, "req-1", resp.ID)

	var m v1.QueueMetrics
	require.NoError(t, resp.ParsePayload(&m))
	require.Equal(t, 1, m.Pending)
}

func TestWSWorkflowGetValidation(t *testing.T) {
	h := newHarness(t)

	msg, err := ws.NewRequest("req-2", ws.ActionWorkflowGet, map[string]string{})
	require.NoError(t, err)
	resp, err := h.dispatcher.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	require.Equal(t, ws.ErrorCodeValidation, payload.Code)

	msg, err = ws.NewRequest("req-3", ws.ActionWorkflowGet, map[string]string{"id": "missing"})
	require.NoError(t, err)
	resp, err = h.dispatcher.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeError, resp.Type)
	require.NoError(t, resp.ParsePayload(&payload))
	require.Equal(t, ws.ErrorCodeNotFound, payload.Code)
}

func TestWSWorkflowListAction(t *testing.T) {
	h := newHarness(t)
	wf := h.seedWorkflow(t, v1.WorkflowStatusPending, pendingStep("ws-list-1", 1))

	msg, err := ws.NewRequest("req-4", ws.ActionWorkflowList, map[string]string{"project_id": wf.ProjectID})
	require.NoError(t, err)
	resp, err := h.dispatcher.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	var payload struct {
		Workflows []*models.Workflow `json:"workflows"`
	}
	require.NoError(t, resp.ParsePayload(&payload))
	require.Len(t, payload.Workflows, 1)
	require.Equal(t, wf.ID, payload.Workflows[0].ID)
}

// Package handlers exposes the workflow runtime over HTTP and WebSocket.
// The runner callback endpoint lives at the root so sandboxes can reach it
// with a fixed path; the management API sits under /api/v1.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/errors"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/metrics"
	"github.com/hyperagent/hyperagent/internal/pullrequest"
	"github.com/hyperagent/hyperagent/internal/runner"
	"github.com/hyperagent/hyperagent/internal/workflow"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
	ws "github.com/hyperagent/hyperagent/pkg/websocket"
)

// Handlers manages workflow HTTP and WebSocket handlers
type Handlers struct {
	runtime       *workflow.Runtime
	pullRequests  *pullrequest.Service
	collector     *metrics.Collector
	tokenHeader   string
	callbackToken string
	logger        *logger.Logger
}

// NewHandlers creates new workflow handlers. The pull-request service and
// metrics collector are optional.
func NewHandlers(rt *workflow.Runtime, prs *pullrequest.Service, collector *metrics.Collector, runnerCfg config.RunnerConfig, log *logger.Logger) *Handlers {
	tokenHeader := runnerCfg.TokenHeader
	if tokenHeader == "" {
		tokenHeader = runner.DefaultTokenHeader
	}
	return &Handlers{
		runtime:       rt,
		pullRequests:  prs,
		collector:     collector,
		tokenHeader:   tokenHeader,
		callbackToken: runnerCfg.CallbackToken,
		logger:        log.WithFields(zap.String("component", "workflow-handlers")),
	}
}

// RegisterRoutes registers workflow HTTP and WebSocket handlers
func RegisterRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, rt *workflow.Runtime, prs *pullrequest.Service, collector *metrics.Collector, runnerCfg config.RunnerConfig, log *logger.Logger) {
	handlers := NewHandlers(rt, prs, collector, runnerCfg, log)
	handlers.registerHTTP(router)
	handlers.registerWS(dispatcher)
}

func (h *Handlers) registerHTTP(router *gin.Engine) {
	// Runner callback, at the root so runner.CallbackPath resolves against
	// the bare server address.
	router.POST("/workflows/:workflowId/steps/:stepId/callback", h.httpStepCallback)

	router.GET("/health", h.httpHealth)

	api := router.Group("/api/v1")

	// Project routes
	api.POST("/projects", h.httpCreateProject)
	api.GET("/projects", h.httpListProjects)
	api.GET("/projects/:id", h.httpGetProject)
	api.PUT("/projects/:id", h.httpUpdateProject)

	// Workflow routes
	api.POST("/workflows", h.httpCreateWorkflow)
	api.GET("/workflows", h.httpListWorkflows)
	api.GET("/workflows/:id", h.httpGetWorkflow)
	api.POST("/workflows/:id/start", h.httpStartWorkflow)
	api.POST("/workflows/:id/pause", h.httpPauseWorkflow)
	api.POST("/workflows/:id/cancel", h.httpCancelWorkflow)

	// Queue and telemetry routes
	api.GET("/queue/metrics", h.httpQueueMetrics)
	api.GET("/steps/:id/events", h.httpListStepEvents)

	// Pull request routes
	if h.pullRequests != nil {
		api.POST("/pullrequests", h.httpOpenPullRequest)
		api.GET("/pullrequests", h.httpListPullRequests)
		api.GET("/pullrequests/:id", h.httpGetPullRequest)
		api.POST("/pullrequests/:id/merge", h.httpMergePullRequest)
		api.POST("/pullrequests/:id/close", h.httpClosePullRequest)
		api.POST("/pullrequests/:id/events", h.httpRecordPullRequestEvent)
	}
}

func (h *Handlers) registerWS(dispatcher *ws.Dispatcher) {
	if dispatcher == nil {
		return
	}
	dispatcher.RegisterFunc(ws.ActionProjectList, h.wsListProjects)
	dispatcher.RegisterFunc(ws.ActionWorkflowList, h.wsListWorkflows)
	dispatcher.RegisterFunc(ws.ActionWorkflowGet, h.wsGetWorkflow)
	dispatcher.RegisterFunc(ws.ActionQueueMetrics, h.wsQueueMetrics)
}

// respondError maps an application error onto the HTTP status the error
// carries and logs it once.
func (h *Handlers) respondError(c *gin.Context, logMsg string, err error) {
	status := errors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(logMsg, zap.Error(err))
	} else {
		h.logger.Debug(logMsg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// HTTP handlers - Runner callback

func (h *Handlers) httpStepCallback(c *gin.Context) {
	if h.callbackToken != "" && c.GetHeader(h.tokenHeader) != h.callbackToken {
		h.collector.CallbackObserved("unauthorized")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid runner token"})
		return
	}

	var req v1.StepCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.collector.CallbackObserved("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	err := h.runtime.RunStepByID(c.Request.Context(), workflow.RunStepRequest{
		WorkflowID:       c.Param("workflowId"),
		StepID:           c.Param("stepId"),
		RunnerInstanceID: req.RunnerInstanceID,
	})
	if err != nil {
		status := errors.GetHTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.collector.CallbackObserved("failed")
			h.logger.Error("step callback failed",
				zap.String("step_id", c.Param("stepId")), zap.Error(err))
		} else {
			h.collector.CallbackObserved("rejected")
			h.logger.Debug("step callback rejected",
				zap.String("step_id", c.Param("stepId")), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.collector.CallbackObserved("ok")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HTTP handlers - Health

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "hyperagent"})
}

// HTTP handlers - Projects

func (h *Handlers) httpCreateProject(c *gin.Context) {
	var req v1.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	project, err := h.runtime.CreateProject(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "failed to create project", err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *Handlers) httpListProjects(c *gin.Context) {
	projects, err := h.runtime.ListProjects(c.Request.Context())
	if err != nil {
		h.respondError(c, "failed to list projects", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handlers) httpGetProject(c *gin.Context) {
	project, err := h.runtime.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "failed to get project", err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handlers) httpUpdateProject(c *gin.Context) {
	var req v1.UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	project, err := h.runtime.UpdateProject(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, "failed to update project", err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// HTTP handlers - Workflows

func (h *Handlers) httpCreateWorkflow(c *gin.Context) {
	var req v1.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	wf, err := h.runtime.CreateWorkflowFromPlan(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "failed to create workflow", err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *Handlers) httpListWorkflows(c *gin.Context) {
	workflows, err := h.runtime.ListWorkflows(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		h.respondError(c, "failed to list workflows", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (h *Handlers) httpGetWorkflow(c *gin.Context) {
	detail, err := h.runtime.GetWorkflowDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "failed to get workflow", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handlers) httpStartWorkflow(c *gin.Context) {
	wf, err := h.runtime.StartWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "failed to start workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) httpPauseWorkflow(c *gin.Context) {
	wf, err := h.runtime.PauseWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "failed to pause workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) httpCancelWorkflow(c *gin.Context) {
	wf, err := h.runtime.CancelWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "failed to cancel workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// HTTP handlers - Queue and telemetry

func (h *Handlers) httpQueueMetrics(c *gin.Context) {
	m, err := h.runtime.GetQueueMetrics(c.Request.Context())
	if err != nil {
		h.respondError(c, "failed to read queue metrics", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handlers) httpListStepEvents(c *gin.Context) {
	events, err := h.runtime.ListRunnerEventsByStep(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "failed to list runner events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// HTTP handlers - Pull requests

func (h *Handlers) httpOpenPullRequest(c *gin.Context) {
	var req v1.CreatePullRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	pr, err := h.pullRequests.OpenFromCommit(c.Request.Context(), pullrequest.OpenRequest{
		ProjectID:    req.ProjectID,
		Title:        req.Title,
		Description:  req.Description,
		SourceBranch: req.SourceBranch,
		TargetBranch: req.TargetBranch,
		AuthorID:     req.AuthorID,
	})
	if err != nil {
		h.respondError(c, "failed to open pull request", err)
		return
	}
	c.JSON(http.StatusCreated, pr)
}

func (h *Handlers) httpListPullRequests(c *gin.Context) {
	status := v1.PullRequestStatus(c.Query("status"))
	prs, err := h.pullRequests.ListPullRequests(c.Request.Context(), c.Query("project_id"), status)
	if err != nil {
		h.respondError(c, "failed to list pull requests", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pull_requests": prs})
}

func (h *Handlers) httpGetPullRequest(c *gin.Context) {
	detail, err := h.pullRequests.GetPullRequestDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "failed to get pull request", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type httpPullRequestActionRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

func (r httpPullRequestActionRequest) actor() string {
	if r.ActorID == "" {
		return "api"
	}
	return r.ActorID
}

func (h *Handlers) httpMergePullRequest(c *gin.Context) {
	// Body is optional; without one the default actor is recorded.
	var req httpPullRequestActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}
	pr, err := h.pullRequests.MergePullRequest(c.Request.Context(), c.Param("id"), req.actor())
	if err != nil {
		h.respondError(c, "failed to merge pull request", err)
		return
	}
	c.JSON(http.StatusOK, pr)
}

func (h *Handlers) httpClosePullRequest(c *gin.Context) {
	var req httpPullRequestActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}
	pr, err := h.pullRequests.ClosePullRequest(c.Request.Context(), c.Param("id"), req.actor())
	if err != nil {
		h.respondError(c, "failed to close pull request", err)
		return
	}
	c.JSON(http.StatusOK, pr)
}

type httpRecordPullRequestEventRequest struct {
	Kind    string                 `json:"kind" binding:"required"`
	ActorID string                 `json:"actor_id,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (h *Handlers) httpRecordPullRequestEvent(c *gin.Context) {
	var req httpRecordPullRequestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	actor := req.ActorID
	if actor == "" {
		actor = "api"
	}
	event, err := h.pullRequests.RecordEvent(c.Request.Context(), c.Param("id"), v1.PullRequestEventKind(req.Kind), actor, req.Data)
	if err != nil {
		h.respondError(c, "failed to record pull request event", err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// WS handlers

func (h *Handlers) wsListProjects(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	projects, err := h.runtime.ListProjects(ctx)
	if err != nil {
		h.logger.Error("failed to list projects", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to list projects", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"projects": projects})
}

type wsListWorkflowsRequest struct {
	ProjectID string `json:"project_id"`
}

func (h *Handlers) wsListWorkflows(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsListWorkflowsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	workflows, err := h.runtime.ListWorkflows(ctx, req.ProjectID)
	if err != nil {
		h.logger.Error("failed to list workflows", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to list workflows", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"workflows": workflows})
}

type wsGetWorkflowRequest struct {
	ID string `json:"id"`
}

func (h *Handlers) wsGetWorkflow(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsGetWorkflowRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.ID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "id is required", nil)
	}
	detail, err := h.runtime.GetWorkflowDetail(ctx, req.ID)
	if err != nil {
		if errors.IsNotFound(err) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Workflow not found", nil)
		}
		h.logger.Error("failed to get workflow", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to get workflow", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, detail)
}

func (h *Handlers) wsQueueMetrics(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	m, err := h.runtime.GetQueueMetrics(ctx)
	if err != nil {
		h.logger.Error("failed to read queue metrics", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to read queue metrics", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, m)
}

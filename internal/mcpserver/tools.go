package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	// List Projects tool
	s.AddTool(
		mcp.NewTool("list_projects",
			mcp.WithDescription("List all registered projects. Use this first to get project IDs for other operations."),
		),
		listProjectsHandler(cfg, log),
	)

	// Register Project tool
	s.AddTool(
		mcp.NewTool("register_project",
			mcp.WithDescription("Register a repository directory as a project so workflows can run against it."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Display name for the project"),
			),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Absolute path to the repository directory on the server"),
			),
			mcp.WithString("default_branch",
				mcp.Description("Default branch workflow branches fork from (optional, defaults to main)"),
			),
		),
		registerProjectHandler(cfg, log),
	)

	// List Workflows tool
	s.AddTool(
		mcp.NewTool("list_workflows",
			mcp.WithDescription("List workflows, optionally filtered to one project."),
			mcp.WithString("project_id",
				mcp.Description("Only list workflows of this project (optional)"),
			),
		),
		listWorkflowsHandler(cfg, log),
	)

	// Get Workflow tool
	s.AddTool(
		mcp.NewTool("get_workflow",
			mcp.WithDescription("Get a workflow with its steps and agent runs. Use this to inspect progress and step results."),
			mcp.WithString("workflow_id",
				mcp.Required(),
				mcp.Description("The workflow ID to fetch"),
			),
		),
		getWorkflowHandler(cfg, log),
	)

	// Create Workflow tool
	s.AddTool(
		mcp.NewTool("create_workflow",
			mcp.WithDescription(
				"Create a workflow from a planner task DAG. The workflow is created pending; "+
					"call start_workflow to begin dispatching steps. "+
					"Each task needs an 'id' unique within the plan and may carry 'title', 'instructions', "+
					"'agentType', and a 'dependsOn' array of task ids.",
			),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project to run the workflow against"),
			),
			mcp.WithArray("tasks",
				mcp.Required(),
				mcp.Description("Planner tasks forming the DAG. Each element: {id, title?, instructions?, agentType?, dependsOn?}"),
			),
			mcp.WithString("kind",
				mcp.Description("Workflow kind, e.g. feature or bugfix (optional)"),
			),
			mcp.WithString("plan_id",
				mcp.Description("Planner run ID for provenance (optional)"),
			),
		),
		createWorkflowHandler(cfg, log),
	)

	// Workflow lifecycle tools
	s.AddTool(
		mcp.NewTool("start_workflow",
			mcp.WithDescription("Start a pending workflow or resume a paused one."),
			mcp.WithString("workflow_id",
				mcp.Required(),
				mcp.Description("The workflow ID to start"),
			),
		),
		workflowActionHandler(cfg, log, "start"),
	)
	s.AddTool(
		mcp.NewTool("pause_workflow",
			mcp.WithDescription("Pause a workflow so no new steps are dispatched. Steps already running finish normally."),
			mcp.WithString("workflow_id",
				mcp.Required(),
				mcp.Description("The workflow ID to pause"),
			),
		),
		workflowActionHandler(cfg, log, "pause"),
	)
	s.AddTool(
		mcp.NewTool("cancel_workflow",
			mcp.WithDescription("Cancel a workflow. Steps not yet executed are skipped."),
			mcp.WithString("workflow_id",
				mcp.Required(),
				mcp.Description("The workflow ID to cancel"),
			),
		),
		workflowActionHandler(cfg, log, "cancel"),
	)

	// Queue Metrics tool
	s.AddTool(
		mcp.NewTool("queue_metrics",
			mcp.WithDescription("Get dispatch queue depths: pending, running, and stuck step counts."),
		),
		queueMetricsHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 9))
}

func listProjectsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := fmt.Sprintf("%s/api/v1/projects", cfg.HyperagentURL)
		resp, err := http.Get(url)
		if err != nil {
			log.Error("failed to fetch projects", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch projects: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func registerProjectHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"name": name,
			"path": path,
		}
		if branch := req.GetString("default_branch", ""); branch != "" {
			payload["default_branch"] = branch
		}

		body, _ := json.Marshal(payload)
		url := fmt.Sprintf("%s/api/v1/projects", cfg.HyperagentURL)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to register project", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to register project: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func listWorkflowsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := fmt.Sprintf("%s/api/v1/workflows", cfg.HyperagentURL)
		if projectID := req.GetString("project_id", ""); projectID != "" {
			url = fmt.Sprintf("%s?project_id=%s", url, projectID)
		}

		resp, err := http.Get(url)
		if err != nil {
			log.Error("failed to fetch workflows", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch workflows: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getWorkflowHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := fmt.Sprintf("%s/api/v1/workflows/%s", cfg.HyperagentURL, workflowID)
		resp, err := http.Get(url)
		if err != nil {
			log.Error("failed to fetch workflow", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch workflow: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func createWorkflowHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		args := req.GetArguments()
		tasksRaw, ok := args["tasks"]
		if !ok {
			return mcp.NewToolResultError("tasks is required"), nil
		}

		// Parse tasks from the raw interface
		tasksJSON, err := json.Marshal(tasksRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tasks: %v", err)), nil
		}
		var tasks []map[string]interface{}
		if err := json.Unmarshal(tasksJSON, &tasks); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tasks: %v", err)), nil
		}
		if len(tasks) == 0 {
			return mcp.NewToolResultError("Must provide at least one task"), nil
		}
		for i, task := range tasks {
			if id, _ := task["id"].(string); id == "" {
				return mcp.NewToolResultError(fmt.Sprintf("Task at position %d has no id", i)), nil
			}
		}

		plan := map[string]interface{}{
			"tasks": tasks,
		}
		if planID := req.GetString("plan_id", ""); planID != "" {
			plan["id"] = planID
		}
		if kind := req.GetString("kind", ""); kind != "" {
			plan["kind"] = kind
		}
		payload := map[string]interface{}{
			"projectId": projectID,
			"plan":      plan,
		}

		body, _ := json.Marshal(payload)
		url := fmt.Sprintf("%s/api/v1/workflows", cfg.HyperagentURL)

		log.Debug("creating workflow from plan",
			zap.String("project_id", projectID),
			zap.Int("tasks", len(tasks)))

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to create workflow", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create workflow: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

// workflowActionHandler covers the lifecycle endpoints, which differ only in
// the trailing path segment.
func workflowActionHandler(cfg Config, log *logger.Logger, action string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := fmt.Sprintf("%s/api/v1/workflows/%s/%s", cfg.HyperagentURL, workflowID, action)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to "+action+" workflow", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to %s workflow: %v", action, err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func queueMetricsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := fmt.Sprintf("%s/api/v1/queue/metrics", cfg.HyperagentURL)
		resp, err := http.Get(url)
		if err != nil {
			log.Error("failed to fetch queue metrics", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch queue metrics: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/logger"
)

// LoopbackGateway posts the callback from an in-process goroutine instead of
// launching a sandbox. The executor then runs inside the runtime process.
// Used in dev mode and end-to-end tests.
type LoopbackGateway struct {
	cfg    config.RunnerConfig
	logger *logger.Logger
	client *http.Client

	wg sync.WaitGroup
}

// NewLoopbackGateway creates an in-process gateway.
func NewLoopbackGateway(cfg config.RunnerConfig, log *logger.Logger) *LoopbackGateway {
	return &LoopbackGateway{
		cfg:    cfg,
		logger: log.WithFields(zap.String("gateway", "loopback")),
		client: &http.Client{Timeout: cfg.EnqueueTimeoutDuration()},
	}
}

// Enqueue schedules the callback POST and returns immediately. Mirrors the
// container contract: success means scheduled, the outcome arrives through
// the callback endpoint.
func (g *LoopbackGateway) Enqueue(_ context.Context, payload EnqueuePayload) error {
	if payload.WorkflowID == "" || payload.StepID == "" || payload.RunnerInstanceID == "" {
		return fmt.Errorf("incomplete enqueue payload: workflow=%q step=%q runner=%q",
			payload.WorkflowID, payload.StepID, payload.RunnerInstanceID)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		// Give the HTTP server a beat to finish the dispatch transaction.
		time.Sleep(10 * time.Millisecond)
		if err := g.postCallback(payload); err != nil {
			g.logger.Error("loopback callback failed",
				zap.String("workflow_id", payload.WorkflowID),
				zap.String("step_id", payload.StepID),
				zap.Error(err))
		}
	}()

	return nil
}

// postCallback performs the sandbox's half of the handshake: one POST with
// the runner instance id and the shared token.
func (g *LoopbackGateway) postCallback(p EnqueuePayload) error {
	url := CallbackURL(g.cfg.CallbackBaseURL, p.WorkflowID, p.StepID)

	body, err := json.Marshal(map[string]string{"runnerInstanceId": p.RunnerInstanceID})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(g.tokenHeader(), g.cfg.CallbackToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

func (g *LoopbackGateway) tokenHeader() string {
	if g.cfg.TokenHeader != "" {
		return g.cfg.TokenHeader
	}
	return DefaultTokenHeader
}

// Wait blocks until all in-flight callbacks have finished.
func (g *LoopbackGateway) Wait() {
	g.wg.Wait()
}

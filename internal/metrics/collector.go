// Package metrics exposes Prometheus collectors for the workflow queue and
// the runner pipeline. Queue depths are polled from the store on a ticker;
// pipeline counters are derived from runner telemetry on the event bus, so
// the runtime itself stays free of metrics plumbing.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/events/bus"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

const defaultRefresh = 15 * time.Second

// QueueMetricsSource supplies point-in-time queue depths. Satisfied by the
// workflow runtime.
type QueueMetricsSource interface {
	GetQueueMetrics(ctx context.Context) (*v1.QueueMetrics, error)
}

// Collector owns the Prometheus registry for the process.
type Collector struct {
	registry *prometheus.Registry

	stepsPending prometheus.Gauge
	stepsRunning prometheus.Gauge
	stepsStuck   prometheus.Gauge

	enqueues       *prometheus.CounterVec
	callbacks      *prometheus.CounterVec
	deadLetters    prometheus.Counter
	stepsCompleted *prometheus.CounterVec

	source  QueueMetricsSource
	refresh time.Duration

	subscriptions []bus.Subscription
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	logger *logger.Logger
}

// NewCollector registers the workflow collectors on a fresh registry.
// A non-positive refresh falls back to 15s.
func NewCollector(source QueueMetricsSource, refresh time.Duration, log *logger.Logger) *Collector {
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		stepsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_steps_pending",
			Help: "Steps waiting to be handed to a runner.",
		}),
		stepsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_steps_running",
			Help: "Steps currently leased to a runner.",
		}),
		stepsStuck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_steps_stuck",
			Help: "Running steps without a state change past the stuck threshold.",
		}),
		enqueues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_enqueues_total",
			Help: "Runner gateway handoffs by outcome.",
		}, []string{"status"}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_callbacks_total",
			Help: "Runner callback requests by outcome.",
		}, []string{"status"}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "runner_dead_letters_total",
			Help: "Steps that exhausted their enqueue attempts.",
		}),
		stepsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_steps_completed_total",
			Help: "Steps that reached a terminal status.",
		}, []string{"status"}),
		source:  source,
		refresh: refresh,
		stopCh:  make(chan struct{}),
		logger:  log.WithFields(zap.String("component", "metrics")),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Start subscribes the pipeline counters to the event bus and begins the
// gauge refresh ticker. The bus may be nil; counters then only move through
// direct observation calls.
func (c *Collector) Start(ctx context.Context, eventBus bus.EventBus) {
	if eventBus != nil {
		c.subscribe(eventBus, events.BuildRunnerEventWildcardSubject(), c.observeRunnerTelemetry)
		c.subscribe(eventBus, events.RunnerDeadLetter, c.observeDeadLetter)
		c.subscribe(eventBus, events.BuildStepWildcardSubject(), c.observeStepTransition)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.refresh)
		defer ticker.Stop()

		c.refreshGauges(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refreshGauges(ctx)
			}
		}
	}()
}

// Stop halts the refresh ticker and drops the bus subscriptions.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	for _, sub := range c.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	c.subscriptions = nil
}

// CallbackObserved counts one callback request outcome. Safe on a nil
// collector so handlers can run without metrics wired.
func (c *Collector) CallbackObserved(status string) {
	if c == nil {
		return
	}
	c.callbacks.WithLabelValues(status).Inc()
}

func (c *Collector) subscribe(eventBus bus.EventBus, subject string, observe func(*bus.Event)) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		observe(event)
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to subscribe metrics collector",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	c.subscriptions = append(c.subscriptions, sub)
}

func (c *Collector) observeRunnerTelemetry(event *bus.Event) {
	eventType, _ := event.Data["type"].(string)
	status, _ := event.Data["status"].(string)
	switch v1.RunnerEventType(eventType) {
	case v1.RunnerEventEnqueue:
		c.enqueues.WithLabelValues(status).Inc()
	case v1.RunnerEventCallback:
		c.callbacks.WithLabelValues(status).Inc()
	}
}

func (c *Collector) observeDeadLetter(event *bus.Event) {
	c.deadLetters.Inc()
}

func (c *Collector) observeStepTransition(event *bus.Event) {
	if event.Type != events.StepStatusChanged {
		return
	}
	status, _ := event.Data["status"].(string)
	if v1.StepStatus(status).Terminal() {
		c.stepsCompleted.WithLabelValues(status).Inc()
	}
}

func (c *Collector) refreshGauges(ctx context.Context) {
	if c.source == nil {
		return
	}
	m, err := c.source.GetQueueMetrics(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Queue metrics refresh failed")
		return
	}
	c.stepsPending.Set(float64(m.Pending))
	c.stepsRunning.Set(float64(m.Running))
	c.stepsStuck.Set(float64(m.Stuck))
}

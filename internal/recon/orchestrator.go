package recon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/falconeye/internal/engine"
	"github.com/mohammad-safakhou/falconeye/internal/gate"
	"github.com/mohammad-safakhou/falconeye/internal/memory"
	"github.com/mohammad-safakhou/falconeye/internal/telemetry"
	"github.com/mohammad-safakhou/falconeye/internal/vectorstore"
)

// Memory is the slice of the retrieval pipeline the orchestrator needs.
// *memory.Pipeline satisfies it.
type Memory interface {
	Ingest(ctx context.Context, namespace, text string, metadata map[string]string) (int, error)
	Retrieve(ctx context.Context, namespace, query string, topK int) ([]vectorstore.Scored, error)
}

// Orchestrator validates submissions, registers runs, and drives each
// run goroutine from its start event to its done event.
type Orchestrator struct {
	gate             *gate.Gate
	registry         *Registry
	broadcaster      *Broadcaster
	engine           engine.Engine
	memory           Memory
	runTimeout       time.Duration
	defaultNamespace string
	logger           *log.Logger
	metrics          *telemetry.Metrics
}

type OrchestratorOptions struct {
	RunTimeout       time.Duration
	DefaultNamespace string
	Metrics          *telemetry.Metrics
}

func NewOrchestrator(eng engine.Engine, mem Memory, opts OrchestratorOptions) *Orchestrator {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 15 * time.Minute
	}
	if opts.DefaultNamespace == "" {
		opts.DefaultNamespace = "falconeye"
	}
	return &Orchestrator{
		gate:             gate.New(),
		registry:         NewRegistry(),
		broadcaster:      NewBroadcaster(opts.Metrics),
		engine:           eng,
		memory:           mem,
		runTimeout:       opts.RunTimeout,
		defaultNamespace: opts.DefaultNamespace,
		logger:           log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		metrics:          opts.Metrics,
	}
}

// Start validates the target and, when it passes the gate, registers a
// run and launches its goroutine. The goroutine runs on a background
// context with the run timeout; a subscriber walking away does not
// cancel it. A blocked target creates nothing and returns
// *gate.BlockedTargetError.
func (o *Orchestrator) Start(ctx context.Context, target, namespace string) (*Run, error) {
	if err := o.gate.Validate(target); err != nil {
		if o.metrics != nil {
			o.metrics.BlockedTargets.Inc()
		}
		o.logger.Printf("rejected target %q: %v", target, err)
		return nil, err
	}
	if namespace == "" {
		namespace = o.defaultNamespace
	}

	run := NewRun(uuid.NewString(), target, namespace)
	if err := o.registry.Create(run); err != nil {
		return nil, err
	}
	o.broadcaster.Open(run.ID)
	if o.metrics != nil {
		o.metrics.RunsStarted.Inc()
		o.metrics.ActiveRuns.Inc()
	}
	o.logger.Printf("run %s started for target %q (namespace %s)", run.ID, target, namespace)

	go o.execute(run)
	return run, nil
}

// Get returns the run with the given id, when it is still registered.
func (o *Orchestrator) Get(runID string) (*Run, bool) {
	return o.registry.Get(runID)
}

// NextEvent blocks for the run's next event in publish order.
func (o *Orchestrator) NextEvent(runID string) (Event, bool) {
	return o.broadcaster.Next(runID)
}

// NextEventTimeout blocks like NextEvent but gives up after wait. The
// third return reports whether the stream is still open.
func (o *Orchestrator) NextEventTimeout(runID string, wait time.Duration) (Event, bool, bool) {
	return o.broadcaster.NextTimeout(runID, wait)
}

// Detach drops the run's subscriber without cancelling the run.
func (o *Orchestrator) Detach(runID string) {
	o.broadcaster.Detach(runID)
}

// StartSweeper retires terminal runs older than maxAge every interval
// until ctx is cancelled.
func (o *Orchestrator) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := o.registry.Sweep(maxAge); n > 0 {
					o.logger.Printf("swept %d finished runs", n)
				}
			}
		}
	}()
}

// execute is the run goroutine: the single writer of the run's state
// and the single publisher of its events. Every run ends with exactly
// one done event, whatever happens in between.
func (o *Orchestrator) execute(run *Run) {
	ctx, cancel := context.WithTimeout(context.Background(), o.runTimeout)
	defer cancel()
	ctx, span := telemetry.Tracer("recon").Start(ctx, "run.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.namespace", run.Namespace),
	)

	started := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.ActiveRuns.Dec()
			o.metrics.RunsCompleted.WithLabelValues(string(run.Status())).Inc()
			o.metrics.RunDuration.Observe(time.Since(started).Seconds())
		}
	}()

	o.publish(run, EventStart, "Crew launched.")
	run.SetRunning()

	seed, err := o.seedContext(ctx, run)
	if err != nil {
		o.finishFailed(span, run, fmt.Sprintf("memory unavailable: %v", err))
		return
	}

	outcome, err := o.engine.Execute(ctx, engine.Request{
		RunID:       run.ID,
		Target:      run.Target,
		Namespace:   run.Namespace,
		SeedContext: seed,
	}, func(n engine.Notification) {
		o.publish(run, EventLog, n.Message)
		if n.Finding != "" {
			o.writeBack(ctx, run, n)
		}
	})
	if err != nil {
		o.logger.Printf("run %s failed: %v", run.ID, err)
		o.finishFailed(span, run, err.Error())
		return
	}

	// State moves before the event goes out, so a subscriber that has
	// seen result always finds a terminal snapshot.
	run.Complete(outcome.Report)
	o.publish(run, EventResult, outcome.Report)
	o.publish(run, EventDone, "")
	span.SetStatus(codes.Ok, "")
	o.logger.Printf("run %s completed in %s", run.ID, time.Since(started).Round(time.Millisecond))
}

// seedContext pulls prior findings for the target before the crew
// starts. An empty store is fine; an unreachable one fails the run.
func (o *Orchestrator) seedContext(ctx context.Context, run *Run) ([]string, error) {
	if o.memory == nil {
		return nil, nil
	}
	hits, err := o.memory.Retrieve(ctx, run.Namespace, run.Target, 0)
	if err != nil {
		var unavailable *memory.UnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		// Anything else is unexpected; degrade rather than fail.
		o.logger.Printf("run %s: seed retrieval failed: %v", run.ID, err)
		return nil, nil
	}
	seed := make([]string, 0, len(hits))
	for _, h := range hits {
		seed = append(seed, h.Chunk.Text)
	}
	return seed, nil
}

// writeBack persists a task finding. Ingestion trouble degrades the
// run's memory, not the run.
func (o *Orchestrator) writeBack(ctx context.Context, run *Run, n engine.Notification) {
	if o.memory == nil {
		return
	}
	stored, err := o.memory.Ingest(ctx, run.Namespace, n.Finding, map[string]string{
		"run_id": run.ID,
		"target": run.Target,
		"task":   n.Task,
		"agent":  n.Agent,
	})
	if err != nil {
		o.logger.Printf("run %s: write-back of %s finding incomplete (%d chunks stored): %v",
			run.ID, n.Task, stored, err)
	}
}

func (o *Orchestrator) finishFailed(span trace.Span, run *Run, msg string) {
	run.Fail(msg)
	o.publish(run, EventError, msg)
	o.publish(run, EventDone, "")
	span.SetStatus(codes.Error, msg)
}

// publish forwards to the broadcaster and mirrors the event onto the
// run's append-only log. A publish rejection is a lifecycle bug; it is
// logged, never swallowed.
func (o *Orchestrator) publish(run *Run, typ EventType, msg string) {
	ev, err := o.broadcaster.Publish(run.ID, typ, msg)
	if err != nil {
		o.logger.Printf("dropping event: %v", err)
		return
	}
	run.appendEvent(ev)
}

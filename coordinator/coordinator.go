// Package coordinator holds the machinery shared by every participant role:
// lifecycle, the inbound consumer loop, outbound publishing, contract
// checks, and the component surface the platform expects. Role packages
// (agr, dso, brp, cro, mdc) build their trading behavior on this base.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/gridflex/dispatch"
	"github.com/c360studio/gridflex/metrics"
	"github.com/c360studio/gridflex/pbc"
	"github.com/c360studio/gridflex/planboard"
	"github.com/c360studio/gridflex/protocol"
	"github.com/c360studio/gridflex/scheduler"
)

// Base wires a role's planboard, business steps, dispatcher, and scheduler
// to the message mesh and carries the component lifecycle.
type Base struct {
	Name   string
	Role   protocol.Role
	Domain string

	NATS       *natsclient.Client
	Logger     *slog.Logger
	Board      *planboard.Planboard
	Engine     *pbc.Engine
	Dispatcher *dispatch.Dispatcher
	Errors     *dispatch.ErrorDispatcher
	Scheduler  *scheduler.Scheduler
	Clock      *protocol.PTUClock
	Gate       *planboard.Gate
	Contracts  *ContractRegistry

	// Now returns the wall clock; tests replace it. Nil means time.Now.
	Now func() time.Time

	bindingsWatcher *pbc.BindingsWatcher

	consumer ConsumerConfig

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc

	received atomic.Int64
	sent     atomic.Int64

	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// ConsumerConfig tunes the JetStream consumer of the inbound loop.
type ConsumerConfig struct {
	MaxDeliver int
	AckWait    time.Duration
}

// NewBase assembles the shared machinery from a validated common config.
func NewBase(name string, role protocol.Role, cfg CommonConfig, deps component.Dependencies) (*Base, error) {
	loc, err := time.LoadLocation(cfg.MarketTimeZone)
	if err != nil {
		return nil, fmt.Errorf("load market time zone: %w", err)
	}
	clock, err := protocol.NewPTUClock(cfg.PTUDuration, loc)
	if err != nil {
		return nil, fmt.Errorf("create ptu clock: %w", err)
	}

	logger := deps.GetLogger()

	boardOpts := []planboard.Option{}
	if deps.NATSClient != nil && cfg.ArchiveDocuments {
		archive, err := planboard.NewArchive(deps.NATSClient, logger)
		if err != nil {
			return nil, fmt.Errorf("create document archive: %w", err)
		}
		boardOpts = append(boardOpts, planboard.WithArchive(archive))
	}
	board := planboard.New(boardOpts...)

	engine := pbc.NewEngine()
	var bindingsWatcher *pbc.BindingsWatcher
	if cfg.BindingsPath != "" {
		bindings, err := pbc.LoadBindings(cfg.BindingsPath)
		if err != nil {
			logger.Warn("failed to load step bindings, using defaults",
				"path", cfg.BindingsPath, "error", err)
		} else if err := engine.Rebind(bindings); err != nil {
			logger.Warn("step bindings rejected, using defaults",
				"path", cfg.BindingsPath, "error", err)
		}
		bindingsWatcher, err = pbc.NewBindingsWatcher(cfg.BindingsPath, engine, logger)
		if err != nil {
			logger.Warn("step bindings hot reload unavailable",
				"path", cfg.BindingsPath, "error", err)
		}
	}

	sched := scheduler.New(logger,
		scheduler.WithTimeFactor(cfg.TimeFactor),
		scheduler.WithMaxConcurrent(cfg.MaxConcurrentJobs))
	if cfg.Bypass {
		sched.SetBypass(true)
	}

	b := &Base{
		Name:            name,
		Role:            role,
		Domain:          cfg.ParticipantDomain,
		NATS:            deps.NATSClient,
		Logger:          logger,
		Board:           board,
		Engine:          engine,
		Scheduler:       sched,
		Clock:           clock,
		Gate:            planboard.NewGate(clock, cfg.GateClosureLead),
		Contracts:       NewContractRegistry(cfg.Contracts),
		Now:             time.Now,
		bindingsWatcher: bindingsWatcher,
		consumer: ConsumerConfig{
			MaxDeliver: cfg.MaxDeliver,
			AckWait:    cfg.AckWait,
		},
	}
	b.Dispatcher = dispatch.New(logger, dispatch.WithDeadLetter(b.deadLetter))
	b.Errors = dispatch.NewErrorDispatcher(logger, b.sendRejection)
	return b, nil
}

// sendRejection is the default outbound-error sender: a rejection response
// in the offending document's conversation.
func (b *Base) sendRejection(ctx context.Context, e dispatch.OutboundError) error {
	return b.Respond(ctx, e.Envelope, e.Type, e.Sequence, e.Period,
		protocol.ResultRejected, e.Cause.Error())
}

func (b *Base) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// StartConsuming marks the base running and begins consuming the inbox.
// Role components call this from their Start after registering handlers and
// scheduling jobs.
func (b *Base) StartConsuming(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil, fmt.Errorf("component already running")
	}
	if b.NATS == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("NATS client required")
	}
	b.running = true
	b.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	runCtx := b.Scheduler.Start(subCtx)

	if b.bindingsWatcher != nil {
		b.bindingsWatcher.Start(subCtx)
	}

	err := b.NATS.ConsumeStreamWithConfig(subCtx, natsclient.StreamConsumerConfig{
		StreamName:    protocol.StreamName,
		ConsumerName:  b.Name,
		FilterSubject: protocol.InboxFilter(b.Domain),
		DeliverPolicy: "new",
		AckPolicy:     "explicit",
		MaxDeliver:    b.consumer.MaxDeliver,
		AckWait:       b.consumer.AckWait,
	}, func(ctx context.Context, msg jetstream.Msg) {
		b.received.Add(1)
		b.touch()
		b.Dispatcher.HandleJetStreamMsg(ctx, msg)
	})
	if err != nil {
		b.mu.Lock()
		b.running = false
		b.cancel = nil
		b.mu.Unlock()
		if b.bindingsWatcher != nil {
			b.bindingsWatcher.Stop()
		}
		cancel()
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	b.Logger.Info("coordinator started",
		"role", b.Role,
		"domain", b.Domain,
		"inbox", protocol.InboxFilter(b.Domain))
	return runCtx, nil
}

// StopConsuming cancels the consumer and waits for scheduled jobs.
func (b *Base) StopConsuming() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	b.mu.Unlock()

	if b.bindingsWatcher != nil {
		b.bindingsWatcher.Stop()
	}
	b.Scheduler.Shutdown()

	b.Logger.Info("coordinator stopped",
		"role", b.Role,
		"received", b.received.Load(),
		"sent", b.sent.Load())
}

// Publish encodes a payload and delivers it to the recipient's inbox.
func (b *Base) Publish(ctx context.Context, recipientDomain, category string, payload message.Payload) error {
	data, err := protocol.Encode(payload, b.Name)
	if err != nil {
		return fmt.Errorf("encode %s: %w", category, err)
	}
	subject := protocol.InboxSubject(recipientDomain, category)
	if err := b.NATS.PublishToStream(ctx, subject, data); err != nil {
		return &protocol.TechnicalError{Op: "publish to " + subject, Cause: err}
	}
	b.sent.Add(1)
	b.touch()
	metrics.RecordSent(string(b.Role), category)
	return nil
}

// Respond answers a received document's envelope with a verdict.
func (b *Base) Respond(ctx context.Context, received protocol.Envelope, subjectType protocol.DocumentType, seq int64, period protocol.Period, result protocol.ResponseResult, reason string) error {
	resp := &protocol.Response{
		Envelope:        received.Reply(),
		Subject:         subjectType,
		SubjectSequence: seq,
		Period:          period,
		Result:          result,
		Reason:          reason,
	}
	return b.Publish(ctx, received.SenderDomain, "response", resp)
}

// RunStep executes a business step with timing instrumentation.
func (b *Base) RunStep(ctx context.Context, step pbc.StepName, exec *pbc.Execution) error {
	start := time.Now()
	err := b.Engine.Run(ctx, step, exec)
	metrics.RecordStep(string(step), b.Engine.Bound(step), time.Since(start))
	return err
}

// deadLetter republishes a failed message to the participant's DLQ subject.
func (b *Base) deadLetter(ctx context.Context, subject string, data []byte, reason error) {
	metrics.RecordDeadLetter(string(b.Role))
	dlq := protocol.DLQSubject(b.Domain)
	if err := b.NATS.PublishToStream(ctx, dlq, data); err != nil {
		b.Logger.Error("failed to dead-letter message",
			"original_subject", subject, "dlq", dlq, "error", err)
	}
}

func (b *Base) touch() {
	b.lastActivityMu.Lock()
	b.lastActivity = time.Now()
	b.lastActivityMu.Unlock()
}

// LastActivity returns the time of the last message in or out.
func (b *Base) LastActivity() time.Time {
	b.lastActivityMu.RLock()
	defer b.lastActivityMu.RUnlock()
	return b.lastActivity
}

// Health reports the standard component health view.
func (b *Base) Health() component.HealthStatus {
	b.mu.RLock()
	running := b.running
	startTime := b.startTime
	b.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}
	_, _, failed := b.Dispatcher.Counts()

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(failed),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow reports the standard flow metrics view.
func (b *Base) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      b.LastActivity(),
	}
}

// Counts returns total received and sent messages.
func (b *Base) Counts() (received, sent int64) {
	return b.received.Load(), b.sent.Load()
}

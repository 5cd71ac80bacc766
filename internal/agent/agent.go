// Package agent implements the client side of the registry protocol: it
// registers an application, answers availability queries and runs the
// calculations it is elected for.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
	"github.com/qcrbox/qcrbox/internal/statusstore"
	"github.com/qcrbox/qcrbox/internal/telemetry"
)

// ErrRegistrationFailed is returned by Start when the registry rejects or
// does not answer the registration.
var ErrRegistrationFailed = errors.New("agent: registration failed")

// Config configures an Agent.
type Config struct {
	Application *model.ApplicationSpec
	Exec        execution.Deps

	// ClientID and InboxPrefix are generated when empty.
	ClientID    string
	InboxPrefix string

	MaxConcurrent        int
	RPCTimeout           time.Duration
	StatusReportInterval time.Duration
	Logger               *slog.Logger

	// FinishedRetention keeps a finished calculation's handle for status
	// queries that race the final report. Defaults to one minute.
	FinishedRetention time.Duration
}

// Agent serves one application on the bus.
type Agent struct {
	bus      bus.Bus
	statuses *statusstore.Store
	app      *model.ApplicationSpec
	commands map[string]execution.Command

	clientID      string
	inboxPrefix   string
	maxConcurrent int
	rpcTimeout    time.Duration
	reportEvery   time.Duration
	retention     time.Duration
	logger        *slog.Logger

	calcsStarted metric.Int64Counter

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	subs    []bus.Subscription
	wg      sync.WaitGroup
	appID   int64

	mu      sync.Mutex
	status  model.ClientStatus
	running int
	handles map[string]execution.Calculation
}

// New builds every command of the application up front, so a callable
// without a registered function fails here rather than on first use.
func New(b bus.Bus, statuses *statusstore.Store, cfg Config) (*Agent, error) {
	if cfg.Application == nil {
		return nil, fmt.Errorf("agent: application spec is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Exec.Logger == nil {
		cfg.Exec.Logger = cfg.Logger
	}
	if cfg.ClientID == "" {
		cfg.ClientID = model.NewClientID()
	}
	if cfg.InboxPrefix == "" {
		cfg.InboxPrefix = model.NewInboxPrefix()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.StatusReportInterval <= 0 {
		cfg.StatusReportInterval = time.Second
	}
	if cfg.FinishedRetention <= 0 {
		cfg.FinishedRetention = time.Minute
	}
	if cfg.Exec.GUIURL == "" {
		cfg.Exec.GUIURL = cfg.Application.GUIURL
	}

	warnings, err := cfg.Application.Validate()
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	for _, w := range warnings {
		cfg.Logger.Warn("agent: application spec warning", "warning", w)
	}
	commands, err := execution.BuildAll(cfg.Application, cfg.Exec)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	started, _ := telemetry.Meter("qcrbox/agent").Int64Counter("qcrbox.calculations_started",
		metric.WithDescription("Calculations started by this client"),
	)

	return &Agent{
		bus:           b,
		statuses:      statuses,
		app:           cfg.Application,
		commands:      commands,
		clientID:      cfg.ClientID,
		inboxPrefix:   cfg.InboxPrefix,
		maxConcurrent: cfg.MaxConcurrent,
		rpcTimeout:    cfg.RPCTimeout,
		reportEvery:   cfg.StatusReportInterval,
		retention:     cfg.FinishedRetention,
		logger:        cfg.Logger.With("client_id", cfg.ClientID, "application", cfg.Application.Key()),
		calcsStarted:  started,
		status:        model.ClientIdle,
		handles:       make(map[string]execution.Calculation),
	}, nil
}

// ClientID returns the agent's client id.
func (a *Agent) ClientID() string { return a.clientID }

// InboxPrefix returns the agent's private inbox prefix.
func (a *Agent) InboxPrefix() string { return a.inboxPrefix }

// ApplicationID returns the id assigned by the registry at Start.
func (a *Agent) ApplicationID() int64 { return a.appID }

// Status returns the current client status.
func (a *Agent) Status() model.ClientStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Start subscribes to the private inbox, registers with the registry and
// then subscribes to invocation broadcasts. After a failed registration
// the agent is left stopped and Start may be called again.
func (a *Agent) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return fmt.Errorf("agent: already started")
	}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := a.subscribe(ctx); err != nil {
		a.unsubscribe()
		a.cancel()
		a.started.Store(false)
		return err
	}
	return nil
}

func (a *Agent) subscribe(ctx context.Context) error {
	inbox, err := a.bus.Subscribe(protocol.InboxWildcard(a.inboxPrefix), a.onMessage)
	if err != nil {
		return fmt.Errorf("agent: subscribe inbox: %w", err)
	}
	a.subs = append(a.subs, inbox)

	if err := a.register(ctx); err != nil {
		return err
	}

	broadcast := protocol.InvocationBroadcastSubject(a.app.Slug, a.app.Version)
	sub, err := a.bus.Subscribe(broadcast, a.onMessage)
	if err != nil {
		return fmt.Errorf("agent: subscribe %s: %w", broadcast, err)
	}
	a.subs = append(a.subs, sub)

	a.logger.Info("agent: ready", "inbox_prefix", a.inboxPrefix, "broadcast_subject", broadcast,
		"commands", len(a.commands), "max_concurrent", a.maxConcurrent)
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	data, err := protocol.Encode(&protocol.RegisterApplication{
		ApplicationSpec:    a.app,
		PrivateInboxPrefix: a.inboxPrefix,
		ClientID:           a.clientID,
	})
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	rctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()
	raw, err := a.bus.Request(rctx, protocol.RegistrySubject, data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	var result protocol.RegisterApplicationResult
	if err := resp.DecodePayload(&result); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	a.appID = result.ApplicationID
	a.logger.Info("agent: registered", "application_id", result.ApplicationID)
	return nil
}

// Stop unsubscribes, terminates running calculations and waits for their
// final status writes until ctx is done.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.started.Load() {
		return nil
	}
	a.unsubscribe()

	a.mu.Lock()
	for id, calc := range a.handles {
		select {
		case <-calc.Done():
		default:
			a.logger.Info("agent: terminating calculation on shutdown", "calculation_id", id)
			calc.Terminate()
		}
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	defer a.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("agent: stop: %w", ctx.Err())
	}
}

func (a *Agent) unsubscribe() {
	for _, s := range a.subs {
		if err := s.Unsubscribe(); err != nil {
			a.logger.Warn("agent: unsubscribe", "error", err)
		}
	}
	a.subs = nil
}

// onMessage handles each inbound message in its own goroutine.
func (a *Agent) onMessage(msg *bus.Msg) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		resp := protocol.Handle(a.ctx, a.logger, msg.Data, func(ctx context.Context, p protocol.Payload) protocol.Response {
			return a.dispatch(ctx, msg, p)
		})
		if resp.ResponseTo == "" || msg.Reply == "" {
			return
		}
		if err := msg.Respond(resp.Bytes()); err != nil {
			a.logger.Warn("agent: respond", "subject", msg.Subject, "error", err)
		}
	}()
}

// noReply is returned by handlers that answer by other means.
var noReply = protocol.Response{}

func (a *Agent) dispatch(ctx context.Context, msg *bus.Msg, p protocol.Payload) protocol.Response {
	switch req := p.(type) {
	case *protocol.CommandInvocationRequest:
		a.handleAvailability(ctx, msg.Reply, req)
		return noReply
	case *protocol.CommandExecutionRequest:
		return a.handleExecute(ctx, req)
	case *protocol.DiscardCommandInvocation:
		a.logger.Debug("agent: discarding invocation", "calculation_id", req.CalculationID)
		return protocol.Success(req.Action(), "discarded", nil)
	case *protocol.GetCalculationStatus:
		return a.handleStatus(req)
	case *protocol.FinaliseInteractiveSession:
		return a.handleFinalise(ctx, req)
	case *protocol.CancelCalculation:
		return a.handleCancel(req)
	case *protocol.HealthCheck:
		return protocol.Success(req.Action(), "ok", protocol.HealthCheckResult{HealthStatus: "healthy"})
	default:
		return protocol.Unsupported(p)
	}
}

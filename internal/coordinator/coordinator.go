// Package coordinator is the registry side of the protocol. It records
// applications and calculations, elects one executing client per
// calculation and mirrors client-reported status into durable storage.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
	"github.com/qcrbox/qcrbox/internal/statusstore"
	"github.com/qcrbox/qcrbox/internal/storage"
)

// Notifier receives every status change the coordinator records.
type Notifier interface {
	Notify(change model.CalculationStatusChange)
}

// Config configures a Coordinator.
type Config struct {
	RPCTimeout          time.Duration
	AvailabilityTimeout time.Duration
	SweepInterval       time.Duration
	Notifier            Notifier
	Logger              *slog.Logger
}

// Coordinator brokers invocations between callers and client agents.
type Coordinator struct {
	bus      bus.Bus
	store    storage.Store
	apps     bus.KeyValue
	statuses *statusstore.Store
	notifier Notifier
	logger   *slog.Logger
	metrics  metrics

	rpcTimeout          time.Duration
	availabilityTimeout time.Duration
	sweepInterval       time.Duration

	locks  keyedMutex
	flight singleflight.Group

	started atomic.Bool
	subs    []bus.Subscription
	cancel  context.CancelFunc
	workers *errgroup.Group
	inbound sync.WaitGroup
}

// New opens the applications and calculation_status buckets on b.
func New(ctx context.Context, b bus.Bus, store storage.Store, cfg Config) (*Coordinator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.AvailabilityTimeout <= 0 {
		cfg.AvailabilityTimeout = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	apps, err := b.KeyValue(ctx, protocol.ApplicationsBucket)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open %s bucket: %w", protocol.ApplicationsBucket, err)
	}
	statuses, err := statusstore.Open(ctx, b, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	return &Coordinator{
		bus:                 b,
		store:               store,
		apps:                apps,
		statuses:            statuses,
		notifier:            cfg.Notifier,
		logger:              cfg.Logger,
		metrics:             newMetrics(),
		rpcTimeout:          cfg.RPCTimeout,
		availabilityTimeout: cfg.AvailabilityTimeout,
		sweepInterval:       cfg.SweepInterval,
		locks:               keyedMutex{locks: make(map[string]*lockEntry)},
	}, nil
}

// Start subscribes to the registry and invocation-response subjects and
// launches the status mirror and the availability reaper.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator: already started")
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	for _, s := range []struct {
		subject string
		handler protocol.HandlerFunc
	}{
		{protocol.RegistrySubject, c.handleRegistry},
		{protocol.InvocationResponseWildcard, c.handleInvocationResponse},
	} {
		sub, err := c.bus.Subscribe(s.subject, c.serve(workerCtx, s.handler))
		if err != nil {
			c.unsubscribe()
			cancel()
			return fmt.Errorf("coordinator: subscribe %s: %w", s.subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	g, gctx := errgroup.WithContext(workerCtx)
	g.Go(func() error { return c.MirrorStatus(gctx) })
	g.Go(func() error { return c.runReaper(gctx) })
	c.workers = g

	c.logger.Info("coordinator: started",
		"rpc_timeout", c.rpcTimeout,
		"availability_timeout", c.availabilityTimeout,
		"sweep_interval", c.sweepInterval,
	)
	return nil
}

// Stop unsubscribes, stops the background workers and waits for in-flight
// handlers until ctx is done.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	c.unsubscribe()
	c.cancel()

	done := make(chan error, 1)
	go func() {
		c.inbound.Wait()
		done <- c.workers.Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("coordinator: worker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator: stop: %w", ctx.Err())
	}
}

func (c *Coordinator) unsubscribe() {
	for _, s := range c.subs {
		if err := s.Unsubscribe(); err != nil {
			c.logger.Warn("coordinator: unsubscribe", "error", err)
		}
	}
	c.subs = nil
}

// serve adapts a protocol handler to a bus handler. Each message runs in
// its own goroutine; the response goes to the reply subject if there is one.
func (c *Coordinator) serve(ctx context.Context, h protocol.HandlerFunc) bus.Handler {
	return func(msg *bus.Msg) {
		c.inbound.Add(1)
		go func() {
			defer c.inbound.Done()
			resp := protocol.Handle(ctx, c.logger, msg.Data, h)
			if resp.ResponseTo == "" || msg.Reply == "" {
				return
			}
			if err := msg.Respond(resp.Bytes()); err != nil {
				c.logger.Warn("coordinator: respond", "subject", msg.Subject, "error", err)
			}
		}()
	}
}

// Ping checks the durable store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// BusHealthy reports whether the bus connection is usable.
func (c *Coordinator) BusHealthy() bool {
	return c.bus.Healthy()
}

// record appends a status event and notifies listeners when it was new.
func (c *Coordinator) record(ctx context.Context, id string, status model.CalculationStatus, comment string) (bool, error) {
	ev := model.CalculationStatusEvent{Timestamp: time.Now().UTC(), Status: status, Comment: comment}
	appended, err := c.store.AppendStatusEvent(ctx, id, ev)
	if err != nil {
		return false, err
	}
	if appended {
		c.notify(id, ev)
	}
	return appended, nil
}

func (c *Coordinator) notify(id string, ev model.CalculationStatusEvent) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(model.CalculationStatusChange{
		CalculationID: id,
		Status:        ev.Status,
		Timestamp:     ev.Timestamp,
		Comment:       ev.Comment,
	})
}

// fail marks a calculation failed, logging rather than returning errors.
func (c *Coordinator) fail(ctx context.Context, id, reason string) {
	if _, err := c.record(ctx, id, model.StatusFailed, reason); err != nil {
		c.logger.Error("coordinator: mark calculation failed", "calculation_id", id, "reason", reason, "error", err)
		return
	}
	c.logger.Warn("coordinator: calculation failed", "calculation_id", id, "reason", reason)
}

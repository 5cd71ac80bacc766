package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
	"github.com/qcrbox/qcrbox/internal/storage"
)

// keyedMutex serialises work per calculation id. Entries are dropped once
// no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// handleInvocationResponse serves server.cmd.invocation_response.*.
func (c *Coordinator) handleInvocationResponse(ctx context.Context, p protocol.Payload) protocol.Response {
	resp, ok := p.(*protocol.CommandInvocationClientResponse)
	if !ok {
		return protocol.Unsupported(p)
	}
	c.HandleClientResponse(ctx, resp)
	return protocol.Response{}
}

// HandleClientResponse runs the election for one availability reply. The
// first available client to bind the calculation receives execute_command;
// every later one receives discard_command_invocation.
func (c *Coordinator) HandleClientResponse(ctx context.Context, resp *protocol.CommandInvocationClientResponse) {
	log := c.logger.With("calculation_id", resp.CalculationID, "client_id", resp.ClientID)
	if !resp.ClientIsAvailable {
		log.Debug("coordinator: client not available")
		return
	}

	client := model.ExecutingClientDetails{ClientID: resp.ClientID, PrivateInboxPrefix: resp.PrivateInboxPrefix}
	unlock := c.locks.lock(resp.CalculationID)
	won, err := c.store.BindExecutor(ctx, resp.CalculationID, client)
	unlock()
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("coordinator: availability reply for unknown calculation")
		return
	}
	if err != nil {
		log.Error("coordinator: bind executor", "error", err)
		return
	}

	if !won {
		c.metrics.discards.Add(ctx, 1)
		log.Debug("coordinator: calculation already bound, discarding")
		c.discard(ctx, client, resp.CalculationID)
		return
	}

	c.metrics.elections.Add(ctx, 1)
	log.Info("coordinator: executing client elected")
	c.execute(ctx, client, resp.CalculationID)
}

func (c *Coordinator) discard(ctx context.Context, client model.ExecutingClientDetails, id string) {
	resp, err := c.rpc(ctx, client.PrivateInboxPrefix, &protocol.DiscardCommandInvocation{CalculationID: id})
	if err != nil {
		c.logger.Warn("coordinator: discard", "calculation_id", id, "client_id", client.ClientID, "error", err)
		return
	}
	if err := resp.Err(); err != nil {
		c.logger.Warn("coordinator: discard refused", "calculation_id", id, "client_id", client.ClientID, "error", err)
	}
}

func (c *Coordinator) execute(ctx context.Context, client model.ExecutingClientDetails, id string) {
	calc, err := c.store.GetCalculation(ctx, id)
	if err != nil {
		c.logger.Error("coordinator: load calculation for execution", "calculation_id", id, "error", err)
		c.fail(ctx, id, "could not load calculation for execution")
		return
	}

	resp, err := c.rpc(ctx, client.PrivateInboxPrefix, &protocol.CommandExecutionRequest{
		CalculationID:      calc.CalculationID,
		ApplicationSlug:    calc.ApplicationSlug,
		ApplicationVersion: calc.ApplicationVersion,
		CommandName:        calc.CommandName,
		Arguments:          calc.Arguments,
		CorrelationID:      calc.CorrelationID,
	})
	if err != nil {
		c.fail(ctx, id, fmt.Sprintf("execute_command to %s failed: %v", client.ClientID, err))
		if errors.Is(err, ErrClientUnreachable) {
			c.cancelAbandoned(ctx, client, id)
		}
		return
	}
	if !resp.OK() {
		c.fail(ctx, id, fmt.Sprintf("client %s rejected execute_command: %s", client.ClientID, resp.Msg))
	}
}

// cancelAbandoned tells a client that may have accepted an execute request
// after its timeout to stop, since the calculation is already failed.
func (c *Coordinator) cancelAbandoned(ctx context.Context, client model.ExecutingClientDetails, id string) {
	resp, err := c.rpc(context.WithoutCancel(ctx), client.PrivateInboxPrefix, &protocol.CancelCalculation{CalculationID: id})
	if err != nil {
		c.logger.Debug("coordinator: cancel after execute timeout", "calculation_id", id, "client_id", client.ClientID, "error", err)
		return
	}
	if err := resp.Err(); err != nil {
		c.logger.Debug("coordinator: cancel after execute timeout refused", "calculation_id", id, "client_id", client.ClientID, "error", err)
	}
}

// rpc sends p to a client's private inbox and waits for its response.
// Timeouts and missing responders are reported as ErrClientUnreachable.
func (c *Coordinator) rpc(ctx context.Context, inboxPrefix string, p protocol.Payload) (protocol.Response, error) {
	verb, ok := protocol.InboxVerb(p.Action())
	if !ok {
		return protocol.Response{}, fmt.Errorf("coordinator: action %s has no inbox verb", p.Action())
	}
	data, err := protocol.Encode(p)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("coordinator: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	raw, err := c.bus.Request(rctx, protocol.InboxSubject(inboxPrefix, verb), data)
	switch {
	case errors.Is(err, bus.ErrTimeout), errors.Is(err, bus.ErrNoResponders), errors.Is(err, context.DeadlineExceeded):
		return protocol.Response{}, fmt.Errorf("%w: %s: %w", ErrClientUnreachable, p.Action(), err)
	case err != nil:
		return protocol.Response{}, fmt.Errorf("coordinator: %s: %w", p.Action(), err)
	}
	return protocol.DecodeResponse(raw)
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS is a Bus backed by a NATS connection with JetStream key-value buckets.
type NATS struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewNATS wraps an established connection.
func NewNATS(nc *nats.Conn, logger *slog.Logger) (*NATS, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}
	return &NATS{nc: nc, js: js, logger: logger}, nil
}

// Conn exposes the underlying connection.
func (b *NATS) Conn() *nats.Conn { return b.nc }

func (b *NATS) Publish(_ context.Context, subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, mapNATSError(err))
	}
	return nil
}

func (b *NATS) PublishRequest(_ context.Context, subject, reply string, data []byte) error {
	if err := b.nc.PublishRequest(subject, reply, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, mapNATSError(err))
	}
	return nil
}

func (b *NATS) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("bus: request %s: %w", subject, mapNATSError(err))
	}
	return msg.Data, nil
}

func (b *NATS) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		h(&Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data, respond: m.Respond})
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, mapNATSError(err))
	}
	return sub, nil
}

func (b *NATS) KeyValue(ctx context.Context, bucket string) (KeyValue, error) {
	kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: key-value bucket %s: %w", bucket, err)
	}
	return &natsKV{kv: kv, logger: b.logger}, nil
}

func (b *NATS) Healthy() bool {
	return b.nc.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (b *NATS) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}

func mapNATSError(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return errors.Join(ErrNoResponders, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrTimeout, err)
	case errors.Is(err, nats.ErrConnectionClosed):
		return errors.Join(ErrClosed, err)
	}
	return err
}

type natsKV struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

func (k *natsKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.kv.Create(ctx, key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, fmt.Errorf("%w: %s", ErrKeyExists, key)
	}
	if err != nil {
		return 0, fmt.Errorf("bus: kv create %s: %w", key, err)
	}
	return rev, nil
}

func (k *natsKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("bus: kv put %s: %w", key, err)
	}
	return rev, nil
}

func (k *natsKV) Get(ctx context.Context, key string) (Entry, error) {
	e, err := k.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("bus: kv get %s: %w", key, err)
	}
	return toEntry(e), nil
}

func (k *natsKV) Watch(ctx context.Context) (<-chan Entry, error) {
	w, err := k.kv.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: kv watch: %w", err)
	}
	out := make(chan Entry)
	go func() {
		defer close(out)
		defer func() {
			if err := w.Stop(); err != nil {
				k.logger.Debug("bus: stop kv watcher", "error", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				// A nil entry marks the end of the initial values.
				if e == nil {
					continue
				}
				select {
				case out <- toEntry(e):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func toEntry(e jetstream.KeyValueEntry) Entry {
	return Entry{
		Key:      e.Key(),
		Value:    e.Value(),
		Revision: e.Revision(),
		Deleted:  e.Operation() != jetstream.KeyValuePut,
	}
}

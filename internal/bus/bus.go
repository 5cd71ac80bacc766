// Package bus abstracts the pub/sub transport and key-value buckets shared
// by the registry and client agents. NATS with JetStream backs production
// deployments; Memory backs tests and single-process setups.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrNoResponders is returned by Request when nobody subscribes to the subject.
	ErrNoResponders = errors.New("bus: no responders")
	// ErrTimeout is returned by Request when no reply arrives before the deadline.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
	// ErrKeyExists is returned by KeyValue.Create when the key is present.
	ErrKeyExists = errors.New("bus: key exists")
	// ErrKeyNotFound is returned by KeyValue.Get for missing keys.
	ErrKeyNotFound = errors.New("bus: key not found")
)

// Msg is one delivered message.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte

	respond func([]byte) error
}

// Respond publishes data to the message's reply subject.
func (m *Msg) Respond(data []byte) error {
	if m.Reply == "" || m.respond == nil {
		return errors.New("bus: message has no reply subject")
	}
	return m.respond(data)
}

// Handler receives messages for a subscription. Messages of one
// subscription are delivered sequentially.
type Handler func(msg *Msg)

// Subscription is an active interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the message transport.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// PublishRequest publishes with a reply subject so that receivers can
	// answer to a subject chosen by the publisher.
	PublishRequest(ctx context.Context, subject, reply string, data []byte) error
	// Request publishes and waits for the first reply until ctx is done.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	// Subscribe supports the * (one token) and > (remaining tokens) wildcards.
	Subscribe(subject string, h Handler) (Subscription, error)
	KeyValue(ctx context.Context, bucket string) (KeyValue, error)
	Healthy() bool
	Close() error
}

// Entry is a key-value bucket entry.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Deleted  bool
}

// KeyValue is a bucket of revisioned values.
type KeyValue interface {
	// Create stores value only if key is absent; otherwise it returns ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (Entry, error)
	// Watch delivers the current value of every key followed by all later
	// updates, in order per key. The channel closes when ctx is done.
	Watch(ctx context.Context) (<-chan Entry, error)
}

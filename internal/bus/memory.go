package bus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Bus. Delivery to each subscription is sequential
// and never blocks the publisher.
type Memory struct {
	mu      sync.RWMutex
	subs    map[*memSub]struct{}
	buckets map[string]*memKV
	closed  bool
	inboxes atomic.Uint64
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[*memSub]struct{}),
		buckets: make(map[string]*memKV),
	}
}

type memSub struct {
	bus     *Memory
	pattern []string
	box     *mailbox[*Msg]
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.box.close()
	return nil
}

func (b *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	pattern, err := splitSubject(subject, true)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memSub{bus: b, pattern: pattern, box: newMailbox[*Msg]()}
	b.subs[s] = struct{}{}
	go s.box.drain(h)
	return s, nil
}

func (b *Memory) Publish(_ context.Context, subject string, data []byte) error {
	_, err := b.publish(subject, "", data)
	return err
}

func (b *Memory) PublishRequest(_ context.Context, subject, reply string, data []byte) error {
	_, err := b.publish(subject, reply, data)
	return err
}

// publish returns the number of subscriptions the message was queued for.
func (b *Memory) publish(subject, reply string, data []byte) (int, error) {
	tokens, err := splitSubject(subject, false)
	if err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	n := 0
	for s := range b.subs {
		if !matchSubject(s.pattern, tokens) {
			continue
		}
		msg := &Msg{Subject: subject, Reply: reply, Data: slices.Clone(data)}
		if reply != "" {
			msg.respond = func(d []byte) error {
				return b.Publish(context.Background(), reply, d)
			}
		}
		s.box.push(msg)
		n++
	}
	return n, nil
}

func (b *Memory) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	inbox := "_INBOX." + strconv.FormatUint(b.inboxes.Add(1), 10)
	replies := make(chan []byte, 1)
	sub, err := b.Subscribe(inbox, func(m *Msg) {
		select {
		case replies <- m.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	n, err := b.publish(subject, inbox, data)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResponders, subject)
	}
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, subject)
		}
		return nil, ctx.Err()
	}
}

func (b *Memory) KeyValue(_ context.Context, bucket string) (KeyValue, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bus: bucket name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	kv, ok := b.buckets[bucket]
	if !ok {
		kv = &memKV{entries: make(map[string]Entry), watchers: make(map[*mailbox[Entry]]struct{})}
		b.buckets[bucket] = kv
	}
	return kv, nil
}

func (b *Memory) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close stops every subscription. Queued messages are dropped.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		s.box.close()
	}
	clear(b.subs)
	return nil
}

type memKV struct {
	mu       sync.Mutex
	rev      uint64
	entries  map[string]Entry
	watchers map[*mailbox[Entry]]struct{}
}

func (kv *memKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if e, ok := kv.entries[key]; ok && !e.Deleted {
		return 0, fmt.Errorf("%w: %s", ErrKeyExists, key)
	}
	return kv.putLocked(key, value), nil
}

func (kv *memKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.putLocked(key, value), nil
}

func (kv *memKV) putLocked(key string, value []byte) uint64 {
	kv.rev++
	e := Entry{Key: key, Value: slices.Clone(value), Revision: kv.rev}
	kv.entries[key] = e
	for w := range kv.watchers {
		w.push(e)
	}
	return e.Revision
}

func (kv *memKV) Get(_ context.Context, key string) (Entry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.entries[key]
	if !ok || e.Deleted {
		return Entry{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return e, nil
}

func (kv *memKV) Watch(ctx context.Context) (<-chan Entry, error) {
	box := newMailbox[Entry]()

	kv.mu.Lock()
	initial := make([]Entry, 0, len(kv.entries))
	for _, e := range kv.entries {
		initial = append(initial, e)
	}
	slices.SortFunc(initial, func(a, b Entry) int { return cmp.Compare(a.Revision, b.Revision) })
	for _, e := range initial {
		box.push(e)
	}
	kv.watchers[box] = struct{}{}
	kv.mu.Unlock()

	out := make(chan Entry)
	go func() {
		defer close(out)
		box.drain(func(e Entry) {
			select {
			case out <- e:
			case <-ctx.Done():
			}
		})
	}()
	go func() {
		<-ctx.Done()
		kv.mu.Lock()
		delete(kv.watchers, box)
		kv.mu.Unlock()
		box.close()
	}()
	return out, nil
}

// mailbox is an unbounded FIFO drained by a single goroutine.
type mailbox[T any] struct {
	mu        sync.Mutex
	items     []T
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *mailbox[T]) drain(fn func(T)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			select {
			case <-m.done:
				return
			default:
			}
			m.mu.Lock()
			if len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			v := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()
			fn(v)
		}
	}
}

func splitSubject(subject string, allowWildcards bool) ([]string, error) {
	if subject == "" {
		return nil, fmt.Errorf("bus: empty subject")
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" {
			return nil, fmt.Errorf("bus: invalid subject %q", subject)
		}
		if tok == "*" || tok == ">" {
			if !allowWildcards {
				return nil, fmt.Errorf("bus: wildcard in publish subject %q", subject)
			}
			if tok == ">" && i != len(tokens)-1 {
				return nil, fmt.Errorf("bus: > must be the last token in %q", subject)
			}
		}
	}
	return tokens, nil
}

func matchSubject(pattern, tokens []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(pattern) == len(tokens)
}

// Package bus is the public entry point of eventline: it validates
// events, selects their pipeline, writes them to the durable queue, and
// falls back to best-effort broadcast when the durable path is down.
package bus

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
)

// Broadcaster is the at-most-once publish/subscribe channel used when
// the durable queue write fails. No ordering, no persistence, no retry:
// this path exists so live subscribers are not starved while the system
// runs degraded.
type Broadcaster interface {
	// Broadcast delivers env to current subscribers, best effort.
	Broadcast(ctx context.Context, env *event.Envelope) error

	// Close shuts the broadcaster down.
	Close() error
}

// SubscriberFunc receives broadcast envelopes.
type SubscriberFunc func(ctx context.Context, env *event.Envelope)

// Subscription is an active broadcast subscription.
type Subscription interface {
	// Unsubscribe removes the subscription.
	Unsubscribe()
}

// LocalBroadcasterConfig configures a LocalBroadcaster.
type LocalBroadcasterConfig struct {
	// BufferSize is the channel buffer per subscription.
	// Default: 256
	BufferSize int

	// OnDrop is called when a subscriber's buffer is full and an
	// envelope is discarded.
	OnDrop func(env *event.Envelope, subscriberID string)
}

// DefaultLocalBroadcasterConfig provides reasonable defaults.
var DefaultLocalBroadcasterConfig = LocalBroadcasterConfig{
	BufferSize: 256,
}

// LocalBroadcaster is an in-memory Broadcaster with per-subscriber
// buffered channels. Delivery never blocks the publisher: a full
// subscriber buffer drops the envelope, which is acceptable on a path
// that promises at most once.
type LocalBroadcaster struct {
	config LocalBroadcasterConfig

	mu   sync.RWMutex
	subs map[string]*localSubscription

	nextID atomic.Int64
	closed atomic.Bool
}

// NewLocalBroadcaster creates an in-memory broadcaster.
func NewLocalBroadcaster(config LocalBroadcasterConfig) *LocalBroadcaster {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultLocalBroadcasterConfig.BufferSize
	}
	return &LocalBroadcaster{
		config: config,
		subs:   make(map[string]*localSubscription),
	}
}

type localSubscription struct {
	id       string
	prefixes []string // empty = all names
	fn       SubscriberFunc
	events   chan *event.Envelope
	done     chan struct{}
	b        *LocalBroadcaster
}

// Subscribe registers fn for envelopes whose name starts with any of
// the given prefixes (e.g. "system.email."). Returns nil after Close.
func (b *LocalBroadcaster) Subscribe(prefixes []string, fn SubscriberFunc) Subscription {
	if sub := b.subscribe(prefixes, fn); sub != nil {
		return sub
	}
	return nil
}

// SubscribeAll registers fn for every envelope.
func (b *LocalBroadcaster) SubscribeAll(fn SubscriberFunc) Subscription {
	if sub := b.subscribe(nil, fn); sub != nil {
		return sub
	}
	return nil
}

func (b *LocalBroadcaster) subscribe(prefixes []string, fn SubscriberFunc) *localSubscription {
	if b.closed.Load() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &localSubscription{
		id:       strconv.FormatInt(b.nextID.Add(1), 10),
		prefixes: prefixes,
		fn:       fn,
		events:   make(chan *event.Envelope, b.config.BufferSize),
		done:     make(chan struct{}),
		b:        b,
	}

	b.subs[sub.id] = sub

	go sub.process()
	return sub
}

// Broadcast implements Broadcaster.
func (b *LocalBroadcaster) Broadcast(ctx context.Context, env *event.Envelope) error {
	if b.closed.Load() {
		return ErrBroadcasterClosed
	}

	b.mu.RLock()
	matched := make([]*localSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(env.Name()) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		select {
		case sub.events <- env:
		default:
			// Buffer full - drop, this path is at most once
			if b.config.OnDrop != nil {
				b.config.OnDrop(env, sub.id)
			}
		}
	}
	return nil
}

// Close implements Broadcaster.
func (b *LocalBroadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		close(sub.done)
	}
	// Empty the registry so a late Unsubscribe is a no-op rather than a
	// second close of done.
	b.subs = make(map[string]*localSubscription)
	return nil
}

func (s *localSubscription) matches(name string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (s *localSubscription) process() {
	for {
		select {
		case env := <-s.events:
			s.fn(context.Background(), env)
		case <-s.done:
			return
		}
	}
}

// Unsubscribe implements Subscription.
func (s *localSubscription) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if _, ok := s.b.subs[s.id]; !ok {
		return
	}
	delete(s.b.subs, s.id)
	close(s.done)
}

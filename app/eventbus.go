package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sweater-ventures/courier/config"
	"github.com/sweater-ventures/courier/metrics"
)

// Handler consumes one event. Returned errors and panics are logged and
// isolated to the handler's own subscription.
type Handler func(ctx context.Context, evt Event) error

// EventBus is the single publish point for generated events. Every
// subscription owns an unbounded FIFO drained by its own goroutine, so a slow
// handler delays only itself and Publish never blocks the producer.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*busSubscription
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

type busSubscription struct {
	name    string
	handler Handler

	mu      sync.Mutex
	queue   []Event
	closing bool // drain what is queued, then exit
	discard bool // exit without draining
	signal  chan struct{}
	once    sync.Once
}

// NewEventBus creates a new EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger.With("component", "eventbus")}
}

// Subscribe registers handler for every event published after this call, in
// publish order, until the returned function is called.
func (b *EventBus) Subscribe(name string, handler Handler) (unsubscribe func()) {
	s := &busSubscription{
		name:    name,
		handler: handler,
		signal:  make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("Subscribe on closed bus ignored", "subscription", name)
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	ctx := context.WithValue(context.Background(), config.LoggerContextKey, b.logger.With("subscription", name))
	go b.run(ctx, s)

	return func() {
		s.once.Do(func() {
			b.mu.Lock()
			for i, other := range b.subs {
				if other == s {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			s.stop(true)
		})
	}
}

// Publish hands evt to every current subscription and returns immediately.
// Events published with no subscribers are dropped.
func (b *EventBus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.Must(uuid.NewV7()).String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("Dropping event published after close", "event_kind", evt.Kind, "event_id", evt.ID)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(evt.Kind)).Inc()
	for _, s := range b.subs {
		s.push(evt)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting events, lets every subscription drain its queue and
// waits for the handlers to finish or ctx to end.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining event bus: %w", ctx.Err())
	}
}

func (b *EventBus) run(ctx context.Context, s *busSubscription) {
	defer b.wg.Done()
	defer metrics.BusQueueDepth.DeleteLabelValues(s.name)

	for {
		evt, ok := s.next()
		if !ok {
			return
		}
		if err := s.invoke(ctx, evt); err != nil {
			metrics.BusHandlerFailuresTotal.WithLabelValues(s.name).Inc()
			b.logger.Error("Event handler failed",
				"subscription", s.name,
				"event_kind", evt.Kind,
				"event_id", evt.ID,
				"error", err,
			)
		}
	}
}

func (s *busSubscription) push(evt Event) {
	s.mu.Lock()
	if s.closing || s.discard {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	depth := len(s.queue)
	s.mu.Unlock()

	metrics.BusQueueDepth.WithLabelValues(s.name).Set(float64(depth))
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next blocks until an event is queued or the subscription ends.
func (s *busSubscription) next() (Event, bool) {
	s.mu.Lock()
	for len(s.queue) == 0 && !s.closing && !s.discard {
		s.mu.Unlock()
		<-s.signal
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if s.discard || len(s.queue) == 0 {
		s.queue = nil
		return Event{}, false
	}
	evt := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	metrics.BusQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
	return evt, true
}

func (s *busSubscription) stop(discard bool) {
	s.mu.Lock()
	if discard {
		s.discard = true
	} else {
		s.closing = true
	}
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *busSubscription) invoke(ctx context.Context, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, evt)
}

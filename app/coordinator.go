package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type PushPolicy string

const (
	// PushParallel pushes alongside realtime delivery; clients de-duplicate
	// by event id.
	PushParallel PushPolicy = "parallel"
	// PushFallback pushes only when no connected client acknowledges the
	// event within the grace window.
	PushFallback PushPolicy = "fallback"
)

func ParsePushPolicy(s string) (PushPolicy, error) {
	switch p := PushPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PushParallel, PushFallback:
		return p, nil
	case "":
		return PushParallel, nil
	default:
		return "", &ConfigurationError{Op: "push policy", Err: fmt.Errorf("unknown policy %q", s)}
	}
}

// Coordinator routes every bus event to the local feed, realtime clients,
// push devices and webhooks. Each transport has its own bus subscription,
// so its failures and latency stay its own.
type Coordinator struct {
	bus         *EventBus
	feed        *LocalFeed
	connections *ConnectionRegistry
	relay       *RealtimeRelay
	push        *PushGateway
	webhooks    *WebhookDispatcher
	policy      PushPolicy
	grace       time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	unsubscribes []func()
	timers       map[*time.Timer]struct{}
	stopped      bool
	fallbacks    sync.WaitGroup
}

func NewCoordinator(bus *EventBus, feed *LocalFeed, connections *ConnectionRegistry, relay *RealtimeRelay, push *PushGateway, webhooks *WebhookDispatcher, policy PushPolicy, grace time.Duration) *Coordinator {
	return &Coordinator{
		bus:         bus,
		feed:        feed,
		connections: connections,
		relay:       relay,
		push:        push,
		webhooks:    webhooks,
		policy:      policy,
		grace:       grace,
		logger:      slog.Default().With("component", "coordinator"),
		timers:      make(map[*time.Timer]struct{}),
	}
}

// Start subscribes the transport handlers.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unsubscribes) > 0 {
		return
	}
	c.unsubscribes = append(c.unsubscribes,
		c.bus.Subscribe("local-feed", c.toFeed),
		c.bus.Subscribe("realtime", c.toRealtime),
		c.bus.Subscribe("push", c.toPush),
		c.bus.Subscribe("webhooks", c.toWebhooks),
	)
	c.logger.Info("Distribution started", "push_policy", c.policy, "push_grace", c.grace)
}

// Stop cancels push notifications still waiting on their grace window and
// waits for fallback pushes already under way.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	for t := range c.timers {
		t.Stop()
	}
	clear(c.timers)
	c.mu.Unlock()
	c.fallbacks.Wait()
}

// Publish is the producer entry point.
func (c *Coordinator) Publish(evt Event) {
	c.bus.Publish(evt)
}

// ActionResult re-publishes a terminal action outcome so every transport
// learns it.
func (c *Coordinator) ActionResult(o ActionOutcome) {
	c.bus.Publish(ResultEvent(o))
}

func (c *Coordinator) toFeed(_ context.Context, evt Event) error {
	if c.feed != nil {
		c.feed.Publish(evt)
	}
	return nil
}

func (c *Coordinator) toRealtime(ctx context.Context, evt Event) error {
	if c.relay == nil || evt.Kind.Internal() || c.connections.Count() == 0 {
		return nil
	}
	c.relay.Broadcast(ctx, evt)
	return nil
}

func (c *Coordinator) toPush(ctx context.Context, evt Event) error {
	if !c.push.Eligible(evt.Kind) {
		return nil
	}
	if c.policy == PushParallel || c.relay == nil || c.connections.Count() == 0 {
		return c.push.Notify(ctx, evt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		_, pending := c.timers[timer]
		delete(c.timers, timer)
		if pending {
			c.fallbacks.Add(1)
		}
		c.mu.Unlock()
		if !pending {
			return
		}
		defer c.fallbacks.Done()
		if c.relay.Acknowledged(evt.ID) {
			c.logger.Debug("Skipping push, realtime client acknowledged", "event_kind", evt.Kind, "event_id", evt.ID)
			return
		}
		if err := c.push.Notify(context.Background(), evt); err != nil {
			c.logger.Error("Fallback push failed", "event_kind", evt.Kind, "event_id", evt.ID, "error", err)
		}
	})
	c.timers[timer] = struct{}{}
	return nil
}

func (c *Coordinator) toWebhooks(ctx context.Context, evt Event) error {
	if c.webhooks == nil {
		return nil
	}
	n, err := c.webhooks.Dispatch(ctx, evt)
	if n > 0 {
		log(ctx).Debug("Event handed to webhooks", "event_kind", evt.Kind, "event_id", evt.ID, "listeners", n)
	}
	return err
}

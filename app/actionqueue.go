package app

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sweater-ventures/courier/metrics"
)

type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionInFlight  ActionState = "in-flight"
	ActionSucceeded ActionState = "succeeded"
	// ActionFailed is a retryable failure waiting out its backoff.
	ActionFailed    ActionState = "failed"
	ActionAbandoned ActionState = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s ActionState) Terminal() bool {
	return s == ActionSucceeded || s == ActionAbandoned
}

// ActionRequest is what a producer or realtime client asks to have executed.
type ActionRequest struct {
	TargetKey string          `json:"targetKey"`
	Operation string          `json:"operation"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ClientRef string          `json:"clientRef,omitempty"`
	Origin    string          `json:"origin,omitempty"`
}

// Action is a snapshot of one queued request and its progress.
type Action struct {
	ID         uint64          `json:"id"`
	TargetKey  string          `json:"targetKey"`
	Operation  string          `json:"operation"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	ClientRef  string          `json:"clientRef,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	State      ActionState     `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

// ActionOutcome is emitted exactly once per action when it reaches a
// terminal state. Err is nil only for ActionSucceeded.
type ActionOutcome struct {
	Action Action
	Err    error
}

// RetryPolicy bounds executions of a single action.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
	// MaxDepth caps pending actions per target key. Zero is unbounded.
	MaxDepth int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		Timeout:     30 * time.Second,
	}
}

type keyQueue struct {
	pending []*Action
	running bool
}

// ActionQueue serializes actions per target key and retries transient
// failures. Each key with pending work has exactly one worker goroutine;
// workers for different keys run concurrently.
type ActionQueue struct {
	executor ActionExecutor
	policy   RetryPolicy
	onResult func(ActionOutcome)
	logger   *slog.Logger

	mu     sync.Mutex
	nextID uint64
	keys   map[string]*keyQueue
	active map[uint64]*Action
	closed bool
	recent *ttlcache.Cache[uint64, Action]

	wg      sync.WaitGroup
	stopCtx context.Context
	stop    context.CancelFunc
}

func NewActionQueue(executor ActionExecutor, policy RetryPolicy, onResult func(ActionOutcome)) *ActionQueue {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if onResult == nil {
		onResult = func(ActionOutcome) {}
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &ActionQueue{
		executor: executor,
		policy:   policy,
		onResult: onResult,
		logger:   slog.Default().With("component", "actions"),
		keys:     make(map[string]*keyQueue),
		active:   make(map[uint64]*Action),
		recent: ttlcache.New(
			ttlcache.WithTTL[uint64, Action](10*time.Minute),
			ttlcache.WithCapacity[uint64, Action](1024),
			ttlcache.WithDisableTouchOnHit[uint64, Action](),
		),
		stopCtx: stopCtx,
		stop:    stop,
	}
}

// Enqueue admits req behind every earlier action for the same target key
// and returns without waiting. The outcome is delivered to the result
// handler.
func (q *ActionQueue) Enqueue(req ActionRequest) (Action, error) {
	if req.TargetKey == "" {
		return Action{}, &PermanentRejectionError{Op: "enqueue action", Err: errors.New("targetKey is required")}
	}
	if req.Operation == "" {
		return Action{}, &PermanentRejectionError{Op: "enqueue action", Err: errors.New("operation is required")}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Action{}, ErrQueueClosed
	}
	kq, ok := q.keys[req.TargetKey]
	if !ok {
		kq = &keyQueue{}
		q.keys[req.TargetKey] = kq
	}
	if q.policy.MaxDepth > 0 && len(kq.pending) >= q.policy.MaxDepth {
		q.mu.Unlock()
		return Action{}, &CapacityError{Op: "enqueue action", Limit: q.policy.MaxDepth, Err: fmt.Errorf("queue for %q is full", req.TargetKey)}
	}

	q.nextID++
	a := &Action{
		ID:         q.nextID,
		TargetKey:  req.TargetKey,
		Operation:  req.Operation,
		Arguments:  slices.Clone(req.Arguments),
		ClientRef:  req.ClientRef,
		Origin:     req.Origin,
		EnqueuedAt: time.Now().UTC(),
		State:      ActionPending,
	}
	kq.pending = append(kq.pending, a)
	q.active[a.ID] = a
	startWorker := !kq.running
	if startWorker {
		kq.running = true
		q.wg.Add(1)
	}
	snapshot := *a
	depth := len(q.active)
	q.mu.Unlock()

	metrics.ActionsActive.Set(float64(depth))
	q.logger.Debug("Action enqueued", "action_id", a.ID, "target_key", a.TargetKey, "operation", a.Operation)
	if startWorker {
		go q.work(req.TargetKey)
	}
	return snapshot, nil
}

func (q *ActionQueue) work(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		kq := q.keys[key]
		if kq == nil || len(kq.pending) == 0 {
			delete(q.keys, key)
			q.mu.Unlock()
			return
		}
		a := kq.pending[0]
		kq.pending[0] = nil
		kq.pending = kq.pending[1:]
		a.State = ActionInFlight
		q.mu.Unlock()

		q.process(a)
	}
}

// process runs a until it reaches a terminal state. Retries happen here,
// ahead of later actions for the same key.
func (q *ActionQueue) process(a *Action) {
	logger := q.logger.With("action_id", a.ID, "target_key", a.TargetKey, "operation", a.Operation)
	for {
		q.mu.Lock()
		a.Attempts++
		a.State = ActionInFlight
		args := a.Arguments
		attempt := a.Attempts
		q.mu.Unlock()

		metrics.ActionAttemptsTotal.WithLabelValues(a.Operation).Inc()
		result, err := q.execute(a.Operation, args)
		if err == nil {
			q.finish(a, ActionSucceeded, result, nil)
			return
		}
		if !IsRetryable(err) {
			logger.Warn("Action rejected", "attempt", attempt, "error", err)
			q.finish(a, ActionAbandoned, nil, err)
			return
		}
		if attempt >= q.policy.MaxAttempts {
			logger.Warn("Action retries exhausted", "attempt", attempt, "error", err)
			q.finish(a, ActionAbandoned, nil, err)
			return
		}

		delay := calculateBackoff(attempt-1, q.policy.BaseBackoff, q.policy.MaxBackoff)
		q.mu.Lock()
		a.State = ActionFailed
		a.LastError = err.Error()
		q.mu.Unlock()
		logger.Info("Action failed, retrying", "attempt", attempt, "backoff", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-q.stopCtx.Done():
			timer.Stop()
			q.finish(a, ActionAbandoned, nil, fmt.Errorf("%w: %w", ErrQueueClosed, err))
			return
		}
	}
}

func (q *ActionQueue) execute(op string, args json.RawMessage) (result json.RawMessage, err error) {
	ctx := context.Background()
	if q.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.policy.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PermanentRejectionError{Op: "execute " + op, Err: fmt.Errorf("executor panic: %v", r)}
		}
	}()
	return q.executor.Execute(ctx, op, args)
}

func (q *ActionQueue) finish(a *Action, state ActionState, result json.RawMessage, cause error) {
	q.mu.Lock()
	snapshot, settled := q.settleLocked(a, state, result, cause)
	q.mu.Unlock()
	if settled {
		q.report(snapshot, cause)
	}
}

// settleLocked moves a to its terminal state exactly once. It reports false
// when a was already settled. q.mu must be held.
func (q *ActionQueue) settleLocked(a *Action, state ActionState, result json.RawMessage, cause error) (Action, bool) {
	if q.active[a.ID] != a {
		return Action{}, false
	}
	a.State = state
	a.Result = result
	if cause != nil {
		a.LastError = cause.Error()
	}
	delete(q.active, a.ID)
	snapshot := *a
	q.recent.DeleteExpired()
	q.recent.Set(snapshot.ID, snapshot, ttlcache.DefaultTTL)
	metrics.ActionsActive.Set(float64(len(q.active)))
	return snapshot, true
}

func (q *ActionQueue) report(snapshot Action, cause error) {
	metrics.ActionTerminalTotal.WithLabelValues(snapshot.Operation, string(snapshot.State)).Inc()
	q.onResult(ActionOutcome{Action: snapshot, Err: cause})
}

// Cancel abandons a pending action. Actions already in flight or waiting
// on a retry run to completion.
func (q *ActionQueue) Cancel(id uint64) (Action, error) {
	q.mu.Lock()
	a, ok := q.active[id]
	if !ok {
		q.mu.Unlock()
		if _, done := q.lookupRecent(id); done {
			return Action{}, ErrNotCancelable
		}
		return Action{}, ErrActionNotFound
	}
	if a.State != ActionPending {
		snapshot := *a
		q.mu.Unlock()
		return snapshot, ErrNotCancelable
	}
	if kq := q.keys[a.TargetKey]; kq != nil {
		kq.pending = slices.DeleteFunc(kq.pending, func(p *Action) bool { return p == a })
	}
	snapshot, _ := q.settleLocked(a, ActionAbandoned, nil, ErrCanceled)
	q.mu.Unlock()

	q.logger.Info("Action canceled", "action_id", id, "target_key", snapshot.TargetKey)
	q.report(snapshot, ErrCanceled)
	return snapshot, nil
}

// Get returns a snapshot of an active or recently finished action.
func (q *ActionQueue) Get(id uint64) (Action, error) {
	q.mu.Lock()
	a, ok := q.active[id]
	if ok {
		snapshot := *a
		q.mu.Unlock()
		return snapshot, nil
	}
	q.mu.Unlock()
	if snapshot, ok := q.lookupRecent(id); ok {
		return snapshot, nil
	}
	return Action{}, ErrActionNotFound
}

func (q *ActionQueue) lookupRecent(id uint64) (Action, bool) {
	item := q.recent.Get(id)
	if item == nil {
		return Action{}, false
	}
	return item.Value(), true
}

// Pending returns the number of actions not yet terminal.
func (q *ActionQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Close stops admission and abandons pending actions with ErrQueueClosed.
// Executions already in flight finish; actions waiting on a retry are
// abandoned. Close waits for the workers or for ctx to end.
func (q *ActionQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var dropped []*Action
	for _, kq := range q.keys {
		dropped = append(dropped, kq.pending...)
		kq.pending = nil
	}
	slices.SortFunc(dropped, func(a, b *Action) int { return cmp.Compare(a.ID, b.ID) })
	abandoned := make([]Action, 0, len(dropped))
	for _, a := range dropped {
		if snapshot, ok := q.settleLocked(a, ActionAbandoned, nil, ErrQueueClosed); ok {
			abandoned = append(abandoned, snapshot)
		}
	}
	q.mu.Unlock()

	for _, snapshot := range abandoned {
		q.report(snapshot, ErrQueueClosed)
	}
	q.stop()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining action queue: %w", ctx.Err())
	}
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sweater-ventures/courier/metrics"
	"golang.org/x/sync/errgroup"
)

// WebhookDispatcher broadcasts events to HTTP listeners. Delivery is best
// effort: each call is attempted once and failures stay local to the listener.
type WebhookDispatcher struct {
	store       ConfigStore
	client      *http.Client
	concurrency int
	logger      *slog.Logger
	inflight    sync.WaitGroup
}

func NewWebhookDispatcher(store ConfigStore, timeout time.Duration, concurrency int) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WebhookDispatcher{
		store:       store,
		client:      &http.Client{Timeout: timeout},
		concurrency: concurrency,
		logger:      slog.Default().With("component", "webhooks"),
	}
}

// WebhookOutcome is the result of one call to one listener.
type WebhookOutcome struct {
	URL        string
	StatusCode int
	Err        error
}

// Dispatch resolves the current subscriptions, launches one POST per match
// and returns without waiting for them. It returns the number of listeners
// the event was sent to.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, evt Event) (int, error) {
	if evt.Kind.Internal() {
		return 0, nil
	}
	subs, err := d.store.Subscriptions(ctx)
	if err != nil {
		return 0, err
	}

	var targets []Subscription
	for _, sub := range subs {
		if sub.Matches(evt.Kind) {
			targets = append(targets, sub)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(evt.webhookBody())
	if err != nil {
		return 0, fmt.Errorf("encoding webhook body: %w", err)
	}
	companyID := d.store.CompanyID(ctx)
	apiKey := d.store.APIKey(ctx)

	logger := d.logger.With("event_kind", evt.Kind, "event_id", evt.ID)
	outcomes := make([]WebhookOutcome, len(targets))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		for i, sub := range targets {
			g.Go(func() error {
				logger.Debug("Dispatching event to webhook", "url", sub.URL)
				outcomes[i] = d.post(sub, evt.ID, body, companyID, apiKey)
				return nil
			})
		}
		_ = g.Wait()

		failed := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
				metrics.RecordDispatch("webhook", "failed")
				logger.Warn("Failed to dispatch event to webhook",
					"url", o.URL,
					"status_code", o.StatusCode,
					"error", o.Err,
				)
				continue
			}
			metrics.RecordDispatch("webhook", "succeeded")
		}
		logger.Debug("Webhook dispatch complete", "listeners", len(outcomes), "failed", failed)
	}()

	return len(targets), nil
}

func (d *WebhookDispatcher) post(sub Subscription, eventID string, body []byte, companyID, apiKey string) WebhookOutcome {
	outcome := WebhookOutcome{URL: sub.URL}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		outcome.Err = &PermanentRejectionError{Op: "build webhook request", Err: err}
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-company-id", companyID)
	if eventID != "" {
		req.Header.Set("x-event-id", eventID)
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	// The listener's own secret lets it tell courier apart from anyone else
	// who learned its URL.
	if sub.Secret != "" {
		req.Header.Set("x-courier-secret", sub.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		outcome.Err = &TransientTransportError{Op: "webhook request", Err: err}
		return outcome
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	outcome.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome.Err = fmt.Errorf("listener responded %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return outcome
}

// Wait blocks until every launched webhook call has finished or ctx ends.
func (d *WebhookDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

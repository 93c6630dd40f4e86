package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ActionExecutor performs an operation on behalf of the queue. Errors that
// must not be retried are returned as *PermanentRejectionError.
type ActionExecutor interface {
	Execute(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to ActionExecutor.
type ExecutorFunc func(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, operation, args)
}

// Operations with dedicated result kinds. Anything else reports through
// action-succeeded and action-failed.
const (
	OpSendMessage          = "send-message"
	OpSendScheduledMessage = "send-scheduled-message"
	OpMarkRead             = "mark-read"
	OpSendTyping           = "send-typing"
)

type resultKinds struct {
	success EventKind
	failure EventKind
}

var operationResults = map[string]resultKinds{
	OpSendMessage:          {success: KindActionSucceeded, failure: KindMessageSendError},
	OpSendScheduledMessage: {success: KindScheduledMessageSent, failure: KindScheduledMessageError},
	OpMarkRead:             {success: KindActionSucceeded, failure: KindActionFailed},
	OpSendTyping:           {success: KindActionSucceeded, failure: KindActionFailed},
}

// KnownOperation reports whether op may be requested by realtime clients.
func KnownOperation(op string) bool {
	_, ok := operationResults[op]
	return ok
}

// ResultKind returns the event kind announcing an action's outcome.
func ResultKind(operation string, succeeded bool) EventKind {
	kinds, ok := operationResults[operation]
	if !ok {
		kinds = resultKinds{success: KindActionSucceeded, failure: KindActionFailed}
	}
	if succeeded {
		return kinds.success
	}
	return kinds.failure
}

// ActionResultPayload is the data of every action result event.
type ActionResultPayload struct {
	ActionID  uint64          `json:"actionId"`
	TargetKey string          `json:"targetKey"`
	Operation string          `json:"operation"`
	Attempts  int             `json:"attempts"`
	ClientRef string          `json:"clientRef,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ResultEvent converts a terminal outcome into the event announcing it.
func ResultEvent(o ActionOutcome) Event {
	payload := ActionResultPayload{
		ActionID:  o.Action.ID,
		TargetKey: o.Action.TargetKey,
		Operation: o.Action.Operation,
		Attempts:  o.Action.Attempts,
		ClientRef: o.Action.ClientRef,
		Result:    o.Action.Result,
	}
	if o.Err != nil {
		payload.Error = o.Err.Error()
	}
	return MustEvent(ResultKind(o.Action.Operation, o.Err == nil), payload)
}

// HTTPExecutor forwards operations to an external service as
// POST {url}/{operation} with the arguments as body.
type HTTPExecutor struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTPExecutor(url, apiKey string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: timeout}}
}

func (e *HTTPExecutor) Execute(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL+"/"+operation, bytes.NewReader(args))
	if err != nil {
		return nil, &ConfigurationError{Op: "executor request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("x-api-key", e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, &TransientTransportError{Op: "execute " + operation, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, &TransientTransportError{Op: "execute " + operation, Err: err}
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientTransportError{Op: "execute " + operation, Err: fmt.Errorf("executor responded %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
	case resp.StatusCode >= 400:
		return nil, &PermanentRejectionError{Op: "execute " + operation, Err: fmt.Errorf("executor responded %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
	}
	if len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

// UnconfiguredExecutor rejects every operation. It backs the queue when no
// executor endpoint is set so requests surface an explicit failure.
var UnconfiguredExecutor = ExecutorFunc(func(ctx context.Context, operation string, _ json.RawMessage) (json.RawMessage, error) {
	return nil, &ConfigurationError{Op: "execute " + operation, Err: fmt.Errorf("no action executor configured")}
})

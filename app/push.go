package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sweater-ventures/courier/metrics"
)

// maxPushPayload keeps notifications under the common 4KB gateway limit.
const maxPushPayload = 4000

// PushMessage is the data block delivered to a device.
type PushMessage struct {
	ID   string          `json:"id"`
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PushResult is the gateway's verdict for one device token.
type PushResult struct {
	Token string
	Err   error
}

// PushSender delivers one message to a set of device tokens.
type PushSender interface {
	Send(ctx context.Context, tokens []string, msg PushMessage) ([]PushResult, error)
}

// ErrUnregisteredDevice marks a token the gateway no longer accepts.
var ErrUnregisteredDevice = errors.New("device token is not registered")

// PushGateway converts events into push notifications for registered devices.
type PushGateway struct {
	store   ConfigStore
	sender  PushSender
	kinds   []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewPushGateway(store ConfigStore, sender PushSender, kinds []string, timeout time.Duration) *PushGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PushGateway{
		store:   store,
		sender:  sender,
		kinds:   kinds,
		timeout: timeout,
		logger:  slog.Default().With("component", "push"),
	}
}

// Eligible reports whether kind is sent as a push notification.
func (p *PushGateway) Eligible(kind EventKind) bool {
	if p == nil || p.sender == nil || kind.Internal() {
		return false
	}
	return matchesAnyKind(p.kinds, kind)
}

// Notify pushes evt to every registered device. Failures are logged with the
// device identity and never returned to the caller's event flow; the
// returned error only reports that nothing could be attempted.
func (p *PushGateway) Notify(ctx context.Context, evt Event) error {
	if !p.Eligible(evt.Kind) {
		return nil
	}
	devices, err := p.store.Devices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	msg := buildPushMessage(evt)
	tokens := make([]string, len(devices))
	names := make(map[string]string, len(devices))
	for i, d := range devices {
		tokens[i] = d.Token
		names[d.Token] = d.Name
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	logger := p.logger.With("event_kind", evt.Kind, "event_id", evt.ID)
	results, err := p.sender.Send(ctx, tokens, msg)
	if err != nil {
		metrics.RecordDispatch("push", "failed")
		logger.Warn("Push gateway call failed", "devices", len(tokens), "error", err)
		return nil
	}

	for _, r := range results {
		if r.Err == nil {
			metrics.RecordDispatch("push", "succeeded")
			continue
		}
		metrics.RecordDispatch("push", "failed")
		logger.Warn("Push delivery failed", "device", names[r.Token], "error", r.Err)
		if errors.Is(r.Err, ErrUnregisteredDevice) {
			if err := p.store.RemoveDevice(ctx, r.Token); err != nil {
				logger.Error("Failed to remove unregistered device", "device", names[r.Token], "error", err)
			} else {
				logger.Info("Removed unregistered device", "device", names[r.Token])
			}
		}
	}
	return nil
}

func buildPushMessage(evt Event) PushMessage {
	msg := PushMessage{ID: evt.ID, Type: evt.Kind, Data: evt.Payload}
	if b, err := json.Marshal(msg); err == nil && len(b) <= maxPushPayload {
		return msg
	}
	// Too large for the gateway; clients fetch the event by id.
	msg.Data = nil
	return msg
}

// HTTPPushSender talks to a legacy-FCM style HTTP gateway.
type HTTPPushSender struct {
	URL       string
	ServerKey string
	Client    *http.Client
}

func NewHTTPPushSender(url, serverKey string, timeout time.Duration) (*HTTPPushSender, error) {
	if url == "" {
		return nil, nil
	}
	if serverKey == "" {
		return nil, &ConfigurationError{Op: "push gateway", Err: errors.New("server key is required when a gateway url is set")}
	}
	return &HTTPPushSender{URL: url, ServerKey: serverKey, Client: &http.Client{Timeout: timeout}}, nil
}

type pushRequest struct {
	RegistrationIDs []string    `json:"registration_ids"`
	Priority        string      `json:"priority"`
	Data            PushMessage `json:"data"`
}

type pushResponse struct {
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (s *HTTPPushSender) Send(ctx context.Context, tokens []string, msg PushMessage) ([]PushResult, error) {
	body, err := json.Marshal(pushRequest{RegistrationIDs: tokens, Priority: "high", Data: msg})
	if err != nil {
		return nil, fmt.Errorf("encoding push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &ConfigurationError{Op: "push request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.ServerKey)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &TransientTransportError{Op: "push request", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ConfigurationError{Op: "push request", Err: fmt.Errorf("gateway rejected credentials: %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &TransientTransportError{Op: "push request", Err: fmt.Errorf("gateway responded %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &PermanentRejectionError{Op: "push request", Err: fmt.Errorf("gateway responded %d", resp.StatusCode)}
	}

	var parsed pushResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1024*1024)).Decode(&parsed); err != nil {
		return nil, &PermanentRejectionError{Op: "push response", Err: err}
	}

	results := make([]PushResult, len(tokens))
	for i, token := range tokens {
		results[i].Token = token
		if i >= len(parsed.Results) {
			continue
		}
		switch parsed.Results[i].Error {
		case "":
		case "NotRegistered", "InvalidRegistration":
			results[i].Err = fmt.Errorf("%s: %w", parsed.Results[i].Error, ErrUnregisteredDevice)
		default:
			results[i].Err = errors.New(parsed.Results[i].Error)
		}
	}
	return results, nil
}

package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sweater-ventures/courier/metrics"
	"golang.org/x/time/rate"
)

// CapabilityActions allows a client to submit actions.
const CapabilityActions = "actions"

// ActionSubmitter is the part of ActionQueue the relay hands requests to.
type ActionSubmitter interface {
	Enqueue(req ActionRequest) (Action, error)
	Cancel(id uint64) (Action, error)
}

// Inbound frame types.
const (
	FrameAction = "action"
	FrameCancel = "cancel"
	FrameAck    = "ack"
	FramePing   = "ping"
)

// Outbound reply frame types.
const (
	ReplyActionAccepted = "action-accepted"
	ReplyActionCanceled = "action-canceled"
	ReplyPong           = "pong"
	ReplyError          = "error"
)

// Error codes carried by error frames.
const (
	CodeMalformed        = "malformed"
	CodeUnknownType      = "unknown-type"
	CodeInvalid          = "invalid"
	CodeUnknownOperation = "unknown-operation"
	CodeForbidden        = "forbidden"
	CodeRateLimited      = "rate-limited"
	CodeQueueFull        = "queue-full"
	CodeUnavailable      = "unavailable"
	CodeNotFound         = "not-found"
	CodeNotCancelable    = "not-cancelable"
)

// InboundFrame is any message a realtime client sends.
type InboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	TargetKey string          `json:"targetKey,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ClientRef string          `json:"clientRef,omitempty"`
	ActionID  uint64          `json:"actionId,omitempty"`
	EventID   string          `json:"eventId,omitempty"`
}

// ReplyFrame answers an inbound frame.
type ReplyFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	ActionID  uint64      `json:"actionId,omitempty"`
	State     ActionState `json:"state,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func errorReply(requestID, code, message string) *ReplyFrame {
	return &ReplyFrame{Type: ReplyError, RequestID: requestID, Code: code, Message: message}
}

// RelayOptions tunes the per-client limits.
type RelayOptions struct {
	SendBuffer  int
	ActionRate  float64
	ActionBurst int
	AckTTL      time.Duration
	// AllowAnonymous accepts clients when no API key is configured.
	AllowAnonymous bool
}

// RealtimeRelay pushes events to attached clients and accepts their action
// requests.
type RealtimeRelay struct {
	registry *ConnectionRegistry
	actions  ActionSubmitter
	store    ConfigStore
	opts     RelayOptions
	acks     *ttlcache.Cache[string, struct{}]
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewRealtimeRelay(registry *ConnectionRegistry, actions ActionSubmitter, store ConfigStore, opts RelayOptions) *RealtimeRelay {
	if opts.AckTTL <= 0 {
		opts.AckTTL = 2 * time.Minute
	}
	return &RealtimeRelay{
		registry: registry,
		actions:  actions,
		store:    store,
		opts:     opts,
		acks: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](opts.AckTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps and browsers on other origins; the
			// API key is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default().With("component", "relay"),
	}
}

// Run expires acknowledgements until ctx ends.
func (r *RealtimeRelay) Run(ctx context.Context) error {
	go r.acks.Start()
	<-ctx.Done()
	r.acks.Stop()
	return nil
}

// Close detaches every client.
func (r *RealtimeRelay) Close() {
	r.registry.CloseAll()
}

// Acknowledge records that some client received eventID.
func (r *RealtimeRelay) Acknowledge(eventID string) {
	if eventID == "" {
		return
	}
	r.acks.Set(eventID, struct{}{}, ttlcache.DefaultTTL)
}

// Acknowledged reports whether any client confirmed receipt of eventID.
func (r *RealtimeRelay) Acknowledged(eventID string) bool {
	return r.acks.Get(eventID) != nil
}

// Broadcast encodes evt once and sends it to every live client. A client
// whose send fails is detached; the others are unaffected. It returns the
// number of clients the event was handed to.
func (r *RealtimeRelay) Broadcast(ctx context.Context, evt Event) int {
	records := r.registry.Live()
	if len(records) == 0 {
		return 0
	}
	frame, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("Failed to encode event for clients", "event_kind", evt.Kind, "event_id", evt.ID, "error", err)
		return 0
	}

	delivered := 0
	for _, rec := range records {
		if err := rec.Transport.Send(ctx, frame); err != nil {
			metrics.RecordDispatch("realtime", "failed")
			r.logger.Warn("Failed to send event to client, detaching",
				"client_id", rec.ClientID,
				"event_kind", evt.Kind,
				"event_id", evt.ID,
				"error", err,
			)
			r.registry.DetachTransport(rec.ClientID, rec.Transport)
			continue
		}
		metrics.RecordDispatch("realtime", "succeeded")
		delivered++
	}
	return delivered
}

// relayClient is the relay's per-connection state.
type relayClient struct {
	id           string
	capabilities []string
	limiter      *rate.Limiter
}

func (r *RealtimeRelay) newClient(id string, capabilities []string) *relayClient {
	limit := rate.Inf
	if r.opts.ActionRate > 0 {
		limit = rate.Limit(r.opts.ActionRate)
	}
	burst := r.opts.ActionBurst
	if burst <= 0 {
		burst = 1
	}
	return &relayClient{id: id, capabilities: capabilities, limiter: rate.NewLimiter(limit, burst)}
}

func (c *relayClient) can(capability string) bool {
	return slices.Contains(c.capabilities, capability)
}

// authorize checks the presented key against the configured one.
func (r *RealtimeRelay) authorize(req *http.Request) error {
	presented := req.URL.Query().Get("guid")
	if presented == "" {
		presented = req.Header.Get("x-api-key")
	}
	expected := r.store.APIKey(req.Context())
	if expected == "" {
		if r.opts.AllowAnonymous {
			return nil
		}
		return &ConfigurationError{Op: "authorize client", Err: errors.New("no api key configured")}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return &PermanentRejectionError{Op: "authorize client", Err: errors.New("invalid api key")}
	}
	return nil
}

// ServeHTTP upgrades an authorized request and attaches the client.
func (r *RealtimeRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if err := r.authorize(req); err != nil {
		var cfgErr *ConfigurationError
		status := http.StatusUnauthorized
		reason := "unauthorized"
		if errors.As(err, &cfgErr) {
			status = http.StatusServiceUnavailable
			reason = "unconfigured"
		}
		metrics.RealtimeRejectedTotal.WithLabelValues(reason).Inc()
		r.logger.Warn("Rejected realtime client", "remote_addr", req.RemoteAddr, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	clientID := req.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.Must(uuid.NewV7()).String()
	}
	capabilities := parseCapabilities(req.URL.Query().Get("capabilities"))

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		metrics.RealtimeRejectedTotal.WithLabelValues("upgrade").Inc()
		r.logger.Warn("Websocket upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
		return
	}

	transport := newWSTransport(conn, r.opts.SendBuffer)
	client := r.newClient(clientID, capabilities)
	r.registry.Attach(clientID, transport, capabilities)
	go transport.writePump()

	hello := MustEvent(KindHelloWorld, map[string]any{"clientId": clientID, "capabilities": capabilities})
	if frame, err := json.Marshal(hello); err == nil {
		_ = transport.Send(req.Context(), frame)
	}

	go func() {
		err := transport.readPump(
			func(data []byte) {
				reply := r.handleFrame(client, data)
				if reply == nil {
					return
				}
				if frame, err := json.Marshal(reply); err == nil {
					_ = transport.Send(context.Background(), frame)
				}
			},
			func() { r.registry.Touch(clientID) },
		)
		if err != nil {
			r.logger.Info("Client connection closed unexpectedly", "client_id", clientID, "error", err)
		}
		r.registry.DetachTransport(clientID, transport)
	}()
}

func parseCapabilities(raw string) []string {
	var caps []string
	for c := range strings.SplitSeq(raw, ",") {
		if c = strings.TrimSpace(strings.ToLower(c)); c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}

// handleFrame validates one inbound frame and returns the reply, if any.
// Rejected frames always produce an error reply.
func (r *RealtimeRelay) handleFrame(client *relayClient, data []byte) *ReplyFrame {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errorReply("", CodeMalformed, "frame is not valid JSON")
	}
	logger := r.logger.With("client_id", client.id, "frame_type", frame.Type)

	switch frame.Type {
	case FramePing:
		return &ReplyFrame{Type: ReplyPong, RequestID: frame.RequestID}

	case FrameAck:
		if frame.EventID == "" {
			return errorReply(frame.RequestID, CodeInvalid, "eventId is required")
		}
		r.Acknowledge(frame.EventID)
		return nil

	case FrameAction:
		if !client.can(CapabilityActions) {
			logger.Warn("Rejected action from client without the actions capability")
			return errorReply(frame.RequestID, CodeForbidden, "client is not allowed to submit actions")
		}
		if frame.TargetKey == "" || frame.Operation == "" {
			return errorReply(frame.RequestID, CodeInvalid, "targetKey and operation are required")
		}
		if len(frame.Arguments) > 0 && !json.Valid(frame.Arguments) {
			return errorReply(frame.RequestID, CodeInvalid, "arguments must be JSON")
		}
		if !KnownOperation(frame.Operation) {
			return errorReply(frame.RequestID, CodeUnknownOperation, "unknown operation "+frame.Operation)
		}
		if !client.limiter.Allow() {
			metrics.RealtimeRejectedTotal.WithLabelValues("rate-limited").Inc()
			logger.Warn("Client action rate exceeded")
			return errorReply(frame.RequestID, CodeRateLimited, "too many actions, slow down")
		}
		action, err := r.actions.Enqueue(ActionRequest{
			TargetKey: frame.TargetKey,
			Operation: frame.Operation,
			Arguments: frame.Arguments,
			ClientRef: frame.ClientRef,
			Origin:    client.id,
		})
		if err != nil {
			return actionErrorReply(frame.RequestID, err)
		}
		return &ReplyFrame{Type: ReplyActionAccepted, RequestID: frame.RequestID, ActionID: action.ID, State: action.State}

	case FrameCancel:
		if frame.ActionID == 0 {
			return errorReply(frame.RequestID, CodeInvalid, "actionId is required")
		}
		if !client.can(CapabilityActions) {
			return errorReply(frame.RequestID, CodeForbidden, "client is not allowed to cancel actions")
		}
		action, err := r.actions.Cancel(frame.ActionID)
		if err != nil {
			return actionErrorReply(frame.RequestID, err)
		}
		return &ReplyFrame{Type: ReplyActionCanceled, RequestID: frame.RequestID, ActionID: action.ID, State: action.State}

	default:
		return errorReply(frame.RequestID, CodeUnknownType, "unknown frame type "+frame.Type)
	}
}

func actionErrorReply(requestID string, err error) *ReplyFrame {
	var (
		capErr    *CapacityError
		permanent *PermanentRejectionError
	)
	switch {
	case errors.As(err, &capErr):
		return errorReply(requestID, CodeQueueFull, err.Error())
	case errors.As(err, &permanent):
		return errorReply(requestID, CodeInvalid, err.Error())
	case errors.Is(err, ErrActionNotFound):
		return errorReply(requestID, CodeNotFound, err.Error())
	case errors.Is(err, ErrNotCancelable):
		return errorReply(requestID, CodeNotCancelable, err.Error())
	default:
		return errorReply(requestID, CodeUnavailable, err.Error())
	}
}

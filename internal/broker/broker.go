// Package broker holds the hook's blocking permission call open until a
// decision exists, and runs the Unix-socket server that speaks the wire
// protocol to the hook.
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"hookbridge/internal/domain"
	"hookbridge/internal/infra/tracer"
)

// ErrorCode values returned by Resolve, distinct from domain.ErrorCode so
// the wire-level vocabulary (spec'd literally) stays decoupled from the
// internal taxonomy.
type ResolveErrorCode string

const (
	ResolveOK          ResolveErrorCode = ""
	ErrAlreadyResolved ResolveErrorCode = "ERR_ALREADY_RESOLVED"
	ErrDisconnected    ResolveErrorCode = "ERR_DISCONNECTED"
	ErrRequestNotFound ResolveErrorCode = "ERR_NOT_FOUND"
)

var (
	metricsOnce          sync.Once
	requestsRegistered   prometheus.Counter
	requestsResolved     prometheus.Counter
	requestsTimedOut     prometheus.Counter
	requestsDenied       prometheus.Counter
	pendingGauge         prometheus.Gauge
	resolveLatencySecond prometheus.Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		requestsRegistered = promauto.NewCounter(prometheus.CounterOpts{
			Name: "hookbridge_requests_registered_total",
			Help: "Permission requests registered with the broker.",
		})
		requestsResolved = promauto.NewCounter(prometheus.CounterOpts{
			Name: "hookbridge_requests_resolved_total",
			Help: "Permission requests resolved with a decision.",
		})
		requestsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
			Name: "hookbridge_requests_timed_out_total",
			Help: "Permission requests that hit the server-side timeout.",
		})
		requestsDenied = promauto.NewCounter(prometheus.CounterOpts{
			Name: "hookbridge_requests_denied_total",
			Help: "Permission requests resolved with a deny decision.",
		})
		pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hookbridge_requests_pending",
			Help: "Permission requests currently pending a decision.",
		})
		resolveLatencySecond = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookbridge_resolve_latency_seconds",
			Help:    "Time from Register to Resolve for a permission request.",
			Buckets: prometheus.DefBuckets,
		})
	})
}

// Config controls broker timing.
type Config struct {
	// RequestTimeout is the age at which a pending request gets a fallback
	// decision frame. 0 disables the timeout.
	RequestTimeout time.Duration
	// CleanupInterval is how often the background sweep runs (default 5s).
	CleanupInterval time.Duration
	// GCDelay is how long a resolved/disconnected request is kept around
	// for status queries before being purged (default 60s).
	GCDelay time.Duration
}

// Broker holds pending permission requests and serializes every state
// transition under one lock, per spec's ordering guarantee.
type Broker struct {
	mu       sync.Mutex
	requests map[string]*domain.PendingRequest
	cfg      Config
	bus      domain.EventBus
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Broker and starts its background cleanup sweep.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Broker {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Second
	}
	if cfg.GCDelay <= 0 {
		cfg.GCDelay = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()

	b := &Broker{
		requests: make(map[string]*domain.PendingRequest),
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

// RegisterInput is the decoded shape of a hook's register message.
type RegisterInput struct {
	RequestID       string `json:"request_id"`
	HookPID         int    `json:"hook_pid"`
	RawInputEncoded string `json:"raw_input_encoded"`
}

type rawInputPayload struct {
	SessionID  string         `json:"session_id"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ProjectDir string         `json:"project_dir"`
}

// Register records a pending request and returns the decoded session_id for
// the caller's ACK. A malformed raw_input_encoded still registers the
// request, with session_id "unknown".
func (b *Broker) Register(ctx context.Context, conn net.Conn, in RegisterInput) (sessionID string) {
	payload := decodeRawInput(in.RawInputEncoded)

	req := &domain.PendingRequest{
		RequestID:      in.RequestID,
		Conn:           conn,
		HookPID:        in.HookPID,
		SessionID:      payload.SessionID,
		ToolName:       payload.ToolName,
		ToolInput:      payload.ToolInput,
		ProjectDir:     payload.ProjectDir,
		Timestamp:      time.Now(),
		Status:         domain.RequestPending,
		TransitionedAt: time.Now(),
	}
	if req.SessionID == "" {
		req.SessionID = "unknown"
	}

	b.mu.Lock()
	b.requests[in.RequestID] = req
	b.mu.Unlock()

	requestsRegistered.Inc()
	pendingGauge.Inc()

	b.emitEvent(ctx, domain.EventRequestRegistered, req)
	b.logger.Info("request registered", "request_id", in.RequestID, "session_id", req.SessionID, "tool_name", req.ToolName)

	return req.SessionID
}

func decodeRawInput(encoded string) rawInputPayload {
	var payload rawInputPayload
	if encoded == "" {
		return payload
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payload
	}
	_ = json.Unmarshal(raw, &payload)
	return payload
}

// Resolve applies decision to request_id. It is idempotent: a second call
// on an already-resolved request returns ErrAlreadyResolved without
// touching the socket again.
func (b *Broker) Resolve(ctx context.Context, requestID string, decision domain.Decision) (ResolveErrorCode, string) {
	ctx, span := tracer.StartSpan(ctx, "broker.resolve", tracer.StringAttr("request_id", requestID))
	defer span.End()

	b.mu.Lock()
	req, ok := b.requests[requestID]
	if !ok {
		b.mu.Unlock()
		return ErrRequestNotFound, "请求不存在或已过期"
	}

	switch req.Status {
	case domain.RequestResolved:
		b.mu.Unlock()
		return ErrAlreadyResolved, "已被处理"
	case domain.RequestDisconnected:
		b.mu.Unlock()
		return ErrDisconnected, "连接已断开"
	}

	req.Status = domain.RequestResolved
	req.TransitionedAt = time.Now()
	conn := req.Conn
	latency := time.Since(req.Timestamp)
	b.mu.Unlock()

	frame := decisionFrame{
		Success:    true,
		Decision:   &decisionPayload{Behavior: string(decision.Behavior), Message: decision.Message, Interrupt: decision.Interrupt},
		SessionID:  req.SessionID,
		ToolName:   req.ToolName,
		ToolInput:  req.ToolInput,
		ProjectDir: req.ProjectDir,
	}

	if err := writeDecisionFrame(conn, frame); err != nil {
		b.mu.Lock()
		req.Status = domain.RequestDisconnected
		req.TransitionedAt = time.Now()
		b.mu.Unlock()
		tracer.RecordError(span, err)
		b.logger.Warn("resolve: write failed, marking disconnected", "request_id", requestID, "err", err)
		return ErrDisconnected, "连接已断开"
	}

	requestsResolved.Inc()
	pendingGauge.Dec()
	resolveLatencySecond.Observe(latency.Seconds())
	if decision.Behavior == domain.BehaviorDeny {
		requestsDenied.Inc()
	}
	tracer.SetOK(span)

	b.emitEvent(ctx, domain.EventRequestResolved, req)
	b.logger.Info("request resolved", "request_id", requestID, "behavior", decision.Behavior)

	return ResolveOK, ""
}

// GetData returns a snapshot of the pending request for renderers.
func (b *Broker) GetData(requestID string) (domain.PendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[requestID]
	if !ok {
		return domain.PendingRequest{}, false
	}
	return *req, true
}

// GetStatus returns just the current status, for the fallback decision flow.
func (b *Broker) GetStatus(requestID string) (domain.RequestStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[requestID]
	if !ok {
		return "", false
	}
	return req.Status, true
}

// ListPending returns every request still pending or disconnected, for the
// Backend's "/" index page listing every outstanding approval.
func (b *Broker) ListPending() []domain.PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.PendingRequest, 0, len(b.requests))
	for _, req := range b.requests {
		if req.Status == domain.RequestPending || req.Status == domain.RequestDisconnected {
			out = append(out, *req)
		}
	}
	return out
}

// Stop halts the cleanup sweep.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Broker) cleanupLoop() {
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep probes each pending connection for a closed peer, applies the
// request-age timeout as a fallback decision, and purges requests that
// have sat in a terminal state past GCDelay. Every transition happens
// under the broker lock so a concurrent Resolve cannot race a second
// frame write.
func (b *Broker) sweep() {
	now := time.Now()

	b.mu.Lock()
	var toTimeout []*domain.PendingRequest
	var toPurge []string
	for id, req := range b.requests {
		switch req.Status {
		case domain.RequestPending:
			if peerClosed(req.Conn) {
				req.Status = domain.RequestDisconnected
				req.TransitionedAt = now
				continue
			}
			if b.cfg.RequestTimeout > 0 && now.Sub(req.Timestamp) > b.cfg.RequestTimeout {
				toTimeout = append(toTimeout, req)
			}
		case domain.RequestResolved, domain.RequestDisconnected:
			if now.Sub(req.TransitionedAt) > b.cfg.GCDelay {
				toPurge = append(toPurge, id)
			}
		}
	}
	b.mu.Unlock()

	for _, req := range toTimeout {
		b.timeoutRequest(req)
	}

	if len(toPurge) > 0 {
		b.mu.Lock()
		for _, id := range toPurge {
			delete(b.requests, id)
		}
		b.mu.Unlock()
	}
}

func (b *Broker) timeoutRequest(req *domain.PendingRequest) {
	b.mu.Lock()
	if req.Status != domain.RequestPending {
		b.mu.Unlock()
		return
	}
	req.Status = domain.RequestDisconnected
	req.TransitionedAt = time.Now()
	conn := req.Conn
	b.mu.Unlock()

	frame := decisionFrame{
		Success:        false,
		FallbackToTerm: true,
		Error:          "server_timeout",
		SessionID:      req.SessionID,
		Message:        "server timed out waiting for a decision",
	}
	_ = writeDecisionFrame(conn, frame)

	requestsTimedOut.Inc()
	pendingGauge.Dec()
	b.emitEvent(context.Background(), domain.EventRequestTimedOut, req)
	b.logger.Info("request timed out", "request_id", req.RequestID)
}

func (b *Broker) emitEvent(ctx context.Context, eventType domain.EventType, req *domain.PendingRequest) {
	if b.bus == nil {
		return
	}
	data, _ := json.Marshal(req)
	b.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: req.SessionID,
		Payload:   data,
	})
}

// peerClosed performs a non-blocking check for whether the peer has closed
// the connection, analogous to a MSG_PEEK probe: a one-millisecond deadline
// read that returns io.EOF means the peer is gone; a timeout means it's
// still there.
func peerClosed(conn net.Conn) bool {
	if conn == nil {
		return true
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n > 0 {
		return false
	}
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}

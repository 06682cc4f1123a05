package broker

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"hookbridge/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}
func (b *recordingBus) Events() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]domain.Event, len(b.events))
	copy(cp, b.events)
	return cp
}

func newTestBroker(t *testing.T, cfg Config, bus domain.EventBus) *Broker {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour // don't auto-sweep during tests unless asked
	}
	b := New(cfg, bus, newTestLogger())
	t.Cleanup(b.Stop)
	return b
}

func registerInput(t *testing.T, requestID string, sessionID, toolName, projectDir string) RegisterInput {
	t.Helper()
	payload := rawInputPayload{SessionID: sessionID, ToolName: toolName, ProjectDir: projectDir}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return RegisterInput{
		RequestID:       requestID,
		HookPID:         1234,
		RawInputEncoded: base64.StdEncoding.EncodeToString(raw),
	}
}

func readFrame(t *testing.T, conn net.Conn) decisionFrame {
	t.Helper()
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	n := binary.BigEndian.Uint32(header)
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read frame body: %v", err)
	}
	var frame decisionFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func TestRegisterThenResolveDeliversFrame(t *testing.T) {
	b := newTestBroker(t, Config{}, nil)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	in := registerInput(t, "req-1", "sess-1", "Bash", "/tmp/proj")
	sessionID := b.Register(context.Background(), serverConn, in)
	if sessionID != "sess-1" {
		t.Errorf("sessionID = %q, want %q", sessionID, "sess-1")
	}

	done := make(chan struct{})
	go func() {
		code, _ := b.Resolve(context.Background(), "req-1", domain.Decision{Behavior: domain.BehaviorAllow})
		if code != ResolveOK {
			t.Errorf("Resolve code = %q, want OK", code)
		}
		close(done)
	}()

	frame := readFrame(t, clientConn)
	if !frame.Success || frame.Decision == nil || frame.Decision.Behavior != "allow" {
		t.Errorf("unexpected frame: %+v", frame)
	}
	<-done
}

func TestResolveUnknownRequest(t *testing.T) {
	b := newTestBroker(t, Config{}, nil)
	code, msg := b.Resolve(context.Background(), "missing", domain.Decision{Behavior: domain.BehaviorAllow})
	if code != ErrRequestNotFound {
		t.Errorf("code = %q, want %q", code, ErrRequestNotFound)
	}
	if msg == "" {
		t.Error("expected a human message")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	b := newTestBroker(t, Config{}, nil)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	in := registerInput(t, "req-1", "sess-1", "Bash", "/tmp/proj")
	b.Register(context.Background(), serverConn, in)

	go readFrame(t, clientConn)
	code, _ := b.Resolve(context.Background(), "req-1", domain.Decision{Behavior: domain.BehaviorAllow})
	if code != ResolveOK {
		t.Fatalf("first Resolve code = %q, want OK", code)
	}

	code2, _ := b.Resolve(context.Background(), "req-1", domain.Decision{Behavior: domain.BehaviorDeny})
	if code2 != ErrAlreadyResolved {
		t.Errorf("second Resolve code = %q, want %q", code2, ErrAlreadyResolved)
	}
}

func TestResolveOnDisconnectedRequest(t *testing.T) {
	b := newTestBroker(t, Config{}, nil)
	serverConn, clientConn := net.Pipe()

	in := registerInput(t, "req-1", "sess-1", "Bash", "/tmp/proj")
	b.Register(context.Background(), serverConn, in)

	clientConn.Close()
	serverConn.Close()

	code, _ := b.Resolve(context.Background(), "req-1", domain.Decision{Behavior: domain.BehaviorAllow})
	if code != ErrDisconnected {
		t.Errorf("code = %q, want %q", code, ErrDisconnected)
	}
}

func TestGetDataAndGetStatus(t *testing.T) {
	b := newTestBroker(t, Config{}, nil)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	in := registerInput(t, "req-1", "sess-1", "Edit", "/tmp/proj")
	b.Register(context.Background(), serverConn, in)

	data, ok := b.GetData("req-1")
	if !ok {
		t.Fatal("GetData: expected request to exist")
	}
	if data.ToolName != "Edit" {
		t.Errorf("ToolName = %q, want %q", data.ToolName, "Edit")
	}

	status, ok := b.GetStatus("req-1")
	if !ok || status != domain.RequestPending {
		t.Errorf("GetStatus = %q, %v, want pending, true", status, ok)
	}
}

func TestDecodeRawInputMalformedFallsBackToUnknownSession(t *testing.T) {
	b := newTestBroker(t, Config{}, nil)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sessionID := b.Register(context.Background(), serverConn, RegisterInput{
		RequestID:       "req-bad",
		RawInputEncoded: "not-valid-base64!!!",
	})
	if sessionID != "unknown" {
		t.Errorf("sessionID = %q, want %q", sessionID, "unknown")
	}
}

func TestListPendingExcludesResolved(t *testing.T) {
	b := newTestBroker(t, Config{}, nil)

	s1, c1 := net.Pipe()
	defer c1.Close()
	s2, c2 := net.Pipe()
	defer c2.Close()

	b.Register(context.Background(), s1, registerInput(t, "req-1", "sess-1", "Bash", "/tmp"))
	b.Register(context.Background(), s2, registerInput(t, "req-2", "sess-2", "Bash", "/tmp"))

	go readFrame(t, c1)
	b.Resolve(context.Background(), "req-1", domain.Decision{Behavior: domain.BehaviorAllow})

	pending := b.ListPending()
	if len(pending) != 1 {
		t.Fatalf("ListPending returned %d entries, want 1", len(pending))
	}
	if pending[0].RequestID != "req-2" {
		t.Errorf("pending[0].RequestID = %q, want %q", pending[0].RequestID, "req-2")
	}
}

func TestSweepTimesOutAgedRequest(t *testing.T) {
	b := newTestBroker(t, Config{RequestTimeout: 10 * time.Millisecond}, nil)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	b.Register(context.Background(), serverConn, registerInput(t, "req-1", "sess-1", "Bash", "/tmp"))

	// age the request past the timeout without waiting for the real ticker
	time.Sleep(15 * time.Millisecond)

	done := make(chan decisionFrame, 1)
	go func() { done <- readFrame(t, clientConn) }()

	b.sweep()

	select {
	case frame := <-done:
		if frame.Success {
			t.Error("timeout frame should have Success=false")
		}
		if !frame.FallbackToTerm {
			t.Error("timeout frame should set fallback_to_terminal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fallback frame")
	}

	status, _ := b.GetStatus("req-1")
	if status != domain.RequestDisconnected {
		t.Errorf("status after timeout = %q, want %q", status, domain.RequestDisconnected)
	}
}

func TestSweepDetectsClosedPeer(t *testing.T) {
	b := newTestBroker(t, Config{}, nil)
	serverConn, clientConn := net.Pipe()

	b.Register(context.Background(), serverConn, registerInput(t, "req-1", "sess-1", "Bash", "/tmp"))
	clientConn.Close()

	b.sweep()

	status, _ := b.GetStatus("req-1")
	if status != domain.RequestDisconnected {
		t.Errorf("status = %q, want %q", status, domain.RequestDisconnected)
	}
}

func TestRegisterEmitsEvent(t *testing.T) {
	bus := &recordingBus{}
	b := newTestBroker(t, Config{}, bus)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	b.Register(context.Background(), serverConn, registerInput(t, "req-1", "sess-1", "Bash", "/tmp"))

	events := bus.Events()
	if len(events) != 1 || events[0].Type != domain.EventRequestRegistered {
		t.Errorf("events = %+v, want one EventRequestRegistered", events)
	}
}

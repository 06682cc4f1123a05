package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// ServerConfig controls the local Unix socket listener.
type ServerConfig struct {
	Path           string        // socket path, chmod'd 0600
	ReceiveTimeout time.Duration // default 5s, per the wire contract
}

// Server accepts hook connections and dispatches them to the Broker.
type Server struct {
	cfg      ServerConfig
	broker   *Broker
	logger   *slog.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a socket Server bound to broker.
func NewServer(cfg ServerConfig, b *Broker, logger *slog.Logger) *Server {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, broker: b, logger: logger}
}

// Listen unlinks any stale socket file, binds, and chmods to 0600.
func (s *Server) Listen() error {
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.Path, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is canceled or the listener closes.
// One goroutine handles each connection, per the concurrency model.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections to finish their
// current frame.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	var in RegisterInput

	raw := make(map[string]any)
	if err := readJSONUntilParsed(conn, s.cfg.ReceiveTimeout, &raw); err != nil {
		s.logger.Debug("socket: incomplete request, closing", "err", err)
		conn.Close()
		return
	}

	if t, ok := raw["type"]; ok && t == "ping" {
		writePong(conn)
		conn.Close()
		return
	}

	in.RequestID, _ = raw["request_id"].(string)
	if hookPID, ok := raw["hook_pid"].(float64); ok {
		in.HookPID = int(hookPID)
	}
	in.RawInputEncoded, _ = raw["raw_input_encoded"].(string)

	if in.RequestID == "" {
		s.logger.Debug("socket: request missing request_id, closing")
		conn.Close()
		return
	}

	sessionID := s.broker.Register(ctx, conn, in)

	if err := writeAck(conn, ackFrame{Success: true, Message: "registered", SessionID: sessionID}); err != nil {
		s.logger.Warn("socket: ack write failed", "request_id", in.RequestID, "err", err)
		conn.Close()
		return
	}
}

// writePong answers the {"type":"ping"} probe; kept distinct from writeAck
// because the probe reply's shape is {"type":"pong"}, not the register ACK
// shape, even though both skip the length prefix.
func writePong(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	_, _ = conn.Write([]byte(`{"type":"pong"}`))
}

package broker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// decisionPayload mirrors the {behavior, message?, interrupt?} shape on the
// wire.
type decisionPayload struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message,omitempty"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// decisionFrame is the JSON body of the 4-byte-length-prefixed decision
// frame written exactly once per connection.
type decisionFrame struct {
	Success        bool             `json:"success"`
	Decision       *decisionPayload `json:"decision,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	ToolName       string           `json:"tool_name,omitempty"`
	ToolInput      map[string]any   `json:"tool_input,omitempty"`
	ProjectDir     string           `json:"project_dir,omitempty"`
	FallbackToTerm bool             `json:"fallback_to_terminal,omitempty"`
	Error          string           `json:"error,omitempty"`
	Message        string           `json:"message,omitempty"`
}

// ackFrame is the unprefixed JSON object written immediately after a
// successful Register.
type ackFrame struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// probeFrame is the shape of the ping probe a hook may send instead of a
// real register, and of the pong reply.
type probeFrame struct {
	Type string `json:"type"`
}

// writeDecisionFrame writes the 4-byte big-endian length prefix then the
// JSON payload, as two writes under one write deadline. At-most-once
// delivery comes from the broker marking the request terminal before it
// calls this, not from the write itself.
func writeDecisionFrame(conn net.Conn, frame decisionFrame) error {
	if conn == nil {
		return fmt.Errorf("broker: no connection")
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("broker: marshal decision frame: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("broker: write frame header: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("broker: write frame body: %w", err)
	}
	return nil
}

// writeAck writes the unprefixed ACK JSON object.
func writeAck(conn net.Conn, ack ackFrame) error {
	body, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	_, err = conn.Write(body)
	return err
}

// readJSONUntilParsed reads from conn, accumulating bytes, until the buffered
// content parses as a JSON object or the deadline elapses. This matches
// the hook's wire contract: "a JSON object read until it parses."
func readJSONUntilParsed(conn net.Conn, deadline time.Duration, out any) error {
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	defer conn.SetReadDeadline(time.Time{})

	reader := bufio.NewReader(conn)
	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if json.Valid(buf) {
				return json.Unmarshal(buf, out)
			}
		}
		if err != nil {
			return fmt.Errorf("broker: read request: %w", err)
		}
	}
}

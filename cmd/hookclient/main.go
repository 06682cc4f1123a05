// Command hookclient is the socket-side half of the hook wire contract: it
// reads a tool-call request from stdin, blocks on the Backend's Unix socket
// until a decision arrives, and writes that decision to stdout. Non-zero
// exit on any failure to reach or hear back from the Backend, with a JSON
// fallback decision on stdout so the calling hook can still proceed.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// hookRequest is what the agent's hook script feeds on stdin.
type hookRequest struct {
	SessionID  string         `json:"session_id"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ProjectDir string         `json:"project_dir"`
}

type ackFrame struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type decisionPayload struct {
	Success           bool           `json:"success"`
	Decision          map[string]any `json:"decision"`
	SessionID         string         `json:"session_id"`
	ToolName          string         `json:"tool_name"`
	ToolInput         map[string]any `json:"tool_input"`
	ProjectDir        string         `json:"project_dir"`
	FallbackToTerminal bool          `json:"fallback_to_terminal"`
	Error             string         `json:"error"`
	Message           string         `json:"message"`
}

func main() {
	os.Exit(run())
}

func run() int {
	socketPath := os.Getenv("PERMISSION_SOCKET_PATH")
	if socketPath == "" {
		socketPath = "/tmp/claude-permission.sock"
	}

	var req hookRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fail("malformed request on stdin: " + err.Error())
	}

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fail("socket not found: " + err.Error())
	}
	defer conn.Close()

	requestID := uuid.NewString()
	rawInput, _ := json.Marshal(req)

	registerMsg := map[string]any{
		"request_id":       requestID,
		"hook_pid":         os.Getpid(),
		"raw_input_encoded": base64.StdEncoding.EncodeToString(rawInput),
	}
	if err := writeLine(conn, registerMsg); err != nil {
		return fail("write register failed: " + err.Error())
	}

	reader := bufio.NewReader(conn)
	var ack ackFrame
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewDecoder(reader).Decode(&ack); err != nil {
		return fail("ack read failed: " + err.Error())
	}
	if !ack.Success {
		return fail("registration refused: " + ack.Message)
	}

	// Client-side timeout is server timeout + 30s per the wire contract, so
	// the server's own fallback frame always arrives first.
	serverTimeout := envDuration("PERMISSION_REQUEST_TIMEOUT", 300*time.Second)
	clientTimeout := serverTimeout + envDuration("CLIENT_TIMEOUT_BUFFER", 30*time.Second)
	conn.SetReadDeadline(time.Now().Add(clientTimeout))

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(reader, lenBuf); err != nil {
		return failFallback(req, "timeout waiting for decision: "+err.Error())
	}
	frameLen := binary.BigEndian.Uint32(lenBuf)
	body := make([]byte, frameLen)
	if _, err := io.ReadFull(reader, body); err != nil {
		return failFallback(req, "framing error: "+err.Error())
	}

	var decision decisionPayload
	if err := json.Unmarshal(body, &decision); err != nil {
		return failFallback(req, "malformed decision frame: "+err.Error())
	}

	out, _ := json.Marshal(decision)
	fmt.Println(string(out))
	if !decision.Success {
		return 1
	}
	return 0
}

func writeLine(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

func fail(message string) int {
	payload := map[string]any{
		"success": false,
		"fallback_to_terminal": true,
		"error":   "client_error",
		"message": message,
	}
	out, _ := json.Marshal(payload)
	fmt.Println(string(out))
	fmt.Fprintln(os.Stderr, message)
	return 1
}

func failFallback(req hookRequest, message string) int {
	payload := map[string]any{
		"success":              false,
		"fallback_to_terminal": true,
		"error":                "client_timeout",
		"session_id":           req.SessionID,
		"tool_name":            req.ToolName,
		"tool_input":           req.ToolInput,
		"project_dir":          req.ProjectDir,
		"message":              message,
	}
	out, _ := json.Marshal(payload)
	fmt.Println(string(out))
	fmt.Fprintln(os.Stderr, message)
	return 1
}

// envDuration reads a config var denominated in bare seconds (e.g.
// CLIENT_TIMEOUT_BUFFER=30), falling back to a Go duration string, matching
// the convention in internal/infra/config.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

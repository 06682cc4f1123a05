// Package backendrpc is the Gateway's HTTP client for the Backend-exposed
// /cb/* RPCs. One Client is shared across owners; every call names its
// target callback_url, either directly or through a ForOwner binding,
// since the Gateway fronts many Backends. Each callback_url gets its own circuit breaker so one
// unreachable Backend doesn't hold up calls to another.
package backendrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"hookbridge/internal/dirbrowser"
	"hookbridge/internal/usecase/router"
)

// Client calls a Backend's /cb/* routes over HTTP, circuit-broken per
// callback_url so a hung Backend doesn't starve calls to its neighbors.
type Client struct {
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// New builds a Client. The underlying http.Client carries no default
// timeout; every call sets its own context deadline per spec.md §5.
func New() *Client {
	return &Client{
		httpClient: &http.Client{},
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

func (c *Client) breakerFor(callbackURL string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[callbackURL]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        callbackURL,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[callbackURL] = b
	return b
}

func (c *Client) post(ctx context.Context, baseURL, path, authToken string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backendrpc: marshal request: %w", err)
	}

	breaker := c.breakerFor(baseURL)
	resp, err := breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Auth-Token", authToken)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("backendrpc: %s returned %d", path, resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("backendrpc: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backendrpc: read %s response: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("backendrpc: %s: status %d: %s", path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CheckOwner implements internal/usecase/registration.BackendClient.
func (c *Client) CheckOwner(ctx context.Context, callbackURL, ownerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, callbackURL, "/cb/check-owner", "", map[string]string{"owner_id": ownerID}, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

// Register implements internal/usecase/registration.BackendClient.
func (c *Client) Register(ctx context.Context, callbackURL, ownerID, authToken string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.post(ctx, callbackURL, "/cb/register", authToken, map[string]string{
		"owner_id":   ownerID,
		"auth_token": authToken,
	}, nil)
}

// ForOwner binds a Client to one callback_url/auth token pair, giving the
// Router the narrower ClaudeClient interface it expects.
func (c *Client) ForOwner(callbackURL, authToken string) router.ClaudeClient {
	return &ownerClient{client: c, callbackURL: callbackURL, authToken: authToken}
}

type ownerClient struct {
	client      *Client
	callbackURL string
	authToken   string
}

func (o *ownerClient) New(ctx context.Context, dir, cmd, prompt string) (*router.LaunchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out router.LaunchResult
	err := o.client.post(ctx, o.callbackURL, "/cb/claude/new", o.authToken, map[string]string{
		"dir": dir, "command": cmd, "prompt": prompt,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *ownerClient) Continue(ctx context.Context, sessionID, prompt string) (*router.LaunchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out router.LaunchResult
	err := o.client.post(ctx, o.callbackURL, "/cb/claude/continue", o.authToken, map[string]string{
		"session_id": sessionID, "prompt": prompt,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *ownerClient) RecentDirs(ctx context.Context, n int) ([]dirbrowser.BrowseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out []dirbrowser.BrowseResult
	err := o.client.post(ctx, o.callbackURL, "/cb/claude/recent-dirs", o.authToken, map[string]any{"n": n}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *ownerClient) BrowseDirs(ctx context.Context, path string) (dirbrowser.BrowseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out dirbrowser.BrowseResult
	err := o.client.post(ctx, o.callbackURL, "/cb/claude/browse-dirs", o.authToken, map[string]string{"path": path}, &out)
	return out, err
}

// Decide forwards a card-triggered decision to the Backend's pure-decision
// RPC, bounded by the 2-second deadline spec.md §5 sets for decision
// forwarding so the IM's 3-second card-action budget is respected.
func (c *Client) Decide(ctx context.Context, callbackURL, authToken, action, requestID, projectDir string) (ok bool, decision, message string, err error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var out struct {
		Success  bool   `json:"success"`
		Decision string `json:"decision"`
		Message  string `json:"message"`
	}
	if err := c.post(ctx, callbackURL, "/cb/decision", authToken, map[string]string{
		"action": action, "request_id": requestID, "project_dir": projectDir,
	}, &out); err != nil {
		return false, "", "", err
	}
	return out.Success, out.Decision, out.Message, nil
}

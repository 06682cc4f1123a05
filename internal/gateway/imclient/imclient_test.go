package imclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestServer(t *testing.T, tokenCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(tokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "msg": "ok", "tenant_access_token": "tok-1", "expire": 7200,
		})
	})
	mux.HandleFunc(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "msg": "ok", "data": map[string]string{"message_id": "msg-1"},
		})
	})
	return httptest.NewServer(mux)
}

func TestSendTextCachesToken(t *testing.T) {
	var tokenCalls int32
	srv := newTestServer(t, &tokenCalls)
	defer srv.Close()

	c := New("app-id", "app-secret", srv.URL)
	for i := 0; i < 3; i++ {
		resp, err := c.SendText(context.Background(), "oc_1", "hello")
		if err != nil {
			t.Fatalf("SendText: %v", err)
		}
		if resp.MessageID != "msg-1" {
			t.Errorf("MessageID = %q, want msg-1", resp.MessageID)
		}
	}

	if tokenCalls != 1 {
		t.Errorf("token endpoint called %d times, want 1 (cached)", tokenCalls)
	}
}

func TestSendCardUsesInteractiveType(t *testing.T) {
	var tokenCalls int32
	var gotMsgType string
	mux := http.NewServeMux()
	mux.HandleFunc(tokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "tenant_access_token": "tok-1", "expire": 7200})
	})
	mux.HandleFunc(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotMsgType = body["msg_type"]
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]string{"message_id": "msg-2"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New("app-id", "app-secret", srv.URL)
	if _, err := c.SendCard(context.Background(), "oc_1", `{"config":{}}`); err != nil {
		t.Fatalf("SendCard: %v", err)
	}
	if gotMsgType != "interactive" {
		t.Errorf("msg_type = %q, want interactive", gotMsgType)
	}
}

func TestSendTextErrorCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "tenant_access_token": "tok-1", "expire": 7200})
	})
	mux.HandleFunc(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 9999, "msg": "boom"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New("app-id", "app-secret", srv.URL)
	if _, err := c.SendText(context.Background(), "oc_1", "hello"); err == nil {
		t.Error("expected error for non-zero response code")
	}
}

func TestTokenRetriedOnceOnTokenError(t *testing.T) {
	var tokenCalls int32
	var messageCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc(tokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "tenant_access_token": "tok-1", "expire": 7200})
	})
	mux.HandleFunc(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&messageCalls, 1)
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]any{"code": 99991663, "msg": "token expired"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]string{"message_id": "msg-3"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New("app-id", "app-secret", srv.URL)
	resp, err := c.SendText(context.Background(), "oc_1", "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if resp.MessageID != "msg-3" {
		t.Errorf("MessageID = %q, want msg-3", resp.MessageID)
	}
	if tokenCalls != 2 {
		t.Errorf("token endpoint called %d times, want 2 (refreshed after token error)", tokenCalls)
	}
}

func TestNotifyTextAdaptsToLauncherInterface(t *testing.T) {
	var tokenCalls int32
	srv := newTestServer(t, &tokenCalls)
	defer srv.Close()

	c := New("app-id", "app-secret", srv.URL)
	if err := c.NotifyText(context.Background(), "oc_1", "done"); err != nil {
		t.Fatalf("NotifyText: %v", err)
	}
}

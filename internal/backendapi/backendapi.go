// Package backendapi wires the Backend's HTTP surface: the browser
// fallback GET routes (decision links, status index) and the
// X-Auth-Token-guarded POST routes the Gateway calls over the Internet.
package backendapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hookbridge/internal/authtoken"
	"hookbridge/internal/broker"
	"hookbridge/internal/decision"
	"hookbridge/internal/dirbrowser"
	"hookbridge/internal/domain"
	"hookbridge/internal/regstore"
	"hookbridge/internal/usecase/launcher"
)

// Server holds every collaborator the Backend's HTTP handlers call into.
type Server struct {
	Broker      *broker.Broker
	Decision    *decision.Handler
	History     *dirbrowser.History
	Launcher    *launcher.Launcher
	ChatSess    *regstore.ChatSessionStore
	AuthTokens  *regstore.AuthTokenStore
	VSCodeURI   string
	CloseDelay  time.Duration
	OwnerID     string
	Logger      *slog.Logger
}

// Mux builds the Backend's http.ServeMux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/status", s.handleStatusPage)
	mux.HandleFunc("/api/pending", s.handlePendingJSON)
	mux.HandleFunc("/allow", s.handleDecisionLink(decision.ActionAllow))
	mux.HandleFunc("/always", s.handleDecisionLink(decision.ActionAlways))
	mux.HandleFunc("/deny", s.handleDecisionLink(decision.ActionDeny))
	mux.HandleFunc("/interrupt", s.handleDecisionLink(decision.ActionInterrupt))

	mux.HandleFunc("/cb/register", s.withAuth(s.handleRegister))
	mux.HandleFunc("/cb/check-owner", s.withAuth(s.handleCheckOwner))
	mux.HandleFunc("/cb/session/get-chat-id", s.withAuth(s.handleGetChatID))
	mux.HandleFunc("/cb/session/get-last-message-id", s.withAuth(s.handleGetLastMessageID))
	mux.HandleFunc("/cb/session/set-last-message-id", s.withAuth(s.handleSetLastMessageID))
	mux.HandleFunc("/cb/decision", s.withAuth(s.handleDecisionRPC))
	mux.HandleFunc("/cb/claude/new", s.withAuth(s.handleClaudeNew))
	mux.HandleFunc("/cb/claude/continue", s.withAuth(s.handleClaudeContinue))
	mux.HandleFunc("/cb/claude/recent-dirs", s.withAuth(s.handleRecentDirs))
	mux.HandleFunc("/cb/claude/browse-dirs", s.withAuth(s.handleBrowseDirs))
	mux.HandleFunc("/cb/claude/status", s.withAuth(s.handleClaudeStatus))

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// withAuth enforces X-Auth-Token against the Backend's single stored token
// (spec.md §4.4, "global" verification path) on every Gateway-called RPC.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.AuthTokens.Get()
		if !ok || !authtoken.VerifyGlobal(rec.AuthToken, r.Header.Get("X-Auth-Token")) {
			writeJSONError(w, http.StatusUnauthorized, "auth invalid")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "decision": nil, "message": message})
}

func decodeBody(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 10<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

// --- GET: browser fallback decision links ---

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	pending := s.Broker.ListPending()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>Pending requests (%d)</h1><table>", len(pending))
	for _, req := range pending {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td><a href=\"/allow?id=%s\">allow</a> <a href=\"/deny?id=%s\">deny</a></td></tr>",
			req.RequestID, req.ToolName, req.Status, req.RequestID, req.RequestID)
	}
	fmt.Fprint(w, "</table></body></html>")
}

// pendingDTO is the JSON-safe projection of domain.PendingRequest used by
// the dashboard command, which polls this process over HTTP rather than
// sharing the broker in-process.
type pendingDTO struct {
	RequestID  string `json:"request_id"`
	ToolName   string `json:"tool_name"`
	ProjectDir string `json:"project_dir"`
	Status     string `json:"status"`
}

func (s *Server) handlePendingJSON(w http.ResponseWriter, r *http.Request) {
	pending := s.Broker.ListPending()
	dtos := make([]pendingDTO, len(pending))
	for i, req := range pending {
		dtos[i] = pendingDTO{RequestID: req.RequestID, ToolName: req.ToolName, ProjectDir: req.ProjectDir, Status: string(req.Status)}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	status, ok := s.Broker.GetStatus(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "请求不存在或已过期")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "status": status})
}

func (s *Server) handleDecisionLink(action decision.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		result := s.Decision.Decide(r.Context(), action, id, "")
		s.renderDecisionPage(w, result)
	}
}

func (s *Server) renderDecisionPage(w http.ResponseWriter, result decision.Result) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	color := "#2e7d32"
	if !result.OK {
		color = "#c62828"
	}

	var redirectScript string
	if result.OK && s.VSCodeURI != "" {
		redirectScript = fmt.Sprintf(`<script>
setTimeout(function(){ window.location.href = %q; }, 500);
setTimeout(function(){ window.close(); }, %d);
</script>`, s.VSCodeURI, s.CloseDelay.Milliseconds())
	}

	fmt.Fprintf(w, `<html><body style="color:%s"><h2>%s</h2>%s</body></html>`, color, result.Message, redirectScript)
}

// --- POST: Gateway-called RPC ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID   string `json:"owner_id"`
		AuthToken string `json:"auth_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.AuthTokens.Set(domain.AuthTokenRecord{OwnerID: body.OwnerID, AuthToken: body.AuthToken, UpdatedAt: time.Now()}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCheckOwner(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID string `json:"owner_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": body.OwnerID == s.OwnerID})
}

func (s *Server) handleGetChatID(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	rec, ok := s.ChatSess.Get(body.SessionID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chat_id": rec.ChatID})
}

func (s *Server) handleGetLastMessageID(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	rec, ok := s.ChatSess.Get(body.SessionID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"last_message_id": rec.LastMessageID})
}

func (s *Server) handleSetLastMessageID(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID     string `json:"session_id"`
		LastMessageID string `json:"last_message_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	rec, _ := s.ChatSess.Get(body.SessionID)
	rec.SessionID = body.SessionID
	rec.LastMessageID = body.LastMessageID
	rec.UpdatedAt = time.Now()
	if err := s.ChatSess.Set(rec); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDecisionRPC(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action     string `json:"action"`
		RequestID  string `json:"request_id"`
		ProjectDir string `json:"project_dir"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	result := s.Decision.Decide(r.Context(), decision.Action(body.Action), body.RequestID, body.ProjectDir)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  result.OK,
		"decision": result.Decision,
		"message":  result.Message,
	})
}

func (s *Server) handleClaudeNew(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Dir     string `json:"dir"`
		Command string `json:"command"`
		Prompt  string `json:"prompt"`
		ChatID  string `json:"chat_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	cmd := splitCommand(body.Command)
	session, err := s.Launcher.LaunchNew(r.Context(), cmd, body.Prompt, body.Dir, body.ChatID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ChatSess.Set(domain.ChatSessionRecord{SessionID: session.SessionID, ChatID: body.ChatID, ClaudeCommand: body.Command, UpdatedAt: time.Now()})
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleClaudeContinue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Prompt    string `json:"prompt"`
		ChatID    string `json:"chat_id"`
		Command   string `json:"command"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	rec, ok := s.ChatSess.Get(body.SessionID)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unknown session_id")
		return
	}
	cmd := splitCommand(body.Command)
	if len(cmd) == 0 {
		cmd = splitCommand(rec.ClaudeCommand)
	}
	session, err := s.Launcher.LaunchContinue(r.Context(), body.SessionID, cmd, body.Prompt, "", body.ChatID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleClaudeStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	session, err := s.Launcher.Status(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRecentDirs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		N int `json:"n"`
	}
	decodeBody(r, &body) // malformed/empty body falls back to the default below
	if body.N <= 0 {
		body.N = 10
	}
	records := s.History.RecentDirs(body.N, time.Now())
	results := make([]dirbrowser.BrowseResult, len(records))
	for i, rec := range records {
		results[i] = dirbrowser.BrowseResult{Current: rec.Path}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleBrowseDirs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	result, err := dirbrowser.Browse(body.Path)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func splitCommand(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

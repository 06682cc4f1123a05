// Package gatewayapi wires the Gateway's HTTP surface: the Backend
// registration entry, the owner-authenticated outbound send API, and the
// catch-all IM event webhook (URL verification, message receive, card
// action trigger).
package gatewayapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"hookbridge/internal/authtoken"
	"hookbridge/internal/domain"
	"hookbridge/internal/gateway/backendrpc"
	"hookbridge/internal/gateway/imclient"
	"hookbridge/internal/regstore"
	"hookbridge/internal/usecase/registration"
	"hookbridge/internal/usecase/router"
)

// Server holds every collaborator the Gateway's HTTP handlers call into.
type Server struct {
	Registration    *registration.Flow
	Bindings        *regstore.BindingStore
	MessageSessions *regstore.MessageSessionStore
	IM              *imclient.Client
	Backend         *backendrpc.Client
	VerificationTok string
	ReplyInThread   bool
	Logger          *slog.Logger
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/gw/register", s.handleRegister)
	mux.HandleFunc("/gw/feishu/send", s.handleSend)
	mux.HandleFunc("/", s.handleEvent)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 10<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

// rawCard wraps a card JSON string as a json.RawMessage, substituting the
// JSON null literal when cardJSON is empty so the envelope stays valid.
func rawCard(cardJSON string) json.RawMessage {
	if cardJSON == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(cardJSON)
}

// handleRegister is the Backend's registration entry (spec.md §4.5 step 1).
// It 200s immediately and runs the flow in a background goroutine so a slow
// check-owner call or card send never holds the Backend's retry logic open.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CallbackURL   string `json:"callback_url"`
		OwnerID       string `json:"owner_id"`
		ReplyInThread bool   `json:"reply_in_thread"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "malformed body"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Registration.HandleRegister(ctx, body.CallbackURL, body.OwnerID, body.ReplyInThread); err != nil {
			s.Logger.Error("registration failed", "owner_id", body.OwnerID, "error", err)
		}
	}()
}

// handleSend is /gw/feishu/send: outbound text/card send for hooks/tools,
// authenticated by an owner_id-keyed HMAC token looked up in BindingStore.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID string `json:"owner_id"`
		ChatID  string `json:"chat_id"`
		Text    string `json:"text"`
		Card    string `json:"card"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "malformed body"})
		return
	}
	if !authtoken.VerifyOwner(s.Bindings, body.OwnerID, r.Header.Get("X-Auth-Token")) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "auth invalid"})
		return
	}

	chatID := body.ChatID
	if chatID == "" {
		chatID = body.OwnerID
	}

	var err error
	if body.Card != "" {
		err = s.IM.SendCardOnly(r.Context(), chatID, body.Card)
	} else {
		err = s.IM.NotifyText(r.Context(), chatID, body.Text)
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// eventEnvelope is the subset of the IM's schema-2.0 event envelope the
// dispatcher needs: URL verification, message receive, and card actions
// all arrive on this one catch-all route.
type eventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	var env eventEnvelope
	if err := decodeBody(r, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed body"})
		return
	}

	if env.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	token := env.Token
	if token == "" {
		token = env.Header.Token
	}
	if s.VerificationTok != "" && token != s.VerificationTok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "verification token mismatch"})
		return
	}

	switch env.Header.EventType {
	case "im.message.receive_v1":
		s.handleMessageReceive(w, r, env.Event)
	case "card.action.trigger":
		s.handleCardAction(w, r, env.Event)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type messageReceiveEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		MessageID string `json:"message_id"`
		ChatID    string `json:"chat_id"`
		Content   string `json:"content"` // JSON-encoded {"text": "..."}
	} `json:"message"`
}

func (s *Server) handleMessageReceive(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	var evt messageReceiveEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		s.Logger.Warn("malformed message receive event", "error", err)
		return
	}
	var content struct {
		Text string `json:"text"`
	}
	json.Unmarshal([]byte(evt.Message.Content), &content)
	text := content.Text

	ownerID := evt.Sender.SenderID.OpenID
	binding, ok := s.Bindings.Get(ownerID)
	if !ok {
		return
	}

	rt := router.New(s.Backend.ForOwner(binding.CallbackURL, binding.AuthToken), messageSessionLookup{s.MessageSessions})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var reply router.Reply
	var err error
	switch {
	case len(text) >= 4 && text[:4] == "/new":
		reply, err = rt.HandleNew(ctx, text[4:])
	case len(text) >= 6 && text[:6] == "/reply":
		reply, err = rt.HandleReply(ctx, text[6:])
	default:
		return
	}
	if err != nil {
		s.Logger.Error("command dispatch failed", "owner_id", ownerID, "error", err)
		return
	}

	var sentID string
	switch {
	case reply.Card != "":
		resp, sendErr := s.IM.SendCard(ctx, evt.Message.ChatID, reply.Card)
		if sendErr != nil {
			s.Logger.Error("send card reply failed", "owner_id", ownerID, "error", sendErr)
			return
		}
		sentID = resp.MessageID
	case reply.Text != "":
		if err := s.IM.NotifyText(ctx, evt.Message.ChatID, reply.Text); err != nil {
			s.Logger.Error("send text reply failed", "owner_id", ownerID, "error", err)
		}
		return
	default:
		return
	}

	if reply.Launch != nil && sentID != "" {
		s.MessageSessions.Set(domain.MessageSessionRecord{
			MessageID:   sentID,
			SessionID:   reply.Launch.SessionID,
			CallbackURL: binding.CallbackURL,
			CreatedAt:   time.Now(),
		})
	}
}

type messageSessionLookup struct {
	store *regstore.MessageSessionStore
}

func (l messageSessionLookup) SessionForMessage(messageID string) (string, string, bool) {
	rec, ok := l.store.Get(messageID)
	if !ok {
		return "", "", false
	}
	return rec.SessionID, rec.ProjectDir, true
}

type cardActionEvent struct {
	Operator struct {
		OpenID string `json:"open_id"`
	} `json:"operator"`
	Action struct {
		Value json.RawMessage `json:"value"`
		Name  string          `json:"name"`
	} `json:"action"`
}

func (s *Server) handleCardAction(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var evt cardActionEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	var value struct {
		OwnerID     string `json:"owner_id"`
		CallbackURL string `json:"callback_url"`
		Dir         string `json:"dir"`
	}
	json.Unmarshal(evt.Action.Value, &value)

	switch evt.Action.Name {
	case "approve", "deny", "unbind":
		result := s.Registration.HandleCardAction(r.Context(), registration.CardAction{
			Name:          evt.Action.Name,
			OperatorID:    evt.Operator.OpenID,
			OwnerID:       value.OwnerID,
			CallbackURL:   value.CallbackURL,
			ReplyInThread: s.ReplyInThread,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"toast": map[string]string{"type": result.ToastType, "content": result.ToastContent},
			"card":  rawCard(result.Card),
		})
	case "submit", "browse":
		s.handleSetupCardAction(w, r, evt, value.Dir)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleSetupCardAction(w http.ResponseWriter, r *http.Request, evt cardActionEvent, dir string) {
	ownerID := evt.Operator.OpenID
	binding, ok := s.Bindings.Get(ownerID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	rt := router.New(s.Backend.ForOwner(binding.CallbackURL, binding.AuthToken), messageSessionLookup{s.MessageSessions})

	var reply router.Reply
	var err error
	if evt.Action.Name == "browse" {
		reply, err = rt.HandleBrowse(r.Context(), router.NewCommand{Dir: dir}, dir)
	} else {
		reply, err = rt.HandleSubmit(r.Context(), router.NewCommand{Dir: dir})
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": rawCard(reply.Card)})
}

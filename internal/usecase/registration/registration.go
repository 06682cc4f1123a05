// Package registration implements the Gateway's binding handshake: a
// Backend announces a callback_url/owner_id pair, the Gateway decides
// whether that needs a fresh silent token push, a device-change
// authorization card, or a first-time authorization card, and the owner's
// card-button clicks approve, deny, or unbind the resulting Binding.
package registration

import (
	"context"
	"fmt"
	"time"

	"hookbridge/internal/authtoken"
	"hookbridge/internal/domain"
	"hookbridge/internal/gateway/card"
	"hookbridge/internal/regstore"
)

// BackendClient is the subset of Gateway-to-Backend RPCs the registration
// flow drives.
type BackendClient interface {
	CheckOwner(ctx context.Context, callbackURL, ownerID string) (bool, error)
	Register(ctx context.Context, callbackURL, ownerID, authToken string) error
}

// CardSender is the subset of imclient.Client the flow needs to push an
// authorization card to the owner. Satisfied by imclient.Client.SendCardOnly.
type CardSender interface {
	SendCardOnly(ctx context.Context, chatID, cardJSON string) error
}

// Flow drives the registration handshake described in spec.md §4.5.
type Flow struct {
	Bindings     *regstore.BindingStore
	Backend      BackendClient
	IM           CardSender
	MasterSecret string
}

// New builds a Flow.
func New(bindings *regstore.BindingStore, backend BackendClient, im CardSender, masterSecret string) *Flow {
	return &Flow{Bindings: bindings, Backend: backend, IM: im, MasterSecret: masterSecret}
}

// HandleRegister runs the async half of /gw/register (the HTTP handler has
// already replied 200 before calling this). It path-cases on whether a
// binding already exists for owner_id and, if so, whether it names the same
// callback_url.
func (f *Flow) HandleRegister(ctx context.Context, callbackURL, ownerID string, replyInThread bool) error {
	existing, hasBinding := f.Bindings.Get(ownerID)

	if !hasBinding {
		ok, err := f.Backend.CheckOwner(ctx, callbackURL, ownerID)
		if err != nil {
			return fmt.Errorf("registration: check-owner: %w", err)
		}
		if !ok {
			return nil // anti-spoof: the Backend doesn't recognize this owner, abort silently
		}
		return f.sendAuthCard(ctx, ownerID, callbackURL, replyInThread)
	}

	if existing.CallbackURL == callbackURL {
		return f.mintAndPush(ctx, ownerID, callbackURL, replyInThread, existing.RegisteredIP)
	}

	// Different callback_url under the same owner_id: treat as a device
	// change and require explicit approval rather than silently re-pointing
	// the binding.
	return f.sendAuthCard(ctx, ownerID, callbackURL, replyInThread)
}

func (f *Flow) sendAuthCard(ctx context.Context, ownerID, callbackURL string, replyInThread bool) error {
	c := card.New("授权请求", card.ColorOrange)
	c.Add(
		card.Text{Content: fmt.Sprintf("收到新的绑定请求\ncallback_url: %s", callbackURL)},
		card.ButtonGroup{Buttons: []card.Button{
			{Text: "同意", Name: "approve", Color: "primary", Value: map[string]any{
				"owner_id": ownerID, "callback_url": callbackURL, "reply_in_thread": replyInThread,
			}},
			{Text: "拒绝", Name: "deny", Color: "danger", Value: map[string]any{
				"owner_id": ownerID, "callback_url": callbackURL,
			}},
		}},
	)
	raw, err := c.JSON()
	if err != nil {
		return fmt.Errorf("registration: build auth card: %w", err)
	}
	return f.IM.SendCardOnly(ctx, ownerID, raw)
}

// mintAndPush mints a fresh token, upserts the binding (purging any stale
// row pointing at the same callback_url), and pushes the token to the
// Backend. This is the inline chain spec.md §4.5 requires stay within the
// IM's short outbound-POST budget.
func (f *Flow) mintAndPush(ctx context.Context, ownerID, callbackURL string, replyInThread bool, registeredIP string) error {
	token := authtoken.Mint(f.MasterSecret, ownerID, time.Now())
	if err := f.Bindings.Upsert(domain.Binding{
		OwnerID:       ownerID,
		CallbackURL:   callbackURL,
		AuthToken:     token,
		UpdatedAt:     time.Now(),
		RegisteredIP:  registeredIP,
		ReplyInThread: replyInThread,
	}); err != nil {
		return fmt.Errorf("registration: upsert binding: %w", err)
	}
	if err := f.Backend.Register(ctx, callbackURL, ownerID, token); err != nil {
		return fmt.Errorf("registration: push to backend: %w", err)
	}
	return nil
}

// CardAction is the decoded card.action.trigger payload for a registration
// button click.
type CardAction struct {
	Name          string // "approve", "deny", "unbind"
	OperatorID    string // the user who actually clicked
	OwnerID       string // the owner_id carried in the button's value
	CallbackURL   string
	ReplyInThread bool
}

// CardActionResult is rendered synchronously, within the IM's 3-second
// card-action budget: a toast plus an optional replacement card.
type CardActionResult struct {
	ToastType    string // "success", "info", "warning", "error"
	ToastContent string
	Card         string // replacement card JSON; empty leaves the card unchanged
}

// HandleCardAction dispatches a registration card button click.
func (f *Flow) HandleCardAction(ctx context.Context, action CardAction) CardActionResult {
	switch action.Name {
	case "approve":
		return f.handleApprove(ctx, action)
	case "deny":
		return f.handleDeny(action)
	case "unbind":
		return f.handleUnbind(action)
	default:
		return CardActionResult{ToastType: "error", ToastContent: "未知操作"}
	}
}

func (f *Flow) handleApprove(ctx context.Context, action CardAction) CardActionResult {
	if action.OperatorID != action.OwnerID {
		return CardActionResult{ToastType: "error", ToastContent: "无权操作"}
	}

	var registeredIP string
	if existing, ok := f.Bindings.Get(action.OwnerID); ok {
		registeredIP = existing.RegisteredIP
	}

	if err := f.mintAndPush(ctx, action.OwnerID, action.CallbackURL, action.ReplyInThread, registeredIP); err != nil {
		return CardActionResult{ToastType: "error", ToastContent: "回调服务不可达"}
	}

	c := card.New("已同意", card.ColorGreen)
	c.Add(
		card.Text{Content: "绑定成功"},
		card.ButtonGroup{Buttons: []card.Button{
			{Text: "解绑", Name: "unbind", Color: "danger", Value: map[string]any{
				"owner_id": action.OwnerID, "callback_url": action.CallbackURL,
			}},
		}},
	)
	raw, _ := c.JSON()
	return CardActionResult{ToastType: "success", ToastContent: "已绑定", Card: raw}
}

func (f *Flow) handleDeny(action CardAction) CardActionResult {
	if b, ok := f.Bindings.Get(action.OwnerID); ok && b.CallbackURL == action.CallbackURL {
		f.Bindings.Delete(action.OwnerID)
	}
	c := card.New("已拒绝", card.ColorGrey)
	c.Add(card.Text{Content: "已拒绝该绑定请求"})
	raw, _ := c.JSON()
	return CardActionResult{ToastType: "info", ToastContent: "已拒绝", Card: raw}
}

func (f *Flow) handleUnbind(action CardAction) CardActionResult {
	if b, ok := f.Bindings.Get(action.OwnerID); ok && b.CallbackURL == action.CallbackURL {
		f.Bindings.Delete(action.OwnerID)
	}
	c := card.New("已解绑", card.ColorGrey)
	c.Add(card.Text{Content: "已解除绑定"})
	raw, _ := c.JSON()
	return CardActionResult{ToastType: "success", ToastContent: "已解绑", Card: raw}
}

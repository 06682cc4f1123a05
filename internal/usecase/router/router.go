package router

import (
	"context"
	"fmt"

	"hookbridge/internal/dirbrowser"
	"hookbridge/internal/gateway/card"
)

// LaunchResult is the outcome of a forwarded /cb/claude/new or
// /cb/claude/continue call.
type LaunchResult struct {
	SessionID string
	Status    string // "processing", "completed", "failed"
}

// ClaudeClient is the Gateway-forwarded subset of the Backend's agent
// control RPCs, called with the Backend's callback_url and auth token
// already resolved by the caller.
type ClaudeClient interface {
	New(ctx context.Context, dir, cmd, prompt string) (*LaunchResult, error)
	Continue(ctx context.Context, sessionID, prompt string) (*LaunchResult, error)
	RecentDirs(ctx context.Context, n int) ([]dirbrowser.BrowseResult, error)
	BrowseDirs(ctx context.Context, path string) (dirbrowser.BrowseResult, error)
}

// SessionLookup resolves a /reply's parent_id to the session it continues.
// Satisfied by a thin adapter over regstore.MessageSessionStore.
type SessionLookup interface {
	SessionForMessage(messageID string) (sessionID, projectDir string, ok bool)
}

// Router dispatches /new and /reply commands for one chat.
type Router struct {
	Claude   ClaudeClient
	Sessions SessionLookup
}

// New builds a Router.
func New(claude ClaudeClient, sessions SessionLookup) *Router {
	return &Router{Claude: claude, Sessions: sessions}
}

// Reply is what the Router hands back to the HTTP/card layer: either a
// card to show (setup form, error, or "creating" placeholder) or a launch
// already dispatched.
type Reply struct {
	Card   string // card JSON to send/show; empty if nothing to show
	Text   string // plain-text reply, used for simple errors
	Launch *LaunchResult
}

// HandleNew parses text and either dispatches the launch immediately (all
// required fields present) or returns a multi-step setup card.
func (r *Router) HandleNew(ctx context.Context, text string) (Reply, error) {
	cmd := ParseNewCommand(text)
	missing := cmd.Missing()
	if len(missing) == 0 {
		return r.dispatchNew(ctx, cmd)
	}

	recents, err := r.Claude.RecentDirs(ctx, 10)
	if err != nil {
		recents = nil // degrade to an empty dropdown rather than fail the whole card
	}
	c := buildSetupCard(cmd, recents)
	raw, err := c.JSON()
	if err != nil {
		return Reply{}, fmt.Errorf("router: build setup card: %w", err)
	}
	return Reply{Card: raw}, nil
}

// HandleSubmit re-validates a completed setup-card form and dispatches the
// launch, returning a "creating" placeholder card immediately after.
func (r *Router) HandleSubmit(ctx context.Context, cmd NewCommand) (Reply, error) {
	missing := cmd.Missing()
	if len(missing) > 0 {
		recents, _ := r.Claude.RecentDirs(ctx, 10)
		c := buildSetupCard(cmd, recents)
		raw, err := c.JSON()
		if err != nil {
			return Reply{}, fmt.Errorf("router: build setup card: %w", err)
		}
		return Reply{Card: raw}, nil
	}
	return r.dispatchNew(ctx, cmd)
}

func (r *Router) dispatchNew(ctx context.Context, cmd NewCommand) (Reply, error) {
	placeholder := card.New("正在创建会话…", card.ColorBlue)
	placeholder.Add(card.Text{Content: fmt.Sprintf("目录: %s", cmd.Dir)})
	placeholderJSON, _ := placeholder.JSON()

	result, err := r.Claude.New(ctx, cmd.Dir, cmd.Cmd, cmd.Prompt)
	if err != nil {
		return Reply{Text: "创建失败: " + err.Error()}, nil
	}
	return Reply{Card: placeholderJSON, Launch: result}, nil
}

// HandleBrowse responds to a Browse button click with an updated setup card
// whose directory dropdown/path reflects the browsed location.
func (r *Router) HandleBrowse(ctx context.Context, cmd NewCommand, path string) (Reply, error) {
	result, err := r.Claude.BrowseDirs(ctx, path)
	if err != nil {
		return Reply{Text: "目录浏览失败: " + err.Error()}, nil
	}
	cmd.Dir = result.Current
	c := buildBrowseCard(cmd, result)
	raw, err := c.JSON()
	if err != nil {
		return Reply{}, fmt.Errorf("router: build browse card: %w", err)
	}
	return Reply{Card: raw}, nil
}

// HandleReply parses a /reply command and, if valid, forwards it to
// /cb/claude/continue via the session named by parent_id.
func (r *Router) HandleReply(ctx context.Context, text string) (Reply, error) {
	cmd := ParseReplyCommand(text)
	if cmd.HadDirArg {
		return Reply{Text: "/reply 不支持 --dir"}, nil
	}
	if cmd.ParentID == "" {
		return Reply{Text: "/reply 需要引用一条消息"}, nil
	}

	sessionID, _, ok := r.Sessions.SessionForMessage(cmd.ParentID)
	if !ok {
		return Reply{Text: "找不到对应的会话，请使用 /new 新建"}, nil
	}

	result, err := r.Claude.Continue(ctx, sessionID, cmd.Prompt)
	if err != nil {
		return Reply{Text: "继续会话失败: " + err.Error()}, nil
	}
	return Reply{Launch: result}, nil
}

func buildSetupCard(cmd NewCommand, recents []dirbrowser.BrowseResult) *card.Card {
	c := card.New("新建会话", card.ColorBlue)

	var opts []card.SelectOption
	for _, rec := range recents {
		opts = append(opts, card.SelectOption{Text: rec.Current, Value: rec.Current})
	}
	c.Add(card.SelectStatic{Placeholder: "选择最近使用的目录", Name: "dir", Options: opts})
	c.Add(card.Input{Placeholder: "或输入完整路径", Name: "dir_custom"})
	c.Add(card.ButtonGroup{Buttons: []card.Button{
		{Text: "浏览", Name: "browse", Value: map[string]any{"dir": cmd.Dir}},
	}})
	if cmd.Cmd != "" {
		c.Add(card.Text{Content: fmt.Sprintf("命令: %s", cmd.Cmd)})
	}
	c.Add(card.Input{Placeholder: "输入你的提示词", Name: "prompt", Multiline: true})
	c.Add(card.ButtonGroup{Buttons: []card.Button{
		{Text: "创建", Name: "submit", Color: "primary"},
	}})
	return c
}

func buildBrowseCard(cmd NewCommand, result dirbrowser.BrowseResult) *card.Card {
	c := card.New("浏览目录", card.ColorBlue)
	c.Add(card.Text{Content: fmt.Sprintf("当前: %s", result.Current)})

	var opts []card.SelectOption
	for _, d := range result.Dirs {
		opts = append(opts, card.SelectOption{Text: d, Value: d})
	}
	c.Add(card.SelectStatic{Placeholder: "子目录", Name: "dir", Options: opts})
	c.Add(card.ButtonGroup{Buttons: []card.Button{
		{Text: "上一级", Name: "browse", Value: map[string]any{"dir": result.Parent}},
		{Text: "选择此目录", Name: "submit", Color: "primary", Value: map[string]any{"dir": result.Current}},
	}})
	return c
}

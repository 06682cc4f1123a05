// Package decision implements the pure-core decision handler shared by the
// Backend's browser GET fallback routes and the Gateway-forwarded
// /cb/decision RPC. It has no HTTP or socket awareness of its own; callers
// supply a Broker, a ProcessProber, and a RuleWriter and get back a
// human-readable outcome.
package decision

import (
	"context"
	"fmt"

	"hookbridge/internal/broker"
	"hookbridge/internal/domain"
	"hookbridge/internal/rulewriter"
)

// Action is one of the four button/URL verbs a user can invoke on a
// pending request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionAlways    Action = "always"
	ActionDeny      Action = "deny"
	ActionInterrupt Action = "interrupt"
)

func (a Action) valid() bool {
	switch a {
	case ActionAllow, ActionAlways, ActionDeny, ActionInterrupt:
		return true
	default:
		return false
	}
}

// Broker is the subset of *broker.Broker the handler needs, kept as an
// interface so tests can supply a fake without a real socket.
type Broker interface {
	GetData(requestID string) (domain.PendingRequest, bool)
	GetStatus(requestID string) (domain.RequestStatus, bool)
	Resolve(ctx context.Context, requestID string, decision domain.Decision) (broker.ResolveErrorCode, string)
}

// ProcessProber tests whether a process still exists, via signal-0 on Unix.
type ProcessProber interface {
	Alive(pid int) bool
}

// RuleWriter persists an always-allow rule for a project directory.
type RuleWriter interface {
	Write(projectDir, rule string) error
}

// defaultRuleWriter adapts the package-level rulewriter functions to the
// RuleWriter interface.
type defaultRuleWriter struct{}

func (defaultRuleWriter) Write(projectDir, rule string) error {
	return rulewriter.Write(projectDir, rule)
}

// NewDefaultRuleWriter returns a RuleWriter backed by the real filesystem
// writer in internal/rulewriter.
func NewDefaultRuleWriter() RuleWriter {
	return defaultRuleWriter{}
}

// Handler holds the dependencies the decision routine needs and exposes
// Decide as the single entry point reused by both callers.
type Handler struct {
	Broker     Broker
	Prober     ProcessProber
	RuleWriter RuleWriter
	ToolConfig rulewriter.ToolConfig
}

// NewHandler builds a Handler, defaulting ToolConfig when unset.
func NewHandler(b Broker, prober ProcessProber, rw RuleWriter, toolConfig rulewriter.ToolConfig) *Handler {
	if toolConfig == nil {
		toolConfig = rulewriter.DefaultToolConfig
	}
	return &Handler{Broker: b, Prober: prober, RuleWriter: rw, ToolConfig: toolConfig}
}

// Result is the outcome of Decide: whether it succeeded, which decision
// (if any) was applied, and a human-readable message suitable for direct
// display.
type Result struct {
	OK       bool
	Decision domain.Behavior
	Message  string
}

// Decide runs the seven-step decision routine:
//  1. reject unknown actions or a missing request_id
//  2. look up the pending request
//  3. refuse on an already-terminal status
//  4. probe the hook process for liveness
//  5. build the concrete decision
//  6. for "always", write the permission rule before resolving
//  7. invoke Resolve and translate its error code
func (h *Handler) Decide(ctx context.Context, action Action, requestID, projectDirOverride string) Result {
	if !action.valid() || requestID == "" {
		return Result{OK: false, Message: "无效的操作"}
	}

	req, ok := h.Broker.GetData(requestID)
	if !ok {
		return Result{OK: false, Message: "请求不存在或已过期"}
	}

	switch status, _ := h.Broker.GetStatus(requestID); status {
	case domain.RequestResolved:
		return Result{OK: false, Message: "已被处理"}
	case domain.RequestDisconnected:
		return Result{OK: false, Message: "连接已断开"}
	}

	if h.Prober != nil && req.HookPID > 0 && !h.Prober.Alive(req.HookPID) {
		return Result{OK: false, Message: "请求已超时或被取消"}
	}

	dec, err := h.buildDecision(action)
	if err != nil {
		return Result{OK: false, Message: err.Error()}
	}

	if action == ActionAlways {
		projectDir := req.ProjectDir
		if projectDirOverride != "" {
			projectDir = projectDirOverride
		}
		rule, err := rulewriter.FormatRule(h.ToolConfig, req.ToolName, req.ToolInput)
		if err != nil {
			return Result{OK: false, Message: fmt.Sprintf("无法生成规则: %v", err)}
		}
		if err := h.RuleWriter.Write(projectDir, rule); err != nil {
			return Result{OK: false, Message: "写入规则失败"}
		}
	}

	code, msg := h.Broker.Resolve(ctx, requestID, dec)
	if code != broker.ResolveOK {
		return Result{OK: false, Message: msg}
	}

	return Result{OK: true, Decision: dec.Behavior, Message: resultMessage(action)}
}

func (h *Handler) buildDecision(action Action) (domain.Decision, error) {
	switch action {
	case ActionAllow, ActionAlways:
		return domain.Decision{Behavior: domain.BehaviorAllow}, nil
	case ActionDeny:
		return domain.Decision{Behavior: domain.BehaviorDeny}, nil
	case ActionInterrupt:
		return domain.Decision{Behavior: domain.BehaviorDeny, Interrupt: true, Message: "用户已中断"}, nil
	default:
		return domain.Decision{}, fmt.Errorf("无效的操作")
	}
}

func resultMessage(action Action) string {
	switch action {
	case ActionAllow:
		return "已批准运行"
	case ActionAlways:
		return "已批准并记住此规则"
	case ActionDeny:
		return "已拒绝"
	case ActionInterrupt:
		return "已中断"
	default:
		return ""
	}
}

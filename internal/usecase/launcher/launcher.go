// Package launcher spawns and supervises the agent child process behind
// a /cb/claude/new or /cb/claude/continue call.
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookbridge/internal/domain"
)

// Status is the lifecycle state of a launched agent session.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Notifier delivers an IM notification for a launch that ended abnormally
// or timed out while the caller had already stopped waiting on it.
type Notifier interface {
	NotifyText(ctx context.Context, chatID, text string) error
}

// Session describes a launched agent child, new or resumed.
type Session struct {
	SessionID  string
	ChatID     string
	Command    []string
	Prompt     string
	ProjectDir string
	Status     Status
	StartedAt  time.Time
	EndedAt    *time.Time
	ExitCode   *int
}

// Config controls the launcher's synchronous-wait and background-waiter
// behavior.
type Config struct {
	SyncWait          time.Duration // how long Launch blocks before handing off to the background waiter (default 2s)
	BackgroundTimeout time.Duration // hard deadline for a background launch (default 10m)
	OutputBufferMax   int           // max bytes of stdout/stderr buffered (default 1MB)
	Shell             string        // override for the login shell; empty autodetects from $SHELL
}

type sessionEntry struct {
	session Session
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  *ringBuffer
	stderr  *ringBuffer
	done    chan struct{}
}

// Launcher spawns agent children shell-wrapped in the caller's login shell
// and supervises them to completion or a 10-minute timeout.
type Launcher struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	cfg      Config
	notifier Notifier
	bus      domain.EventBus
	logger   *slog.Logger
}

// New creates a Launcher.
func New(cfg Config, notifier Notifier, bus domain.EventBus, logger *slog.Logger) *Launcher {
	if cfg.SyncWait <= 0 {
		cfg.SyncWait = 2 * time.Second
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = 10 * time.Minute
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		sessions: make(map[string]*sessionEntry),
		cfg:      cfg,
		notifier: notifier,
		bus:      bus,
		logger:   logger,
	}
}

// LaunchNew starts a fresh agent session with a freshly generated session_id.
func (l *Launcher) LaunchNew(ctx context.Context, command []string, prompt, projectDir, chatID string) (*Session, error) {
	return l.launch(ctx, uuid.New().String(), command, prompt, projectDir, chatID)
}

// LaunchContinue resumes an existing session_id. The caller is responsible
// for having verified a SessionChatStore row exists for sessionID.
func (l *Launcher) LaunchContinue(ctx context.Context, sessionID string, command []string, prompt, projectDir, chatID string) (*Session, error) {
	if sessionID == "" {
		return nil, domain.NewSubSystemError("launcher", "Launcher.LaunchContinue", domain.ErrInvalidInput, "session_id is required")
	}
	return l.launch(ctx, sessionID, command, prompt, projectDir, chatID)
}

func (l *Launcher) launch(ctx context.Context, sessionID string, command []string, prompt, projectDir, chatID string) (*Session, error) {
	if projectDir == "" {
		return nil, domain.NewSubSystemError("launcher", "Launcher.Launch", domain.ErrResource, "project_dir is required")
	}
	if len(command) == 0 {
		return nil, domain.NewSubSystemError("launcher", "Launcher.Launch", domain.ErrInvalidInput, "command is required")
	}

	shellPath, shellArgs := shellWrap(l.cfg.Shell, command, prompt)

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, shellPath, shellArgs...)
	cmd.Dir = projectDir

	stdoutBuf := newRingBuffer(l.cfg.OutputBufferMax)
	stderrBuf := newRingBuffer(l.cfg.OutputBufferMax)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("launcher: start: %w", err)
	}

	session := Session{
		SessionID:  sessionID,
		ChatID:     chatID,
		Command:    command,
		Prompt:     prompt,
		ProjectDir: projectDir,
		Status:     StatusProcessing,
		StartedAt:  time.Now(),
	}
	entry := &sessionEntry{
		session: session,
		cmd:     cmd,
		cancel:  cancel,
		stdout:  stdoutBuf,
		stderr:  stderrBuf,
		done:    make(chan struct{}),
	}

	l.mu.Lock()
	l.sessions[sessionID] = entry
	l.mu.Unlock()

	l.emitEvent(ctx, domain.EventProcessStarted, session)
	l.logger.Info("agent launched", "session_id", sessionID, "project_dir", projectDir)

	go l.wait(entry)

	select {
	case <-entry.done:
		l.mu.Lock()
		result := entry.session
		l.mu.Unlock()
		return &result, nil
	case <-time.After(l.cfg.SyncWait):
		go l.backgroundWatch(entry)
		l.mu.Lock()
		result := entry.session
		l.mu.Unlock()
		return &result, nil
	}
}

// Status returns the current state of a launched session.
func (l *Launcher) Status(sessionID string) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.sessions[sessionID]
	if !ok {
		return nil, domain.NewSubSystemError("launcher", "Launcher.Status", domain.ErrNotFound, sessionID)
	}
	result := entry.session
	return &result, nil
}

// Output returns the buffered stdout/stderr for a session, usable as the
// agent's reply text once it has completed.
func (l *Launcher) Output(sessionID string) (stdout, stderr string, err error) {
	l.mu.Lock()
	entry, ok := l.sessions[sessionID]
	l.mu.Unlock()
	if !ok {
		return "", "", domain.NewSubSystemError("launcher", "Launcher.Output", domain.ErrNotFound, sessionID)
	}
	return strings.TrimRight(entry.stdout.String(), "\n"), strings.TrimRight(entry.stderr.String(), "\n"), nil
}

// Stop kills every still-running session. Used on process shutdown.
func (l *Launcher) Stop(ctx context.Context) {
	l.mu.Lock()
	var running []*sessionEntry
	for _, e := range l.sessions {
		if e.session.Status == StatusProcessing {
			running = append(running, e)
		}
	}
	l.mu.Unlock()

	for _, e := range running {
		e.cancel()
		<-e.done
	}
}

func (l *Launcher) wait(entry *sessionEntry) {
	err := entry.cmd.Wait()

	now := time.Now()
	l.mu.Lock()
	entry.session.EndedAt = &now
	if err != nil {
		entry.session.Status = StatusFailed
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			entry.session.ExitCode = &code
		}
	} else {
		entry.session.Status = StatusCompleted
		code := 0
		entry.session.ExitCode = &code
	}
	status := entry.session.Status
	session := entry.session
	l.mu.Unlock()
	close(entry.done)

	l.emitEvent(context.Background(), domain.EventProcessCompleted, session)
	l.logger.Info("agent finished", "session_id", session.SessionID, "status", status)
}

// backgroundWatch is the 10-minute hard-timeout waiter handed off to after
// the synchronous wait window elapses. It notifies the chat on abnormal
// exit or timeout; a clean exit is silent here (the caller polls or is
// notified via the normal reply path).
func (l *Launcher) backgroundWatch(entry *sessionEntry) {
	timer := time.NewTimer(l.cfg.BackgroundTimeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		l.mu.Lock()
		status := entry.session.Status
		chatID := entry.session.ChatID
		sessionID := entry.session.SessionID
		l.mu.Unlock()
		if status == StatusFailed && chatID != "" {
			l.notify(chatID, fmt.Sprintf("agent session %s exited abnormally", sessionID))
		}
	case <-timer.C:
		l.mu.Lock()
		entry.session.Status = StatusFailed
		now := time.Now()
		entry.session.EndedAt = &now
		chatID := entry.session.ChatID
		sessionID := entry.session.SessionID
		l.mu.Unlock()

		entry.cancel()
		<-entry.done

		if chatID != "" {
			l.notify(chatID, fmt.Sprintf("agent session %s timed out after %s", sessionID, l.cfg.BackgroundTimeout))
		}
	}
}

func (l *Launcher) notify(chatID, text string) {
	if l.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.notifier.NotifyText(ctx, chatID, text); err != nil {
		l.logger.Warn("launcher: notification failed", "chat_id", chatID, "err", err)
	}
}

func (l *Launcher) emitEvent(ctx context.Context, eventType domain.EventType, payload any) {
	if l.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	l.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   data,
	})
}

// shellWrap picks the user's interactive login shell and wraps command+prompt
// so aliases and environment set up in shell rc files are loaded. Tokens are
// single-quoted to survive the shell re-parse.
func shellWrap(override string, command []string, prompt string) (path string, args []string) {
	shell := override
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	flag := "-lc"
	base := shell
	if idx := strings.LastIndex(shell, "/"); idx >= 0 {
		base = shell[idx+1:]
	}
	switch base {
	case "zsh", "bash":
		flag = "-ic"
	case "fish":
		flag = "-c"
	}

	parts := make([]string, 0, len(command)+1)
	for _, p := range command {
		parts = append(parts, shellQuote(p))
	}
	if prompt != "" {
		parts = append(parts, shellQuote(prompt))
	}

	return shell, []string{flag, strings.Join(parts, " ")}
}

// shellQuote wraps s in single quotes, escaping any embedded single quote
// the POSIX-safe way: close the quote, emit an escaped quote, reopen it.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

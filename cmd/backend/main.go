// Command hookbridge-backend runs the Backend process: the local Unix
// socket server, the request broker, the decision/launcher/browse RPC
// surface, and the slow expiry sweep over its on-disk stores.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"hookbridge/internal/backendapi"
	"hookbridge/internal/broker"
	"hookbridge/internal/daemon"
	"hookbridge/internal/decision"
	"hookbridge/internal/dirbrowser"
	"hookbridge/internal/domain"
	"hookbridge/internal/eventbus"
	"hookbridge/internal/httpkit"
	"hookbridge/internal/infra/config"
	"hookbridge/internal/infra/logger"
	"hookbridge/internal/infra/tracer"
	"hookbridge/internal/regstore"
	"hookbridge/internal/store"
	"hookbridge/internal/tui"
	"hookbridge/internal/usecase/launcher"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install", "uninstall", "status":
			runDaemonCmd(os.Args[1], os.Args[2:])
			return
		case "dashboard":
			runDashboard(os.Args[2:])
			return
		}
	}
	runServe(os.Args[1:])
}

func loadConfig(args []string) *config.Config {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("backend", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config.yaml")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runServe(args []string) {
	cfg := loadConfig(args)

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		log.Error("tracer setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	if err := os.MkdirAll(cfg.Store.Dir, 0o700); err != nil {
		log.Error("create store dir", "error", err)
		os.Exit(1)
	}

	chatStore, err := store.Open[domain.ChatSessionRecord](filepath.Join(cfg.Store.Dir, "session_chats.json"))
	if err != nil {
		log.Error("open session_chats store", "error", err)
		os.Exit(1)
	}
	authStore, err := store.Open[domain.AuthTokenRecord](filepath.Join(cfg.Store.Dir, "auth_token.json"))
	if err != nil {
		log.Error("open auth_token store", "error", err)
		os.Exit(1)
	}
	dirStore, err := store.Open[domain.DirUsageRecord](filepath.Join(cfg.Store.Dir, "dir_history.json"))
	if err != nil {
		log.Error("open dir_history store", "error", err)
		os.Exit(1)
	}

	chatSessions := regstore.NewChatSessionStore(chatStore)
	authTokens := regstore.NewAuthTokenStore(authStore)
	history := dirbrowser.NewHistory(dirStore)

	b := broker.New(broker.Config{
		RequestTimeout:  cfg.Socket.RequestTimeout,
		CleanupInterval: 5 * time.Second,
		GCDelay:         60 * time.Second,
	}, bus, log)
	defer b.Stop()

	decisionHandler := decision.NewHandler(b, decision.SignalProber{}, decision.NewDefaultRuleWriter(), nil)

	agentLauncher := launcher.New(launcher.Config{
		Shell: "",
	}, notifierFunc(func(ctx context.Context, chatID, text string) error {
		return nil // the Backend has no direct IM send path; notifications route through the Gateway
	}), bus, log)

	socketServer := broker.NewServer(broker.ServerConfig{
		Path:           cfg.Socket.Path,
		ReceiveTimeout: 5 * time.Second,
	}, b, log)
	if err := socketServer.Listen(); err != nil {
		log.Error("socket listen failed", "error", err)
		os.Exit(1)
	}
	defer socketServer.Close()
	go func() {
		if err := socketServer.Serve(ctx); err != nil {
			log.Error("socket serve stopped", "error", err)
		}
	}()

	apiServer := &backendapi.Server{
		Broker:     b,
		Decision:   decisionHandler,
		History:    history,
		Launcher:   agentLauncher,
		ChatSess:   chatSessions,
		AuthTokens: authTokens,
		VSCodeURI:  cfg.Callback.VSCodeURIPrefix,
		CloseDelay: cfg.Callback.PageCloseDelay,
		OwnerID:    cfg.Feishu.OwnerID,
		Logger:     log,
	}

	mux := apiServer.Mux()
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	rateLimit := httpkit.RateLimit(ctx, 120, 20)
	handler := httpkit.SecurityHeaders(rateLimit(mux))

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Callback.Port), Handler: handler}
	go func() {
		log.Info("backend http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "error", err)
		}
	}()

	c := cron.New()
	c.AddFunc("@every 1h", func() {
		now := time.Now()
		if n, err := chatSessions.PruneStale(now); err != nil {
			log.Error("prune session_chats failed", "error", err)
		} else if n > 0 {
			log.Info("pruned stale chat sessions", "count", n)
		}
	})
	c.Start()
	defer c.Stop()

	go autoRegister(ctx, cfg, authTokens, log)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	agentLauncher.Stop(shutdownCtx)
}

type notifierFunc func(ctx context.Context, chatID, text string) error

func (f notifierFunc) NotifyText(ctx context.Context, chatID, text string) error {
	return f(ctx, chatID, text)
}

// autoRegister announces this Backend to the Gateway at boot, per
// spec.md §2's AutoRegister component.
func autoRegister(ctx context.Context, cfg *config.Config, authTokens *regstore.AuthTokenStore, log interface {
	Error(msg string, args ...any)
	Info(msg string, args ...any)
}) {
	if cfg.Feishu.GatewayURL == "" || cfg.Feishu.OwnerID == "" {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"callback_url":    cfg.Callback.PublicURL,
		"owner_id":        cfg.Feishu.OwnerID,
		"reply_in_thread": cfg.Feishu.ReplyInThread,
	})
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.Feishu.GatewayURL+"/gw/register", bytes.NewReader(body))
	if err != nil {
		log.Error("auto-register build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("auto-register failed", "error", err)
		return
	}
	defer resp.Body.Close()
	log.Info("auto-register dispatched", "status", resp.StatusCode)
}

func runDaemonCmd(cmd string, args []string) {
	dcfg := daemon.DefaultConfig()
	switch cmd {
	case "install":
		if err := daemon.Install(dcfg); err != nil {
			fmt.Fprintf(os.Stderr, "install: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("installed")
	case "uninstall":
		if err := daemon.Uninstall(dcfg.Name); err != nil {
			fmt.Fprintf(os.Stderr, "uninstall: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("uninstalled")
	case "status":
		st, err := daemon.Status(dcfg.Name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("running=%v pid=%d uptime=%s\n", st.Running, st.PID, st.Uptime)
	}
	_ = args
}

// httpStatusSource polls a running Backend's /api/pending endpoint, since
// the dashboard is launched as its own process rather than sharing the
// serving process's in-memory broker.
type httpStatusSource struct {
	baseURL string
	client  *http.Client
}

func (h httpStatusSource) ListPending() ([]tui.Row, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/pending", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dtos []struct {
		RequestID  string `json:"request_id"`
		ToolName   string `json:"tool_name"`
		ProjectDir string `json:"project_dir"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, err
	}
	rows := make([]tui.Row, len(dtos))
	for i, d := range dtos {
		rows[i] = tui.Row{RequestID: d.RequestID, ToolName: d.ToolName, ProjectDir: d.ProjectDir, Status: d.Status}
	}
	return rows, nil
}

func runDashboard(args []string) {
	cfg := loadConfig(args)
	source := httpStatusSource{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Callback.Port),
		client:  &http.Client{},
	}

	p := tea.NewProgram(tui.New(source), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		os.Exit(1)
	}
}

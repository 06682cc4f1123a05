// Command hookbridge-gateway runs the Gateway process: the registration
// flow, the command router, and the IM event webhook fronting a chat
// platform for possibly many Backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"hookbridge/internal/daemon"
	"hookbridge/internal/domain"
	"hookbridge/internal/gateway/backendrpc"
	"hookbridge/internal/gateway/imclient"
	"hookbridge/internal/gatewayapi"
	"hookbridge/internal/httpkit"
	"hookbridge/internal/infra/config"
	"hookbridge/internal/infra/logger"
	"hookbridge/internal/infra/tracer"
	"hookbridge/internal/regstore"
	"hookbridge/internal/store"
	"hookbridge/internal/usecase/registration"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install", "uninstall", "status":
			runDaemonCmd(os.Args[1], os.Args[2:])
			return
		}
	}
	runServe(os.Args[1:])
}

func loadConfig(args []string) *config.Config {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
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

	if err := os.MkdirAll(cfg.Store.Dir, 0o700); err != nil {
		log.Error("create store dir", "error", err)
		os.Exit(1)
	}

	bindingStoreFile, err := store.Open[domain.Binding](filepath.Join(cfg.Store.Dir, "bindings.json"))
	if err != nil {
		log.Error("open bindings store", "error", err)
		os.Exit(1)
	}
	messageStoreFile, err := store.Open[domain.MessageSessionRecord](filepath.Join(cfg.Store.Dir, "message_sessions.json"))
	if err != nil {
		log.Error("open message_sessions store", "error", err)
		os.Exit(1)
	}

	bindings := regstore.NewBindingStore(bindingStoreFile)
	messageSessions := regstore.NewMessageSessionStore(messageStoreFile)

	imClient := imclient.New(cfg.Feishu.AppID, cfg.Feishu.AppSecret, "")
	backendClient := backendrpc.New()

	regFlow := registration.New(bindings, backendClient, imClient, cfg.Auth.Secret)

	apiServer := &gatewayapi.Server{
		Registration:    regFlow,
		Bindings:        bindings,
		MessageSessions: messageSessions,
		IM:              imClient,
		Backend:         backendClient,
		VerificationTok: cfg.Feishu.VerificationToken,
		ReplyInThread:   cfg.Feishu.ReplyInThread,
		Logger:          log,
	}

	mux := apiServer.Mux()
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	rateLimit := httpkit.RateLimit(ctx, 300, 50)
	handler := httpkit.SecurityHeaders(rateLimit(mux))

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Callback.Port), Handler: handler}
	go func() {
		log.Info("gateway http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "error", err)
		}
	}()

	c := cron.New()
	c.AddFunc("@every 1h", func() {
		now := time.Now()
		if n, err := bindings.PruneStale(now); err != nil {
			log.Error("prune bindings failed", "error", err)
		} else if n > 0 {
			log.Info("pruned stale bindings", "count", n)
		}
		if n, err := messageSessions.PruneStale(now); err != nil {
			log.Error("prune message_sessions failed", "error", err)
		} else if n > 0 {
			log.Info("pruned stale message sessions", "count", n)
		}
	})
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
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

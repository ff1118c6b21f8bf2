// Command scriptorium runs the paper-writing assistant server: a WebSocket
// stream surface over the session engine, with transcripts in SQLite and
// per-work directories on disk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/scriptorium-ai/scriptorium/auth"
	"github.com/scriptorium-ai/scriptorium/config"
	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/engine"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/model"
	anthropicmodel "github.com/scriptorium-ai/scriptorium/model/anthropic"
	openaimodel "github.com/scriptorium-ai/scriptorium/model/openai"
	"github.com/scriptorium-ai/scriptorium/sandbox"
	"github.com/scriptorium-ai/scriptorium/stream"
	"github.com/scriptorium-ai/scriptorium/transcript"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "scriptorium:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if found, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(found)
		if err != nil {
			return err
		}
		cfg = loaded
	} else if configPath != "" {
		return err
	}

	logCfg := logging.DefaultLoggerConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	logger := logging.NewLogger(logCfg).WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := transcript.NewSQLiteStore(cfg.TranscriptPath())
	if err != nil {
		return err
	}
	defer store.Close()

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	runner := sandbox.NewRunner(func(o *sandbox.Options) {
		o.Interpreter = cfg.Sandbox.Interpreter
		o.Timeout = cfg.Sandbox.Timeout()
		o.MaxOutputBytes = cfg.Sandbox.MaxOutputBytes
		o.Logger = logger.WithComponent("sandbox")
	})

	manager := stream.NewManager(store, logger.WithComponent("stream"))

	eng := engine.New(store, manager, gateway, runner, buildResolver(cfg), cfg.WorksDir(),
		func(o *engine.Options) {
			o.MaxTurns = cfg.Engine.MaxTurns
			o.ToolTimeout = cfg.Tools.TimeoutSec
			o.DelegateTimeout = cfg.Tools.DelegateTimeoutSec
			o.WindowBudget = cfg.Window.Budget
			o.KeepRecent = cfg.Window.KeepRecent
			o.Logger = logger.WithComponent("engine")
		})
	eng.SetTitleListener(func(workID, title string) {
		logger.Info("work titled", "work_id", workID, "title", title)
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/stream", stream.NewWSServer(manager, eng, logger.WithComponent("ws")))
	mux.HandleFunc("/v1/works", worksHandler(eng))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.Listen.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen.Addr, "provider", cfg.Model.Provider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// buildGateway wires the configured provider behind the retrying gateway.
func buildGateway(cfg *config.Config, logger *logging.EngineLogger) (*model.Gateway, error) {
	var m model.Model
	switch cfg.Model.Provider {
	case "anthropic":
		m = anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			if cfg.Model.Name != "" {
				o.Model = anthropic.Model(cfg.Model.Name)
			}
			o.APIKey = cfg.Model.APIKey
		})
	case "openai":
		m = openaimodel.NewModel(func(o *openaimodel.Options) {
			if cfg.Model.Name != "" {
				o.Model = cfg.Model.Name
			}
		})
	case "mock":
		m = model.NewMockModel(model.ScriptStep{Text: "mock response"})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}

	return model.NewGateway(m, func(o *model.GatewayOptions) {
		o.MaxAttempts = cfg.Gateway.MaxAttempts
		o.BaseDelay = cfg.Gateway.BaseDelay()
		o.MaxDelay = cfg.Gateway.MaxDelay()
		o.Logger = logger.WithComponent("gateway")
	}), nil
}

func buildResolver(cfg *config.Config) auth.TokenResolver {
	if cfg.Auth.Mode == "static" {
		tokens := make(map[string]core.Identity, len(cfg.Auth.Tokens))
		for token, subject := range cfg.Auth.Tokens {
			tokens[token] = core.Identity{Subject: subject}
		}
		return auth.NewStaticResolver(tokens)
	}
	return auth.AllowAllResolver{}
}

// worksHandler serves POST (create) and GET (list) on /v1/works.
func worksHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		switch r.Method {
		case http.MethodPost:
			work, err := eng.CreateWork(r.Context(), token)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusCreated, work)
		case http.MethodGet:
			works, err := eng.ListWorks(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, works)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

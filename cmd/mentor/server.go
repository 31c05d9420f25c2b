package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kalambet/mentor/internal/api"
	"github.com/kalambet/mentor/internal/composer"
	"github.com/kalambet/mentor/internal/config"
	"github.com/kalambet/mentor/internal/engine"
	"github.com/kalambet/mentor/internal/intent"
	"github.com/kalambet/mentor/internal/ollama"
	"github.com/kalambet/mentor/internal/orchestrator"
	"github.com/kalambet/mentor/internal/profile"
	"github.com/kalambet/mentor/internal/provider"
	"github.com/kalambet/mentor/internal/proxy"
	"github.com/kalambet/mentor/internal/resilience"
	"github.com/kalambet/mentor/internal/session"
	"github.com/kalambet/mentor/internal/skill"
	"github.com/kalambet/mentor/internal/storage"
	"github.com/kalambet/mentor/internal/sweeper"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mentor server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mentor server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mentor system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mentor.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app is the wired server: HTTP handler, optional MCP server and the
// background session sweeper.
type app struct {
	handler http.Handler
	mcp     *server.MCPServer
	sweeper *sweeper.Worker
	close   func() error
}

// sessionStore is what both storage backends provide.
type sessionStore interface {
	session.Store
	sweeper.Expirer
}

// buildApp wires every component from cfg. progress receives model pull
// output when the local engine has to download a model.
func buildApp(ctx context.Context, cfg config.Config, token string, progress io.Writer) (*app, error) {
	a := &app{close: func() error { return nil }}

	var store sessionStore
	var turns api.TurnLister
	switch cfg.Storage.Backend {
	case "memory":
		store = session.NewMemoryStore(nil, cfg.Session.IdleTimeout)
	default:
		sq, err := storage.Open(cfg.Storage.DataDir, storage.WithIdleTTL(cfg.Session.IdleTimeout))
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		store, turns = sq, sq
		a.close = sq.Close
	}

	chatter, model, err := chatBackend(ctx, cfg, progress)
	if err != nil {
		a.close()
		return nil, err
	}

	keywords := intent.DefaultKeywords()
	if cfg.Router.KeywordsFile != "" {
		if keywords, err = intent.LoadKeywords(cfg.Router.KeywordsFile); err != nil {
			a.close()
			return nil, err
		}
	}
	var extractor *intent.Extractor
	if cfg.Router.LLMFallback {
		extractor = intent.NewExtractor(chatter, model)
	}
	router := intent.NewRouter(intent.Config{
		Threshold:       cfg.Router.Threshold,
		Epsilon:         cfg.Router.Epsilon,
		ContinuityBonus: cfg.Router.ContinuityBonus,
		MinConfidence:   cfg.Router.MinConfidence,
		Keywords:        keywords,
	}, extractor)

	registry := provider.NewLLMRegistry(chatter, model, composer.New(0))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats := resilience.NewStats(resilience.BreakerConfig{
		Window:      cfg.Breaker.Window,
		MinRequests: cfg.Breaker.MinRequests,
		FailureRate: cfg.Breaker.FailureRate,
		Cooldown:    cfg.Breaker.Cooldown,
	}, nil)
	wrapper, err := resilience.NewWrapper(stats, resilience.Config{
		Timeout:   cfg.Provider.Timeout,
		RateLimit: cfg.Provider.RateLimit,
	}, resilience.NewMetrics(reg))
	if err != nil {
		a.close()
		return nil, err
	}

	profiles := profile.NewManager(store)
	orch, err := orchestrator.New(store, router, registry, wrapper, skill.NewEngine(cfg.Skill.PromotionWindow), orchestrator.Config{
		HistoryCap:      cfg.Session.HistoryCap,
		SignalWindow:    cfg.Session.SignalWindow,
		ProviderTimeout: cfg.Provider.Timeout,
	}, orchestrator.WithProfileCache(profiles))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	a.handler = api.NewHandler(api.AppDeps{
		Orchestrator: orch,
		Profiles:     profiles,
		Turns:        turns,
		Registry:     registry,
		Stats:        stats,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Token:        token,
	})

	expired := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "mentor_sessions_expired_total",
		Help: "Idle sessions removed by the sweeper.",
	})
	a.sweeper = sweeper.NewWorker(store, cfg.Session.IdleTimeout, cfg.Session.SweepInterval).
		OnSweep(func(removed int) { expired.Add(float64(removed)) })

	if cfg.Server.MCPEnabled {
		a.mcp = api.NewMCPServer(api.MCPDeps{
			Orchestrator: orch,
			Registry:     registry,
			Stats:        stats,
			UserID:       defaultUserID(),
		})
	}
	return a, nil
}

// chatBackend returns the chat client and model every LLM-backed component
// shares.
func chatBackend(ctx context.Context, cfg config.Config, progress io.Writer) (provider.Chatter, string, error) {
	switch cfg.Provider.Backend {
	case "openrouter":
		return proxy.NewClient(cfg.Proxy.OpenRouterAPIKey), cfg.Proxy.DefaultModel, nil
	default:
		eng := ollamaClient(cfg)
		if err := engine.EnsureReady(ctx, eng, progress, cfg.Ollama.Model); err != nil {
			return nil, "", err
		}
		return eng, cfg.Ollama.Model, nil
	}
}

func ollamaClient(cfg config.Config) *ollama.Client {
	opts := []ollama.Option{ollama.WithKeepAlive(cfg.Ollama.KeepAlive)}
	if cfg.Ollama.Temperature > 0 {
		opts = append(opts, ollama.WithTemperature(cfg.Ollama.Temperature))
	}
	return ollama.New(cfg.Ollama.BaseURL, opts...)
}

func runServer() error {
	fmt.Fprintf(stderr, "mentor version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.DebugLogging() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice: a healthy server on our port wins.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("mentor is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("mentor is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, apiToken, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			fmt.Fprintf(stderr, "warning: closing storage: %v\n", err)
		}
	}()

	go a.sweeper.Run(ctx)

	if a.mcp != nil {
		stdioSrv := server.NewStdioServer(a.mcp)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: a.handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "mentor listening on %s (provider backend: %s, storage: %s)\n", addr, cfg.Provider.Backend, cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("mentor is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop mentor (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to mentor (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	switch cfg.Provider.Backend {
	case "openrouter":
		reach := "unreachable"
		if proxy.NewClient(cfg.Proxy.OpenRouterAPIKey).IsRunning(context.Background()) {
			reach = "reachable"
		}
		printStatus("Provider backend", "openrouter (%s), %s", cfg.Proxy.DefaultModel, reach)
	default:
		if v, err := ollamaClient(cfg).Version(context.Background()); err != nil {
			printStatus("Ollama", "not running")
		} else {
			printStatus("Ollama", "%s running at %s", v, cfg.Ollama.BaseURL)
		}
		printStatus("Model", "%s", cfg.Ollama.Model)
	}
	printStatus("Storage", "%s", cfg.Storage.Backend)

	if running {
		apiToken, err := config.GetAPIToken(config.NewSecretStore())
		if err == nil {
			printProviders(client, serverURL, apiToken)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printProviders(client *http.Client, serverURL, token string) {
	resp, err := apiGet(client, serverURL+"/v1/providers", token)
	if err != nil {
		return
	}
	var statuses []api.ProviderStatus
	if err := decodeJSON(resp, &statuses); err != nil {
		printWarning("could not list providers: %v", err)
		return
	}
	for _, st := range statuses {
		printStatus("Provider "+string(st.Domain), "%s", providerLabel(st))
	}
}

func providerLabel(st api.ProviderStatus) string {
	if !st.Registered {
		return "not registered"
	}
	if st.Breaker == nil {
		return "idle"
	}
	return fmt.Sprintf("%s (%d calls, %d failures in window)", st.Breaker.State, st.Breaker.Calls, st.Breaker.Failures)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}

// prettyJSON writes v indented to w.
func prettyJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/prospector/internal/api"
	"github.com/kalambet/prospector/internal/browser"
	"github.com/kalambet/prospector/internal/config"
	"github.com/kalambet/prospector/internal/detect"
	"github.com/kalambet/prospector/internal/engine"
	"github.com/kalambet/prospector/internal/llm"
	"github.com/kalambet/prospector/internal/quota"
	"github.com/kalambet/prospector/internal/result"
	"github.com/kalambet/prospector/internal/scheduler"
	"github.com/kalambet/prospector/internal/scraper"
	"github.com/kalambet/prospector/internal/storage"
)

const shutdownTimeout = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the prospector server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running prospector server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, scheduler and quota status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "prospector.pid")
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

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// quotaLimits turns the configured budgets into tracker limits.
func quotaLimits(q config.QuotaConfig) []quota.Limit {
	return []quota.Limit{
		{Service: detect.ServiceScrape, Window: "hourly", Length: time.Hour, Max: q.ScrapeHourly},
		{Service: detect.ServiceScrape, Window: "daily", Length: 24 * time.Hour, Max: q.ScrapeDaily},
		{Service: detect.ServiceBrowser, Window: "hourly", Length: time.Hour, Max: q.BrowserHourly},
		{Service: detect.ServiceLLM, Window: "hourly", Length: time.Hour, Max: q.LLMHourly},
		{Service: detect.ServiceLLM, Window: "daily", Length: 24 * time.Hour, Max: q.LLMDaily},
	}
}

// services is the wired component graph behind the API.
type services struct {
	tracker   *quota.Tracker
	pipeline  *detect.Pipeline
	engine    *engine.Engine
	scheduler *scheduler.Scheduler // nil when disabled
	chrome    *browser.Chrome      // nil when browser automation is off
}

func (s *services) close() {
	if s.chrome != nil {
		if err := s.chrome.Close(); err != nil {
			slog.Warn("closing browser", "error", err)
		}
	}
}

func buildServices(cfg config.Config, store *storage.Store, logger *slog.Logger) (*services, error) {
	tracker, err := quota.New(quotaLimits(cfg.Quota))
	if err != nil {
		return nil, fmt.Errorf("configuring quota: %w", err)
	}
	svc := &services{tracker: tracker}

	ex := detect.NewExtractor(cfg.Detection.SectionWindow)
	var strategies []detect.Strategy

	if cfg.Scrape.APIKey != "" {
		client := scraper.NewClient(scraper.Config{
			BaseURL: cfg.Scrape.BaseURL,
			APIKey:  cfg.Scrape.APIKey,
			Timeout: cfg.Scrape.Timeout,
			RPS:     cfg.Scrape.RPS,
			Burst:   1,
		})
		strategies = append(strategies, detect.NewScrapeStrategy(client, tracker, ex, detect.ScrapeOptions{
			Wait:    time.Duration(cfg.Scrape.WaitMS) * time.Millisecond,
			Timeout: cfg.Scrape.Timeout,
			Logger:  logger,
		}))
	} else {
		logger.Warn("scrape.api_key not set, managed scraping disabled")
	}

	if cfg.Browser.Enabled {
		svc.chrome = browser.New(browser.Config{ExecPath: cfg.Browser.ExecPath, Timeout: cfg.Browser.Timeout})
		strategies = append(strategies, detect.NewBrowserStrategy(svc.chrome, tracker, ex, detect.BrowserOptions{
			FillForm: cfg.Browser.FillForm,
			Logger:   logger,
		}))
	}

	if cfg.LLM.APIKey != "" || cfg.LLM.Provider == string(llm.ProviderOllama) {
		asker, err := llm.New(llm.Config{
			Provider: llm.Provider(cfg.LLM.Provider),
			BaseURL:  cfg.LLM.BaseURL,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			Timeout:  cfg.LLM.Timeout,
		})
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("configuring llm: %w", err)
		}
		strategies = append(strategies, detect.NewLLMStrategy(asker, tracker, logger))
	} else {
		logger.Warn("llm.api_key not set, llm fallback disabled")
	}

	if len(strategies) == 0 {
		logger.Warn("no detection strategy configured, every item will fail")
	}

	minConf, err := detect.ParseConfidence(cfg.Detection.MinConfidence)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("detection.min_confidence: %w", err)
	}
	svc.pipeline = detect.NewPipeline(strategies,
		detect.WithStrategyTimeout(cfg.Detection.StrategyTimeout),
		detect.WithMinConfidence(minConf),
		detect.WithLogger(logger),
	)

	svc.engine = engine.New(store, svc.pipeline, result.NewWriter(store), engine.Options{
		ItemDelay:         cfg.Engine.ItemDelay,
		MaxConcurrentJobs: cfg.Engine.MaxConcurrentJobs,
		Logger:            logger,
	})

	if cfg.Scheduler.Enabled {
		svc.scheduler = scheduler.New(store, svc.engine, scheduler.Options{
			Interval: cfg.Scheduler.Interval,
			Logger:   logger,
		})
	}
	return svc, nil
}

func (s *services) apiDeps(store *storage.Store, token string) api.Deps {
	deps := api.Deps{Engine: s.engine, Quota: s.tracker, Store: store, Token: token}
	if s.scheduler != nil {
		deps.Scheduler = s.scheduler
	}
	return deps
}

func runServer(withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("prospector starting", "version", version)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("prospector is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("prospector is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	svc, err := buildServices(cfg, store, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	if _, err := svc.engine.Resume(ctx); err != nil {
		return fmt.Errorf("resuming jobs: %w", err)
	}
	if svc.scheduler != nil {
		svc.scheduler.Start(ctx)
	}

	deps := svc.apiDeps(store, apiToken)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", addr, "strategies", svc.pipeline.Strategies())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if withMCP {
		g.Go(func() error {
			stdio := server.NewStdioServer(api.NewMCPServer(deps, version))
			slog.Info("MCP server started (stdio transport)")
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		if svc.scheduler != nil {
			svc.scheduler.Stop()
		}
		engineErr := svc.engine.Shutdown(shutdownCtx)
		return errors.Join(httpErr, engineErr)
	})

	return g.Wait()
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
		printError("prospector is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop prospector (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to prospector (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := err == nil && resp.StatusCode == http.StatusOK
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case running:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}
	if resp != nil {
		resp.Body.Close()
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			var health scheduler.Health
			if hr, err := c.get(ctx, "/scheduler/health"); err == nil && decodeJSON(hr, &health) == nil {
				printStatus("Scheduler", "%s", schedulerLabel(health))
			} else {
				printStatus("Scheduler", "disabled")
			}
			var q api.QuotaResponse
			if qr, err := c.get(ctx, "/quota"); err == nil && decodeJSON(qr, &q) == nil {
				printStatus("Quota", "%d buckets in use", len(q.Usage))
			}
		}
	}

	printStatus("Browser", "%s", enabledLabel(cfg.Browser.Enabled))
	printStatus("Managed scrape", "%s", enabledLabel(cfg.Scrape.APIKey != ""))
	printStatus("LLM", "%s (%s)", cfg.LLM.Provider, cfg.LLM.Model)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func schedulerLabel(h scheduler.Health) string {
	if !h.Running {
		return "stopped"
	}
	label := fmt.Sprintf("running every %s, %d ticks, %d runs started", h.Interval, h.Ticks, h.Materialized)
	if h.LastError != "" {
		label += ", last error: " + h.LastError
	}
	return label
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

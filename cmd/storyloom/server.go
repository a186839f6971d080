package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
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

	"github.com/kalambet/storyloom/internal/api"
	"github.com/kalambet/storyloom/internal/config"
	"github.com/kalambet/storyloom/internal/decision"
	"github.com/kalambet/storyloom/internal/engine"
	"github.com/kalambet/storyloom/internal/generation"
	"github.com/kalambet/storyloom/internal/ingest"
	"github.com/kalambet/storyloom/internal/knowledge"
	"github.com/kalambet/storyloom/internal/ollama"
	"github.com/kalambet/storyloom/internal/storage"
	"github.com/kalambet/storyloom/internal/workflow"
)

const generationTemperature = 0.7

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the storyloom server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running storyloom server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "Show system status, or the status of one job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return showJobStatus(cmd, args[0])
		}
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "storyloom.pid")
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

// parseDuration falls back to def when s is not a valid duration.
func parseDuration(name, s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid "+name+", using default", "value", s, "default", def, "error", err)
		return def
	}
	return d
}

// settingsFromConfig maps the workflow section of the config onto job
// settings, keeping the defaults for fields the config leaves at zero.
func settingsFromConfig(cfg config.Config) workflow.Settings {
	s := workflow.DefaultSettings()
	w := cfg.Workflow
	if w.TotalTargetLength > 0 {
		s.TotalTargetLength = w.TotalTargetLength
	}
	if w.ChapterTargetLength > 0 {
		s.ChapterTargetLength = w.ChapterTargetLength
	}
	if w.ChapterSafetyCap > 0 {
		s.ChapterSafetyCap = w.ChapterSafetyCap
	}
	if w.MaxReviewRounds > 0 {
		s.MaxReviewRounds = w.MaxReviewRounds
	}
	if w.ConsistencyInterval > 0 {
		s.ConsistencyInterval = w.ConsistencyInterval
	}
	if w.CountMode != "" {
		s.CountMode = decision.CountMode(w.CountMode)
	}
	if cfg.Knowledge.TopK > 0 {
		s.KnowledgeTopK = cfg.Knowledge.TopK
	}
	return s
}

// buildGenerator returns the configured backend wrapped in the retry policy.
// The Ollama backend is checked for readiness and pulls its model if needed.
func buildGenerator(ctx context.Context, cfg config.Config, w io.Writer) (generation.Generator, error) {
	var backend generation.Generator
	switch cfg.Generation.Backend {
	case config.BackendOllama:
		eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
		if err != nil {
			return nil, fmt.Errorf("detecting inference engine: %w", err)
		}
		if err := engine.EnsureReady(ctx, eng, cfg.Ollama.Model, w); err != nil {
			return nil, err
		}
		backend = generation.NewOllamaBackend(eng, cfg.Ollama.Model, generationTemperature)
		slog.Info("generation backend ready", "backend", "ollama", "model", cfg.Ollama.Model)
	default:
		backend = generation.NewOpenAIBackend(generation.OpenAIConfig{
			BaseURL:     cfg.Generation.BaseURL,
			APIKey:      cfg.Generation.APIKey,
			Model:       cfg.Generation.Model,
			Timeout:     parseDuration("generation timeout", cfg.Generation.Timeout, 120*time.Second),
			Temperature: generationTemperature,
		})
		slog.Info("generation backend ready", "backend", "openai", "base_url", cfg.Generation.BaseURL, "model", cfg.Generation.Model)
	}
	backoff := parseDuration("generation backoff", cfg.Generation.InitialBackoff, 500*time.Millisecond)
	return generation.WithRetry(backend, cfg.Generation.MaxAttempts, backoff), nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "storyloom version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("storyloom is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("storyloom is already running on port %d", cfg.Server.Port)
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
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	kb, err := knowledge.Open(knowledge.NewFileStore(cfg.Knowledge.Path))
	if err != nil {
		return fmt.Errorf("opening knowledge base: %w", err)
	}
	defer func() {
		if err := kb.Flush(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: saving knowledge base: %v\n", err)
		}
	}()
	slog.Info("knowledge base loaded", "path", cfg.Knowledge.Path, "entries", len(kb.All()))

	gen, err := buildGenerator(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}

	mgr := workflow.NewManager(gen, kb, store, settingsFromConfig(cfg))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Jobs:      mgr,
			Knowledge: kb,
			Imports:   store,
			Token:     apiToken,
		}),
	}

	worker := ingest.NewWorker(store, kb, 500*time.Millisecond)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Jobs: mgr, Knowledge: kb, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "storyloom listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if jobErr := mgr.Shutdown(shutdownCtx); jobErr != nil {
			slog.Warn("jobs did not stop in time", "error", jobErr)
		}
		return err
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
		printError("storyloom is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop storyloom (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to storyloom (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printField("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printField("Server", "running on port %d", cfg.Server.Port)
		} else {
			printField("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printField("Backend", "%s", cfg.Generation.Backend)
	if cfg.Generation.Backend == config.BackendOllama {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
			printField("Ollama", "running at %s", cfg.Ollama.BaseURL)
		} else {
			printField("Ollama", "not running")
		}
		printField("Model", "%s", cfg.Ollama.Model)
	} else {
		printField("Endpoint", "%s", cfg.Generation.BaseURL)
		printField("Model", "%s", cfg.Generation.Model)
	}

	printField("Data dir", "%s", cfg.Storage.DataDir)
	printField("Knowledge", "%s", cfg.Knowledge.Path)
	return nil
}

func showJobStatus(cmd *cobra.Command, session string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(session)+"/status")
	if err != nil {
		return err
	}
	var st map[string]any
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

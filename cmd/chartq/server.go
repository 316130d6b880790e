package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/chartq/chartq/internal/api"
	"github.com/chartq/chartq/internal/assistant"
	"github.com/chartq/chartq/internal/config"
	"github.com/chartq/chartq/internal/events"
	"github.com/chartq/chartq/internal/ingest"
	"github.com/chartq/chartq/internal/query"
	"github.com/chartq/chartq/internal/ratelimit"
	"github.com/chartq/chartq/internal/storage"
	"github.com/chartq/chartq/internal/vectorsync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chartq server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chartq server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chartq system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chartq.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "chartq version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Check for an already-running instance before claiming the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("chartq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("chartq is already running on port %d", cfg.Server.Port)
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

	// Shared limiter: ingestion and querying draw from the same budget.
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.TotalBudget = cfg.RateLimit.TotalBudget
	limiterCfg.SafetyMargin = cfg.RateLimit.SafetyMargin
	limiter := ratelimit.New(limiterCfg)

	svc := assistant.NewClient(cfg.Assistant.BaseURL, cfg.Assistant.APIKey)

	var emitter events.Emitter = events.LogEmitter{}
	if cfg.Events.AMQPURL != "" {
		amqpEmitter, err := events.Dial(cfg.Events.AMQPURL, cfg.Events.QueueName)
		if err != nil {
			return fmt.Errorf("connecting to AMQP broker: %w", err)
		}
		defer amqpEmitter.Close()
		emitter = events.Multi{events.LogEmitter{}, amqpEmitter}
		slog.Info("AMQP event emitter connected", "queue", cfg.Events.QueueName)
	}

	syncer := vectorsync.New(store, svc, limiter)
	queue := ingest.NewQueue(store, syncer, emitter, cfg.Ingest.QueueCapacity)
	resolver := query.New(store, svc, limiter, 0)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Queue:    queue,
		Sync:     syncer,
		Resolver: resolver,
		Emitter:  emitter,
		Token:    cfg.Server.AuthToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Single ingestion worker: uploads for one patient stay ordered.
	go queue.Run(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Resolver: resolver,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "chartq listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
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
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("chartq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop chartq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to chartq (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			var health struct {
				QueueDepth int `json:"queue_depth"`
			}
			if json.NewDecoder(resp.Body).Decode(&health) == nil {
				printStatus("Ingest queue", "%d pending", health.QueueDepth)
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Assistant", "%s", cfg.Assistant.BaseURL)
	if cfg.Events.AMQPURL != "" {
		printStatus("Events", "AMQP queue %s", cfg.Events.QueueName)
	} else {
		printStatus("Events", "log only")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

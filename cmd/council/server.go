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

	"github.com/spf13/cobra"

	"github.com/kalambet/council/internal/api"
	"github.com/kalambet/council/internal/client"
	"github.com/kalambet/council/internal/config"
	"github.com/kalambet/council/internal/enrich"
	"github.com/kalambet/council/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the council server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running council server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show council server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "council.pid")
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
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if err := cfg.RequireServerSecrets(); err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port))
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", addr)
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

	svc := buildServices(cfg, store)
	logCollaborators(svc)

	worker := enrich.NewWorker(store, svc.enricher, cfg.Enrichment.PollIntervalDuration(), svc.metrics)
	go worker.Run(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(svc.appDeps(cfg)),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("council listening", "addr", addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logCollaborators(svc *services) {
	if svc.images == nil {
		slog.Warn("image generation disabled: no image API key")
	}
	if svc.speech == nil {
		slog.Warn("speech-to-text disabled: no STT API key")
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("council is not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping council (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to council (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	c := client.New(cfg.Client.ServerURL, cfg.Client.Token)
	if err := c.Health(ctx); err != nil {
		printStatus("Server", "unreachable at %s", cfg.Client.ServerURL)
	} else {
		printStatus("Server", "running at %s", cfg.Client.ServerURL)
		if cfg.Client.Token != "" {
			if members, err := c.ListCouncil(ctx, true); err == nil {
				printStatus("Active council", "%d of %d", len(members), storage.MaxActiveMembers)
			} else {
				printStatus("Active council", "unavailable (%v)", err)
			}
		}
	}

	printStatus("Generation model", "%s", cfg.LLM.GenerationModel)
	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Environment", "%s", cfg.App.Env)
	return nil
}

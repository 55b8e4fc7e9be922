package main

import (
	"context"
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

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fieldsync/internal/api"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/coordinator"
	"github.com/kalambet/fieldsync/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fieldsync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fieldsync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fieldsync.pid")
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

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "fieldsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("getting API token: %w", err)
	}
	slog.Info("API bearer token available")

	// One daemon per data directory. The lock is also taken by one-shot sync.
	lock, ok, err := tryLock(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	if !ok {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("fieldsync is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		return fmt.Errorf("data directory %s is locked by another process", cfg.Storage.DataDir)
	}
	defer lock.Unlock()

	pidPath := pidFilePath(cfg.Storage.DataDir)
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

	c := newCore(cfg, store)
	c.monitor.OnChange(c.coord.NotifyConnectivity)

	// Health and metrics are unauthenticated; everything else requires the token.
	systemHandler := api.NewSystemHandler(c.coord)
	topRouter := chi.NewRouter()
	topRouter.Handle("/health", systemHandler)
	topRouter.Handle("/metrics", systemHandler)
	topRouter.Mount("/", api.NewAppHandler(api.AppDeps{
		Core:         c.coord,
		Captures:     c.ingest,
		Connectivity: c.monitor,
		Attempts:     store,
		Token:        apiToken,
	}))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           topRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(c.coord.Run(gctx))
	})
	g.Go(func() error {
		c.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.monitor.WatchLinks(gctx)
		return nil
	})
	g.Go(func() error {
		if err := c.inbox.Watch(gctx); err != nil {
			slog.Error("capture inbox disabled", "path", cfg.Capture.InboxDir, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		pruneAttempts(gctx, store, time.Hour)
		return nil
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Core:     c.coord,
			Attempts: store,
			Version:  version,
		})
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
		fmt.Fprintf(os.Stderr, "fieldsync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
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
		printError("fieldsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop fieldsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to fieldsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := healthClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Endpoint", "%s", cfg.Upload.Endpoint)

	if running {
		client, err := newAPIClient()
		if err == nil {
			if resp, err := client.get(ctx, "/status"); err == nil {
				var snap coordinator.Snapshot
				if decodeJSON(resp, &snap) == nil {
					printSnapshot(snap)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printSnapshot(snap coordinator.Snapshot) {
	connected := colorize(colorRed, "offline")
	if snap.Connected {
		connected = colorize(colorGreen, "online")
	}
	printStatus("Network", "%s", connected)
	printStatus("Uploaded", "%s of %s captures", humanize.Comma(int64(snap.TotalUploaded)), humanize.Comma(int64(snap.TotalCaptured)))
	printStatus("Pending", "%d", snap.Pending)
	if snap.Running {
		printStatus("Run", "%s", colorize(colorCyan, "uploading..."))
	}
	if !snap.LastRunAt.IsZero() {
		last := fmt.Sprintf("%s (%s, %d uploaded)", humanize.Time(snap.LastRunAt), snap.LastRunTrigger, snap.LastRunUploaded)
		if snap.LastRunError != "" {
			last += ": " + colorize(colorYellow, snap.LastRunError)
		}
		printStatus("Last run", "%s", last)
	}
	if snap.DroppedTriggers > 0 {
		printStatus("Dropped triggers", "%d", snap.DroppedTriggers)
	}
}

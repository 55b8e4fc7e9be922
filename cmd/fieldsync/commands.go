package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/fieldsync/internal/api"
	"github.com/kalambet/fieldsync/internal/capture"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/coordinator"
	"github.com/kalambet/fieldsync/internal/storage"
)

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Queue a photo for delivery",
	Long: `Queue a JPEG photo with its location for delivery.

The capture is handed to the running daemon. If no daemon is running it is
written straight into the local queue and delivered on the next run.

Examples:
  fieldsync capture --image ./IMG_0042.jpg --lat 48.8566 --lon 2.3522
  fieldsync capture --image ./site.jpg --lat -33.86 --lon 151.21 --time 2026-03-01T10:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")
		ts, _ := cmd.Flags().GetString("time")

		if image == "" {
			return fmt.Errorf("--image is required")
		}
		meta := capture.Metadata{Latitude: lat, Longitude: lon}
		if ts != "" {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return fmt.Errorf("--time must be RFC 3339: %w", err)
			}
			meta.CapturedAt = t
		}
		if err := meta.Validate(); err != nil {
			return err
		}

		id, err := submitCapture(cmd.Context(), image, meta)
		if err != nil {
			return err
		}
		printSuccess("Queued capture %s", id)
		return nil
	},
}

func init() {
	captureCmd.Flags().String("image", "", "path to a JPEG image")
	captureCmd.Flags().Float64("lat", 0, "latitude in degrees")
	captureCmd.Flags().Float64("lon", 0, "longitude in degrees")
	captureCmd.Flags().String("time", "", "capture time (RFC 3339, default now)")
	captureCmd.MarkFlagRequired("lat")
	captureCmd.MarkFlagRequired("lon")
}

func submitCapture(ctx context.Context, imagePath string, meta capture.Metadata) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}

	lock, ok, err := tryLock(cfg.Storage.DataDir)
	if err != nil {
		return "", err
	}
	if !ok {
		client, err := newAPIClient()
		if err != nil {
			return "", err
		}
		return postCapture(ctx, client, imagePath, meta)
	}
	defer lock.Unlock()

	f, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return "", fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	e, err := newCore(cfg, store).ingest.Ingest(ctx, f, meta)
	if err != nil {
		return "", err
	}
	printStep("Daemon not running; capture stored locally")
	return e.ID, nil
}

func postCapture(ctx context.Context, client *apiClient, imagePath string, meta capture.Metadata) (string, error) {
	body, contentType, err := captureForm(imagePath, meta)
	if err != nil {
		return "", err
	}

	resp, err := client.send(ctx, http.MethodPost, "/captures", contentType, body)
	if err != nil {
		return "", err
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

func captureForm(imagePath string, meta capture.Metadata) (*bytes.Buffer, string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", fmt.Errorf("reading image: %w", err)
	}

	fields := map[string]string{
		"latitude":  strconv.FormatFloat(meta.Latitude, 'f', -1, 64),
		"longitude": strconv.FormatFloat(meta.Longitude, 'f', -1, 64),
	}
	if !meta.CapturedAt.IsZero() {
		fields["timestamp"] = meta.CapturedAt.Format(time.RFC3339Nano)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the delivery queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued captures",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, _ := cmd.Flags().GetBool("pending")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if pending {
			q.Set("pending", "true")
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := "/queue"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var entries []api.EntryView
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("The queue is empty.")
			return nil
		}
		fmt.Println(renderQueueTable(entries))
		return nil
	},
}

var queueAttemptsCmd = &cobra.Command{
	Use:   "attempts <id>",
	Short: "Show upload attempts for a capture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/queue/%s/attempts?limit=%d", url.PathEscape(args[0]), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var attempts []api.AttemptView
		if err := decodeJSON(resp, &attempts); err != nil {
			return err
		}

		if len(attempts) == 0 {
			fmt.Println("No attempts recorded.")
			return nil
		}
		fmt.Println(renderAttemptsTable(attempts))
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("pending", false, "only list captures not yet uploaded")
	queueListCmd.Flags().Int("limit", 0, "maximum number of captures to list")
	queueAttemptsCmd.Flags().Int("limit", 20, "maximum number of attempts to list")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAttemptsCmd)
}

func renderQueueTable(entries []api.EntryView) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := "pending"
		if e.Uploaded {
			status = "uploaded"
		}
		rows = append(rows, []string{
			shortID(e.ID),
			humanize.Time(e.CapturedAt),
			fmt.Sprintf("%.5f, %.5f", e.Latitude, e.Longitude),
			strconv.Itoa(e.Attempts),
			status,
		})
	}
	return renderTable(
		[]string{"ID", "Captured", "Location", "Attempts", "Status"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func renderAttemptsTable(attempts []api.AttemptView) string {
	rows := make([][]string, 0, len(attempts))
	for _, a := range attempts {
		result := "failed"
		switch {
		case a.Duplicate:
			result = "duplicate"
		case a.Success:
			result = "ok"
		}
		code := ""
		if a.StatusCode != 0 {
			code = strconv.Itoa(a.StatusCode)
		}
		rows = append(rows, []string{
			a.AttemptedAt.Local().Format(time.DateTime),
			result,
			code,
			a.Error,
		})
	}
	return renderTable(
		[]string{"Time", "Result", "HTTP", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- lifecycle / connectivity ---

var lifecycleCmd = &cobra.Command{
	Use:       "lifecycle <foreground|background>",
	Short:     "Report an app lifecycle change to the daemon",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{coordinator.StateForeground, coordinator.StateBackground},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/lifecycle", map[string]string{"state": args[0]})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Reported %s", args[0])
		return nil
	},
}

var connectivityCmd = &cobra.Command{
	Use:       "connectivity <online|offline>",
	Short:     "Report a network state change to the daemon",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		connected := args[0] == "online"
		resp, err := client.put(cmd.Context(), "/connectivity", map[string]bool{"connected": connected})
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Reported %s", args[0])
		return nil
	},
}

// --- sync ---

var errFetchFailed = errors.New("background fetch failed")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued captures once (for cron, systemd timers or launchd)",
	Long: `Deliver queued captures once within a time budget and print the result:
new_data, no_data or failed. The exit status is 1 only for failed.

If a daemon is running, the run is delegated to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, _ := cmd.Flags().GetDuration("budget")

		result, err := runSync(cmd.Context(), budget)
		if err != nil {
			return err
		}
		fmt.Println(result)
		if result == coordinator.Failed {
			return errFetchFailed
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Duration("budget", 25*time.Second, "wall-clock budget for the run")
}

func runSync(ctx context.Context, budget time.Duration) (coordinator.FetchResult, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	setupLogging(cfg.Log.Level)
	if budget <= 0 {
		budget = cfg.Triggers.Budget()
	}

	lock, ok, err := tryLock(cfg.Storage.DataDir)
	if err != nil {
		return "", err
	}
	if !ok {
		client, err := newAPIClient()
		if err != nil {
			return "", err
		}
		return delegateSync(ctx, client, budget)
	}
	defer lock.Unlock()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return "", fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	c := newCore(cfg, store)
	c.monitor.Set(c.monitor.Probe(runCtx))

	uploaded, err := c.proc.RunOnce(runCtx)
	return coordinator.ResultOf(uploaded, false, err), nil
}

func delegateSync(ctx context.Context, client *apiClient, budget time.Duration) (coordinator.FetchResult, error) {
	resp, err := client.post(ctx, "/background-fetch?budget="+url.QueryEscape(budget.String()), nil)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return coordinator.FetchResult(result["result"]), nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Print(renderConfigTable(config.ShowAll(cfg)))
		return nil
	},
}

func renderConfigTable(keys []config.KeyInfo) string {
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		src := k.Source
		if src == config.SourceEnv {
			src = "env " + k.EnvVar
		}
		rows = append(rows, []string{k.Key, k.Value, src})
	}
	return renderTable(
		[]string{"Key", "Value", "Source"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft},
	)
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. upload.api_token is stored in the platform keychain, everything else in the config file.",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "upload.api_token" {
			printSuccess("Stored %s in keychain", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

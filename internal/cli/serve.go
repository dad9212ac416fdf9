package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/card-selector/internal/api"
	"github.com/SimplyPrint/card-selector/internal/config"
	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/SimplyPrint/card-selector/internal/scenariostore"
	"github.com/SimplyPrint/card-selector/internal/settings"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Schedule string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket agent",
		Long: `Run the local agent. Readers and scenarios are exposed over HTTP under /v1 and
reader events are pushed to WebSocket clients on /v1/ws.

Environment variables:
  CARD_SELECTOR_HOST              Host to bind to (default: 127.0.0.1)
  CARD_SELECTOR_PORT              Port to listen on (default: 32150)
  CARD_SELECTOR_POLL_INTERVAL_MS  Card detection poll interval
  CARD_SELECTOR_SCENARIO_DIR      Scenario store directory
  CARD_SELECTOR_LOG_LEVEL         debug|info|warn|error
  CARD_SELECTOR_SENTRY            1 or 0 to force crash reporting on or off`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.config()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Schedule, "schedule", "", "stored scenario to schedule on every reader at startup (overrides the saved default)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, rootOpts *RootOptions, opts *ServeOptions) error {
	// Initialize logging system
	logging.Init(cfg.LogEntries, logging.ParseLevel(cfg.LogLevel))
	defer logging.Get().Sync()

	userSettings, err := settings.Load()
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}

	if logging.InitSentry(api.Version, userSettings.CrashReporting, cfg.SentryDSN) {
		logging.Info(logging.CatSystem, "Crash reporting enabled", nil)
		defer logging.FlushSentry(2 * time.Second)
	}
	defer logging.RecoverAndLog("main", true)

	logging.Info(logging.CatSystem, "Card selector starting", map[string]any{
		"version":     api.Version,
		"scenarioDir": cfg.ScenarioDir,
	})

	server := api.NewServer(api.Options{
		Store:        scenariostore.New(cfg.ScenarioDir),
		Factory:      rootOpts.factory(),
		PollInterval: cfg.PollInterval.Duration,
	})
	defer server.Close()

	scenario := opts.Schedule
	if scenario == "" {
		scenario = userSettings.DefaultScenario
	}
	if scenario != "" {
		n, err := server.ScheduleAll(scenario)
		if err != nil {
			logging.Error(logging.CatScenario, "Failed to schedule default scenario", map[string]any{
				"scenario": scenario,
				"error":    err.Error(),
			})
		} else {
			log.Printf("Scheduled scenario %q on %d reader(s)\n", scenario, n)
		}
	}

	addr := cfg.Address()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("card-selector %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	logging.Info(logging.CatSystem, "Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	return nil
}

// Package main provides the hifisync daemon entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hifisync/hifisync/internal/api"
	"github.com/hifisync/hifisync/internal/app/engine"
	"github.com/hifisync/hifisync/internal/infra/config"
	"github.com/hifisync/hifisync/internal/infra/logger"
	"github.com/hifisync/hifisync/internal/infra/spotify"
	"github.com/hifisync/hifisync/internal/infra/tidal"
	"github.com/hifisync/hifisync/internal/player"
	"github.com/hifisync/hifisync/internal/store"
)

var (
	app        = kingpin.New("hifisync", "Mirror the source now-playing signal onto a high-fidelity catalog")
	configPath = app.Flag("config", "Path to config file").Default("config/hifisync.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-players command
	listPlayersCmd = app.Command("list-players", "List available player adapters and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the daemon (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Handle list-players command
	if command == listPlayersCmd.FullCommand() {
		printPlayers()
		return
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// Initialize logger from config, overridden by command-line flags
	loggerConfig := logger.Config{
		Output: cfg.Logging.Output,
		Level:  cfg.Logging.Level,
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Config loaded: path=%s", *configPath)

	// Run daemon (defer ensures cleanup is called)
	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Daemon error: %v", err)
		os.Exit(1)
	}
}

// run executes the main daemon logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open override store
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Create source client
	sourceClient, err := spotify.New(ctx, spotify.Config{
		ClientID:     cfg.Source.ClientID,
		ClientSecret: cfg.Source.ClientSecret,
		RefreshToken: cfg.Source.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("failed to create source client: %w", err)
	}

	// Validate source credentials before the watcher starts polling
	if err := validateSource(ctx, sourceClient); err != nil {
		return fmt.Errorf("source validation failed: %w", err)
	}

	// Create catalog client
	catalogClient, err := tidal.New(tidal.Config{
		BaseURL:         cfg.Catalog.BaseURL,
		Token:           cfg.Catalog.Token,
		TokenFile:       cfg.Catalog.TokenFile,
		UserID:          cfg.Catalog.UserID,
		Country:         cfg.Catalog.Country,
		RateLimitPerSec: cfg.Catalog.RateLimitPerSec,
	})
	if err != nil {
		return fmt.Errorf("failed to create catalog client: %w", err)
	}

	// Create player adapter
	adapter, err := player.New(cfg.Player)
	if err != nil {
		return fmt.Errorf("failed to create player adapter: %w", err)
	}

	eng := engine.New(cfg, sourceClient, catalogClient, st, adapter)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	if !cfg.API.Disabled {
		apiServer := api.NewServer(cfg.API, eng)
		g.Go(func() error {
			return apiServer.Run(gctx)
		})
	}

	// Wait for shutdown signal or component failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			zlog.Info().Msgf("Received shutdown signal: %s", sig)
			cancel()
		case <-gctx.Done():
		}
	}()

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	zlog.Info().Msg("Daemon stopped")
	return nil
}

// validateSource validates that the source credentials work.
// It includes retry logic to handle transient errors during startup.
func validateSource(ctx context.Context, client *spotify.Client) error {
	maxRetries := 5
	baseDelay := 1 * time.Second

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			delay := baseDelay * time.Duration(1<<uint(i-1))
			zlog.Info().Msgf("Retrying source validation in %v...", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := client.Validate(ctx); err != nil {
			lastErr = err
			zlog.Warn().Msgf("Failed to validate source (attempt %d/%d): %v", i+1, maxRetries, err)
			continue
		}

		zlog.Info().Msg("Source credentials validated successfully")
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %v", maxRetries, lastErr)
}

// printPlayers prints available player adapters.
func printPlayers() {
	registry := player.GetRegistered()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Available Player Adapters:")
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
}

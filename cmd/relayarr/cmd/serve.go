package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/relayarr/internal/config"
	"github.com/jmylchreest/relayarr/internal/database"
	"github.com/jmylchreest/relayarr/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/relayarr/internal/http"
	"github.com/jmylchreest/relayarr/internal/http/handlers"
	"github.com/jmylchreest/relayarr/internal/httpclient"
	"github.com/jmylchreest/relayarr/internal/ingest"
	"github.com/jmylchreest/relayarr/internal/relay"
	"github.com/jmylchreest/relayarr/internal/repository"
	"github.com/jmylchreest/relayarr/internal/scheduler"
	"github.com/jmylchreest/relayarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relayarr server",
	Long: `Start the relayarr HTTP server.

The server provides:
- The client-facing playlist and live stream endpoints
- REST API for channels, playlist sources, and relay state
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "relayarr.db", "Database DSN")
	serveCmd.Flags().String("data-dir", "data", "Data directory for stream output")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	viper.BindPFlag("storage.data_dir", serveCmd.Flags().Lookup("data-dir"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	channelRepo := repository.NewChannelRepository(db.DB)
	sourceRepo := repository.NewPlaylistSourceRepository(db.DB)

	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.Ingest.HTTPTimeout
	clientCfg.RetryAttempts = cfg.Ingest.RetryAttempts
	clientCfg.Logger = logger
	ingestSvc := ingest.NewService(channelRepo, sourceRepo, httpclient.New(clientCfg), logger)

	runner, err := ffmpeg.NewRunner(ffmpeg.Config{
		BinaryPath:  cfg.FFmpeg.BinaryPath,
		LogLevel:    cfg.FFmpeg.LogLevel,
		HLSTime:     cfg.FFmpeg.HLSTime,
		HLSListSize: cfg.FFmpeg.HLSListSize,
		Reconnect:   cfg.FFmpeg.Reconnect,
		UserAgent:   cfg.FFmpeg.UserAgent,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing ffmpeg runner: %w", err)
	}

	// Without a distributed backend, reference counts stay in-process.
	var counter relay.RefCounter
	if cfg.SharedState.Enabled() {
		counter, err = relay.NewRedisRefCounter(cfg.SharedState.RedisURL, cfg.SharedState.KeyPrefix, cfg.SharedState.TTL)
		if err != nil {
			return fmt.Errorf("initializing shared state: %w", err)
		}
		logger.Info("shared-state backend enabled")
	}

	manager := relay.NewManager(relay.ManagerConfig{
		GraceDelay:        cfg.Relay.GraceDelay,
		MaxStreams:        cfg.Relay.MaxStreams,
		StartTimeout:      cfg.Relay.StartTimeout,
		ClientIdleTimeout: cfg.Relay.ClientIdleTimeout,
		SegmentDir:        cfg.Storage.SegmentPath(),
	}, runner, counter, logger)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("starting relay manager: %w", err)
	}
	defer manager.Stop()

	sched := scheduler.New(manager, ingestSvc, *cfg, logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	server := internalhttp.NewServer(cfg.Server, logger, version.Short())

	handlers.NewHealthHandler(version.Short()).
		WithDB(db).
		WithRelayManager(manager).
		Register(server.API())
	handlers.NewChannelHandler(channelRepo).Register(server.API())
	handlers.NewSourceHandler(sourceRepo, ingestSvc).Register(server.API())
	handlers.NewRelayHandler(manager).Register(server.API())
	handlers.NewLiveHandler(channelRepo, manager, logger).Register(server.Router())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("relayarr starting",
		slog.String("version", version.Short()),
		slog.String("address", cfg.Server.Address()))

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("running server: %w", err)
	}

	logger.Info("relayarr stopped")
	return nil
}

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/monkeyocr/gateway/gateway"
	"github.com/monkeyocr/gateway/gateway/artifact"
	"github.com/monkeyocr/gateway/gateway/server"
	"github.com/monkeyocr/gateway/gateway/trace"
)

var (
	// CLI flags for gateway configs
	configPath        string // Path to the YAML config file
	listenAddr        string // HTTP listen address
	logLevel          string // Log verbosity level
	callbackURL       string // Externally reachable URL of the callback intake
	dispatchTimeoutMS int    // Deadline for a worker callback (ms)
	maxRetryAttempts  int    // Attempt ceiling for the dispatch send leg
	maxInFlight       int    // Admission-control ceiling on pending tickets
	seed              int64  // Seed for the routing draw (0 = wall clock)
	latencyLogPath    string // JSONL latency record file (empty = log only)
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "OCR inference gateway with asynchronous worker dispatch",
}

// serveCmd runs the gateway using parameters from the config file and CLI flags
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := gateway.DefaultConfig()
		if configPath != "" {
			cfg, err = LoadGatewayConfig(configPath)
			if err != nil {
				logrus.Fatalf("unable to read gateway config: %v", err)
			}
		}
		applyFlagOverrides(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("invalid gateway config: %v", err)
		}

		logrus.Infof("Starting gateway on %s with %d pools, timeout=%dms, max_in_flight=%d",
			cfg.Listen, len(cfg.RoutingPools), cfg.DispatchTimeoutMS, cfg.MaxInFlight)

		registry := prometheus.NewRegistry()
		metrics := gateway.NewMetrics(registry)

		store, err := newStore(cmd.Context(), cfg)
		if err != nil {
			logrus.Fatalf("unable to initialize artifact store: %v", err)
		}

		recorder, closeRecorder, err := newRecorder(cfg)
		if err != nil {
			logrus.Fatalf("unable to initialize latency recorder: %v", err)
		}
		defer closeRecorder()

		router := gateway.NewRouter(cfg.RoutingPools, cfg.Seed)
		dispatcher := gateway.NewHTTPDispatcher(nil, cfg.CallbackURL, cfg.MaxRetryAttempts,
			time.Duration(cfg.RetryBaseBackoffMS)*time.Millisecond,
			time.Duration(cfg.RetryMaxBackoffMS)*time.Millisecond, metrics)
		correlator := gateway.NewCorrelator(cfg.MaxInFlight, dispatcher, metrics)
		dispatcher.Bind(correlator)

		srv := server.New(cfg, router, correlator, store, recorder, metrics, registry)
		httpServer := &http.Server{Addr: cfg.Listen, Handler: srv.Handler()}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logrus.Warnf("shutdown: %v", err)
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("gateway server: %v", err)
		}
		logrus.Info("Gateway stopped.")
	},
}

// applyFlagOverrides lets explicitly-set CLI flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *gateway.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenAddr
	}
	if cmd.Flags().Changed("callback-url") {
		cfg.CallbackURL = callbackURL
	}
	if cmd.Flags().Changed("dispatch-timeout-ms") {
		cfg.DispatchTimeoutMS = dispatchTimeoutMS
	}
	if cmd.Flags().Changed("max-retry-attempts") {
		cfg.MaxRetryAttempts = maxRetryAttempts
	}
	if cmd.Flags().Changed("max-in-flight") {
		cfg.MaxInFlight = maxInFlight
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}
	if cmd.Flags().Changed("latency-log") {
		cfg.LatencyLogPath = latencyLogPath
	}
}

func newStore(ctx context.Context, cfg gateway.Config) (artifact.Store, error) {
	switch cfg.Artifact.Backend {
	case "s3":
		return artifact.NewS3Store(ctx, cfg.Artifact.Bucket, cfg.Artifact.Prefix)
	default:
		return artifact.NewMemoryStore(), nil
	}
}

func newRecorder(cfg gateway.Config) (trace.Recorder, func(), error) {
	if cfg.LatencyLogPath == "" {
		return trace.LogRecorder{}, func() {}, nil
	}
	fr, err := trace.NewFileRecorder(cfg.LatencyLogPath)
	if err != nil {
		return nil, nil, err
	}
	return trace.MultiRecorder{trace.LogRecorder{}, fr}, func() { _ = fr.Close() }, nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to gateway YAML config")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":7860", "HTTP listen address")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	serveCmd.Flags().StringVar(&callbackURL, "callback-url", "", "Externally reachable URL of /internal/callback")
	serveCmd.Flags().IntVar(&dispatchTimeoutMS, "dispatch-timeout-ms", 30000, "Deadline for a worker callback in milliseconds")
	serveCmd.Flags().IntVar(&maxRetryAttempts, "max-retry-attempts", 3, "Attempt ceiling for the dispatch send leg")
	serveCmd.Flags().IntVar(&maxInFlight, "max-in-flight", 256, "Admission-control ceiling on pending tickets")
	serveCmd.Flags().Int64Var(&seed, "seed", 0, "Seed for the routing draw (0 derives from wall clock)")
	serveCmd.Flags().StringVar(&latencyLogPath, "latency-log", "", "Append latency records as JSON lines to this file")

	// Attach `serve` as a subcommand to `root`
	rootCmd.AddCommand(serveCmd)
}

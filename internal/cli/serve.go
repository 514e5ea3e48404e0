package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/grantcarthew/wsgate/internal/config"
	"github.com/grantcarthew/wsgate/internal/demo"
	"github.com/grantcarthew/wsgate/internal/hooks"
	"github.com/grantcarthew/wsgate/internal/lifecycle"
	"github.com/grantcarthew/wsgate/internal/server"
)

// shutdownTimeout bounds how long serve waits for connections to close.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo websocket routes",
	Long: `Serve the demo websocket routes until interrupted.

Routes:
  /hello      send "Hello World!" 100 times, then close
  /greet      send one greeting as the final message, then close
  /clock      send {timestamp, text} every interval until the client leaves
  /echo       echo text and binary messages
  /json       echo JSON messages wrapped in {"echo": ...}
  /protocol   echo, only for clients offering the required subprotocol

Configuration is read from --config, or configs/wsgate.yaml when present,
then WSGATE_* environment variables, then flags.

Examples:
  serve                            # localhost:8765
  serve --port 0                   # auto-detect a free port
  serve --host 0.0.0.0 --rate-limit
  serve --config ./wsgate.yaml --debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveConfig    string
	serveHost      string
	servePort      int
	serveStatic    string
	serveRateLimit bool
	serveNoMetrics bool
)

func init() {
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to the YAML config file")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (localhost or 0.0.0.0)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Server port (0 = auto-detect)")
	serveCmd.Flags().StringVar(&serveStatic, "static", "", "Directory served for non-websocket paths")
	serveCmd.Flags().BoolVar(&serveRateLimit, "rate-limit", false, "Enable per-peer connection rate limiting")
	serveCmd.Flags().BoolVar(&serveNoMetrics, "no-metrics", false, "Disable the metrics endpoint")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfig)
	if err != nil {
		return outputError(err.Error())
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("static") {
		cfg.StaticDir = serveStatic
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit.Enabled = serveRateLimit
	}
	if flags.Changed("no-metrics") {
		cfg.Metrics.Enabled = !serveNoMetrics
	}
	if cfg.Debug && !Debug {
		slog.SetDefault(newLogger(os.Stderr, true))
	}

	if err := cfg.Validate(); err != nil {
		return outputError(fmt.Sprintf("invalid config: %v", err))
	}

	srv, err := buildServer(cfg, slog.Default())
	if err != nil {
		return outputError(err.Error())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, srv, cmd.OutOrStdout()); err != nil {
		return outputError(err.Error())
	}
	return nil
}

// buildServer wires the demo routes and the configured hooks into a server.
func buildServer(cfg config.Config, logger *slog.Logger) (*server.Server, error) {
	hookList := []lifecycle.Hook{hooks.AccessLog{Logger: logger}}

	if cfg.RateLimit.Enabled {
		limiter := hooks.NewRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)
		if limiter == nil {
			return nil, fmt.Errorf("invalid rate limit: rps=%v burst=%d", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		}
		hookList = append(hookList, limiter)
	}

	srvCfg := server.Config{
		Host:             cfg.Host,
		Port:             cfg.Port,
		MaxMessageSize:   cfg.MaxMessageSize,
		OriginPatterns:   cfg.OriginPatterns,
		CloseOnViolation: cfg.CloseOnViolation,
		StaticDir:        cfg.StaticDir,
		Logger:           logger,
		Routes: demo.Routes(demo.Options{
			ClockInterval: cfg.Clock.Interval,
			Protocol:      cfg.Protocol.Required,
		}),
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := hooks.NewMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		hookList = append(hookList, m)
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.Gatherer = reg
	}

	srvCfg.Hooks = hookList
	return server.New(srvCfg)
}

// serve starts srv, reports its URL to w and blocks until ctx is done.
func serve(ctx context.Context, srv *server.Server, w io.Writer) error {
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if JSONOutput {
		_ = outputSuccess(w, map[string]any{"url": srv.URL()})
	} else {
		_ = outputSuccess(w, fmt.Sprintf("Serving on %s (Ctrl+C to stop)", srv.URL()))
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		return err
	}
	slog.Debug("server stopped cleanly")
	return nil
}

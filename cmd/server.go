package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/costap/discard/internal/pkg/config"
	"github.com/costap/discard/internal/pkg/server"
	"github.com/costap/discard/internal/pkg/telemetry"
	"github.com/jzelinskie/cobrautil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the discard server",
	Long: `Accepts TCP connections, optionally over TLS, and reads and drops everything
peers send. Nothing is ever written back.

PORT, TLS_ENABLED, TLS_CERT_FILE, TLS_KEY_FILE, HOST, BACKLOG, KEEP_ALIVE and
GRACE_PERIOD set the matching options; flags take precedence.`,
	RunE: serveRun,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	config.RegisterServerFlags(serverCmd.Flags())
	serverCmd.Flags().Bool("metrics", false, "export metrics over OTLP gRPC (configured by OTEL_EXPORTER_OTLP_*)")
}

func serveRun(cmd *cobra.Command, args []string) error {
	logger := newZapLogger(cobrautil.MustGetBool(cmd, "debug"))
	logger.Info("Server is starting...", zap.String("version", GetVersion(false)))

	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}
	logger.Info("configuration loaded",
		zap.String("address", cfg.Address()),
		zap.Bool("tls", cfg.TLSEnabled),
		zap.Int("backlog", cfg.Backlog),
		zap.Duration("grace_period", cfg.GracePeriod))

	if cobrautil.MustGetBool(cmd, "metrics") {
		shutdown, err := telemetry.InitMetrics(cmd.Context(), logger, "discard", GetVersion(false))
		if err != nil {
			logger.Warn("Failed to initialize metrics, continuing without them", zap.Error(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					logger.Error("Failed to shutdown metrics", zap.Error(err))
				}
			}()
		}
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("cannot create server", zap.Error(err))
		return err
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go handleSignals(logger, srv, sigs, cfg.GracePeriod)

	return srv.Run(context.Background())
}

// handleSignals starts a graceful shutdown on the first signal and force
// closes every connection on the second.
func handleSignals(logger *zap.Logger, srv *server.Server, sigs <-chan os.Signal, grace time.Duration) {
	select {
	case sig := <-sigs:
		logger.Info("waiting to shut down gracefully...", zap.Stringer("signal", sig), zap.Duration("grace_period", grace))
		srv.Shutdown(grace)
	case <-srv.Done():
		return
	}

	select {
	case sig := <-sigs:
		logger.Warn("hard exiting, closing all connections", zap.Stringer("signal", sig))
		srv.ForceClose()
	case <-srv.Done():
	}
}

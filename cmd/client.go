package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/costap/discard/internal/pkg/client"
	"github.com/jzelinskie/cobrautil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverAddress = "localhost:8009"
	chunkSize     = 256
	duration      time.Duration
	useTLS        bool
	insecure      bool
	caFile        string
)

// clientCmd represents the client command
var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Send random bytes to a discard server until interrupted",
	RunE:  clientRun,
}

func init() {
	rootCmd.AddCommand(clientCmd)

	clientCmd.Flags().StringVarP(&serverAddress, "server", "s", serverAddress, "server address")
	clientCmd.Flags().IntVar(&chunkSize, "size", chunkSize, "bytes per write")
	clientCmd.Flags().DurationVar(&duration, "duration", duration, "stop after this long (0 runs until interrupted)")
	clientCmd.Flags().BoolVar(&useTLS, "tls", useTLS, "connect over TLS")
	clientCmd.Flags().BoolVar(&insecure, "insecure", insecure, "skip server certificate verification")
	clientCmd.Flags().StringVar(&caFile, "ca", caFile, "PEM file with the CA that signed the server certificate")
}

func clientRun(cmd *cobra.Command, args []string) error {
	log := newZapLogger(cobrautil.MustGetBool(cmd, "debug"))

	tlsConfig, err := loadClientTLSConfig()
	if err != nil {
		log.Error("cannot load TLS configuration", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	h := client.NewConnectionHandler(log, serverAddress, tlsConfig, chunkSize)
	started := time.Now()
	err = h.Run(ctx)

	elapsed := time.Since(started)
	log.Info("client finished",
		zap.String("server", serverAddress),
		zap.Int64("bytes", h.Written()),
		zap.Duration("elapsed", elapsed),
		zap.Float64("mib_per_second", float64(h.Written())/(1<<20)/elapsed.Seconds()))
	return err
}

func loadClientTLSConfig() (*tls.Config, error) {
	if !useTLS {
		return nil, nil
	}

	// #nosec G402 - opt-in for self-signed development servers
	config := &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return config, nil
	}

	// Load certificate of the CA who signed server's certificate
	pemServerCA, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(pemServerCA) {
		return nil, fmt.Errorf("failed to add server CA's certificate from %s", caFile)
	}
	config.RootCAs = certPool
	return config, nil
}

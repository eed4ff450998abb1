package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/glimte/rabbitkit"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	cluster    string
	metrics    string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rabbitkit",
		Short: "Publish, receive and check RabbitMQ clusters",
		Long: `rabbitkit drives the managed connection layer from the command line.
It reads the cluster configuration file, connects lazily and keeps the
connection alive across broker restarts.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "rabbitkit.yaml", "Cluster configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.cluster, "cluster", "", "Cluster to use (defaults to the first configured cluster)")
	rootCmd.PersistentFlags().StringVar(&flags.metrics, "metrics", "none", "Metrics exporter: stdout, prometheus or none")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		newCheckCmd(flags),
		newPublishCmd(flags),
		newListenCmd(flags),
		newServeCmd(flags),
	)
	return rootCmd
}

// session is a client bound to one cluster
type session struct {
	client   *rabbitkit.Client
	cluster  string
	provider *sdkmetric.MeterProvider
}

func (f *globalFlags) open(ctx context.Context) (*session, error) {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	provider, err := newMeterProvider(ctx, f.metrics)
	if err != nil {
		return nil, err
	}

	client, err := rabbitkit.NewClientFromFile(f.configPath,
		rabbitkit.WithLogger(logger),
		rabbitkit.WithMeterProvider(provider),
	)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	cluster := f.cluster
	if cluster == "" {
		clusters := client.Clusters()
		if len(clusters) == 0 {
			_ = provider.Shutdown(ctx)
			return nil, fmt.Errorf("no cluster configured in %s", f.configPath)
		}
		cluster = clusters[0]
	}

	return &session{client: client, cluster: cluster, provider: provider}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.client.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing client: %v\n", err)
	}
	if err := s.provider.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing metrics: %v\n", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

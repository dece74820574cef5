// Command elbusd runs a standalone elbus broker.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitalvas/elbus"
	"github.com/vitalvas/elbus/internal/config"
)

var (
	// CLI flags
	cfgFile   string
	bind      []string
	workers   int
	timeout   time.Duration
	bufSize   int
	queueSize int
	pidFile   string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "elbusd",
	Short: "elbus broker daemon",
	Long: `elbusd runs an elbus broker and serves it on the configured endpoints:
UNIX sockets, TCP, TLS, QUIC, WebSocket and fifo command pipes.

Flags override values from the configuration file.`,
	Version:       elbus.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "configuration file (YAML)")
	flags.StringSliceVarP(&bind, "bind", "B", nil, "endpoint to serve, may be repeated")
	flags.IntVarP(&workers, "workers", "w", 0, "broker worker pool size")
	flags.DurationVarP(&timeout, "timeout", "t", 0, "operation timeout")
	flags.IntVar(&bufSize, "buf-size", 0, "per-connection I/O buffer size")
	flags.IntVar(&queueSize, "queue-size", 0, "per-client delivery queue size")
	flags.StringVar(&pidFile, "pid-file", "", "write the process id to this file")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	cfg.ApplyOverrides(config.OverrideOptions{
		Bind:      bind,
		Workers:   workers,
		Timeout:   timeout,
		BufSize:   bufSize,
		QueueSize: queueSize,
		PidFile:   pidFile,
		LogLevel:  logLevel,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "elbusd: %v\n", err)
		os.Exit(1)
	}
}

// Command iec104ctl is an operator tool for IEC 60870-5-104 controlled stations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arloliu/go-iec104/cs104"
	"github.com/arloliu/go-iec104/logger"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootOptions struct {
	configPath string
	address    string
	logLevel   string
	logFormat  string

	cfg ctlConfig
	log logger.Logger
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "iec104ctl",
		Short: "Monitor and command IEC 60870-5-104 controlled stations",
		Long: `iec104ctl connects to an IEC 60870-5-104 controlled station as the controlling station.

It can monitor the telegram stream of a station, exposing link metrics and a live
websocket feed, or run a station interrogation and print the answer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVarP(&opts.address, "address", "a", "", "station address host:port, overrides the config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log format: json, text, console")

	rootCmd.AddCommand(
		monitorCmd(opts),
		interrogateCmd(opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	level, ok := logger.ParseLevel(o.logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", o.logLevel)
	}

	format := logger.Format(o.logFormat)
	switch format {
	case logger.JSONFormat, logger.TextFormat, logger.ConsoleFormat:
	default:
		return fmt.Errorf("unknown log format %q", o.logFormat)
	}

	o.log = logger.NewSlogWithOptions(logger.SlogOptions{
		Level:  level,
		Format: format,
		Output: cmd.ErrOrStderr(),
	})
	logger.SetLogger(o.log)

	cfg, err := loadCtlConfig(o.configPath)
	if err != nil {
		return err
	}

	if o.address != "" {
		cfg.Address = o.address
	}
	o.cfg = cfg

	return nil
}

// newClient creates a client for the configured station with extra options appended.
func (o *rootOptions) newClient(ctx context.Context, extra ...cs104.ConnOption) (*cs104.Client, *cs104.Reader, error) {
	opts, err := o.cfg.connOptions()
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, cs104.WithLogger(o.log.With("station", o.cfg.Address)))

	cfg, err := cs104.NewConnectionConfig(o.cfg.Address, append(opts, extra...)...)
	if err != nil {
		return nil, nil, err
	}

	return cs104.NewClient(ctx, cfg)
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

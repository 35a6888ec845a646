// Author: momentics <momentics@gmail.com>

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentics/hioload-proxy/control"
	"github.com/momentics/hioload-proxy/internal/logging"
)

var runFlags struct {
	logLevel string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the proxy with the specified configuration.

The proxy stops on SIGINT or SIGTERM: listeners close first, then every
client session and pooled backend connection.`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, err := control.Load(cfgFile)
	if err != nil {
		return err
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
		if err := control.Validate(cfg); err != nil {
			return err
		}
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newServer(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	return s.run(ctx, cfgFile)
}

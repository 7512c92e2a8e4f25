package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crazyfrankie/zhttp/internal/config"
	"github.com/crazyfrankie/zhttp/internal/logger"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "zhttp",
	Short: "Non-blocking HTTP/1.1 and HTTP/2 exchange engine",
	Long: `zhttp runs the exchange engine as an echo server or drives it as a
load generator against any HTTP/1.1 or HTTP/2 endpoint.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./zhttp.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(benchCmd)
}

// setup loads the configuration and installs the logger.
func setup() (*config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	_, cleanup, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cleanup, nil
}

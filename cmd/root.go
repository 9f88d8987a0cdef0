package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lemlab/verifier/cmd/derive"
	"github.com/lemlab/verifier/cmd/push"
	"github.com/lemlab/verifier/cmd/serve"
	"github.com/lemlab/verifier/internal/buildinfo"
	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/logger"
)

// RootCommand creates and returns the root command
func RootCommand(info *buildinfo.Context) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "verifier",
		Short:         "Concrete specimen verification records",
		Version:       info.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml")
	if err := setupFlags(rootCmd); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serve.Command(info),
		derive.Command(),
		push.Command(),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var paths []string
		if configFile != "" {
			paths = append(paths, configFile)
		}
		return initialize(paths)
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return logger.Global().Close()
	}

	return rootCmd
}

// initialize loads settings and sets up the central logger before any
// subcommand runs
func initialize(paths []string) error {
	settings, err := conf.Load(paths...)
	if err != nil {
		return err
	}

	cl, err := logger.NewCentralLogger(settings.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(cl)
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command) error {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("gateway", conf.DefaultGatewayURL, "Record store base URL")

	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("gateway.url", rootCmd.PersistentFlags().Lookup("gateway")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

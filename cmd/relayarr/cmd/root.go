// Package cmd implements the CLI commands for relayarr.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/relayarr/internal/config"
	"github.com/jmylchreest/relayarr/internal/observability"
	"github.com/jmylchreest/relayarr/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "relayarr",
	Short:   "Live-stream relay and channel catalog service",
	Version: version.Short(),
	Long: `relayarr relays live streams to many clients from a single upstream
fetch per stream. It ingests M3U playlist sources into a channel catalog and
serves the channels over HTTP, starting the upstream fetch on first demand
and tearing it down after the last client leaves.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// These flags are not bound to viper; Changed() is checked in
	// initLogging so the priority stays CLI flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.relayarr.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads the config file and environment variables.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/relayarr")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".relayarr")
	}

	viper.SetEnvPrefix("RELAYARR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging builds the default logger from config, with explicit CLI
// flags taking precedence over env and file values.
func initLogging() error {
	logCfg := config.LoggingConfig{
		Level:  viper.GetString("logging.level"),
		Format: viper.GetString("logging.format"),
	}

	flagOverride(rootCmd.PersistentFlags(), "log-level", &logCfg.Level)
	flagOverride(rootCmd.PersistentFlags(), "log-format", &logCfg.Format)

	observability.SetDefault(observability.NewLogger(logCfg))
	return nil
}

// flagOverride copies a flag value into dst only when the flag was set
// explicitly on the command line.
func flagOverride(fs *pflag.FlagSet, name string, dst *string) {
	if f := fs.Lookup(name); f != nil && f.Changed {
		*dst = f.Value.String()
	}
}

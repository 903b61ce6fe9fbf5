package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "GOSSIPD"

// NewRootCmd builds the gossipd command tree: a bare invocation prints
// help, `start` runs the node, `config` dumps the effective configuration.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gossipd",
		Short: "Epidemic gossip node for P2P item propagation",
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultHome := filepath.Join(home, ".gossipd")

	root.PersistentFlags().String("home", defaultHome, "node data directory")
	root.PersistentFlags().String("config", "", "path to a config file (YAML/JSON/TOML)")

	root.AddCommand(startCmd())
	root.AddCommand(configCmd())
	return root
}

func loadViper(cmd *cobra.Command) (*viper.Viper, string, error) {
	homeDir, err := cmd.Flags().GetString("home")
	if err != nil {
		return nil, "", err
	}
	cfgFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindConfigDefaults(v, DefaultConfig(homeDir))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("gossipd: read config %s: %w", cfgFile, err)
		}
	}
	return v, homeDir, nil
}

func newLogger(cfg Config) log.Logger {
	opts := []log.Option{log.LevelOption(parseLevel(cfg.LogLevel))}
	if cfg.LogFormat == "json" {
		opts = append(opts, log.OutputJSONOption())
	}
	return log.NewLogger(os.Stdout, opts...)
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// Package main provides grantd, the grant milestone approval server.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	// glog is only used for fatal start-up errors; keep it on stderr.
	_ = flag.Set("logtostderr", "true")

	v := viper.New()
	rootCmd := &cobra.Command{
		Use:          "grantd",
		Short:        "Grant milestone approval server",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initViper(v, cmd)
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a grantd config file (YAML)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	addDatabaseFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newServeCmd(v),
		newMigrateCmd(v),
		newConfigCmd(v),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initViper binds the command's flags, GRANTD_* variables and the optional
// config file, in increasing order of precedence: file, env, flags.
func initViper(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("GRANTD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	logLevel := slog.LevelInfo
	if v.GetBool("debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: v.GetBool("debug"),
	})))
	return nil
}

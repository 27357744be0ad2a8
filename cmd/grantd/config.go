package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/grantledger/milestones/pkg/grants"
)

// secretKeys are redacted from the config dump.
var secretKeys = map[string]bool{
	"jwt-secret":     true,
	"calendly-token": true,
	"db-dsn":         true,
}

type configDump struct {
	Server map[string]any `yaml:"server"`
	Grants *grants.Config `yaml:"grants"`
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			grantsCfg, err := grants.LoadConfig(v.GetString("grants-config"))
			if err != nil {
				return err
			}
			out, err := renderConfig(v, grantsCfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	// The serve flags are shared so the dump reflects what serve would use.
	cmd.Flags().AddFlagSet(newServeCmd(v).Flags())
	return cmd
}

func renderConfig(v *viper.Viper, grantsCfg *grants.Config) (string, error) {
	keys := v.AllKeys()
	sort.Strings(keys)
	server := make(map[string]any, len(keys))
	for _, k := range keys {
		if k == "config" {
			continue
		}
		val := v.Get(k)
		if secretKeys[k] && v.GetString(k) != "" {
			val = "[redacted]"
		}
		server[k] = val
	}

	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(configDump{Server: server, Grants: grantsCfg}); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return b.String(), nil
}

package cmd

import (
	"github.com/lemindz/discord/cutibot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cfg
		if !showSecrets {
			c = redactConfig(cfg)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	},
}

// redactConfig returns a copy of c with credentials and the database
// connection string replaced
func redactConfig(c *cutibot.Config) *cutibot.Config {
	out := *c
	if out.Database != "" {
		out.Database = redacted
	}
	if c.Model != nil {
		model := *c.Model
		if model.Token != "" {
			model.Token = redacted
		}
		out.Model = &model
	}
	if c.Discord != nil {
		discord := *c.Discord
		if discord.Token != "" {
			discord.Token = redacted
		}
		out.Discord = &discord
	}
	if c.API != nil {
		api := *c.API
		if api.Secret != "" {
			api.Secret = redacted
		}
		out.API = &api
	}
	return &out
}

func init() {
	configCmd.Flags().BoolVar(
		&showSecrets,
		"show-secrets",
		false,
		"Include tokens, secrets and the database connection string",
	)
	rootCmd.AddCommand(configCmd)
}

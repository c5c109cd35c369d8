package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/livequery/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging the config file, LQ_
environment variables and flags. The output can be saved as a config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		out, err := config.Render(cfg, format)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
		return err
	},
}

func init() {
	configShowCmd.Flags().String("format", "toml", "Output format: toml or yaml")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

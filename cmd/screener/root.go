package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/api"
	"github.com/jackzampolin/screener/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "screener",
	Short: "Screen library collections against a topic with LLM classification",
	Long: `Screener classifies the items of a reference library collection against a
research topic and files them into Included, Maybe and Excluded collections.

Classification runs either locally through a worker subprocess or as an
asynchronous OpenAI batch. Delegated batches are tracked across restarts:
the server reconciles them on a timer and writes finished results back.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.screener/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "screener home directory (default: ~/.screener)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		format, err := api.ParseOutputFormat(outputFormat)
		if err != nil {
			return err
		}
		api.SetOutputFormat(format)
		return nil
	}

	rootCmd.AddCommand(versionCmd)
}

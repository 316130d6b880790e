package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "chartq",
	Short: "chartq — patient document Q&A with page-accurate citations",
	Long: `chartq ingests patient medical documents, indexes them into a remote
retrieval-augmented assistant service, and answers questions about a
patient's file set with citations back to source pages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chartq version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chartq version %s\n", version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: $XDG_CONFIG_HOME/chartq/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

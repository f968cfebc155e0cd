package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "maskedctl",
		Short:         "Operate the masked call service",
		Long:          "maskedctl inspects provider configuration, probes providers and looks up or cancels masked call sessions.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to configuration file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInfoCmd(&configPath))
	cmd.AddCommand(newHealthCmd(&configPath))
	cmd.AddCommand(newSessionCmd(&configPath))
	cmd.AddCommand(newCancelCmd(&configPath))
	cmd.AddCommand(newEventsCmd(&configPath))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "maskedctl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func defaultConfigPath() string {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		return v
	}
	return "configs/config.yaml"
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}

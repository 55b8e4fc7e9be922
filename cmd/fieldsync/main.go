package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-tolerant delivery of geotagged photo captures",
	Long: `fieldsync queues geotagged photo captures locally and delivers them to an
upload endpoint whenever the network is reachable. Captures survive restarts
and are retried until the endpoint confirms them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	fd := os.Stderr.Fd()
	noColor = !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", noColor, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(lifecycleCmd)
	rootCmd.AddCommand(connectivityCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

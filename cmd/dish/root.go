package main

import (
	"fmt"
	"os"

	"github.com/ironfang-ltd/go-dish"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dish",
	Short: "Signal transport for distributed cells",
	Long:  `dish runs nodes that exchange Join, Deliver and Leave signals over tcp, quic, websocket or in-process connections.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		return dish.InitLogger(level, format)
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: json or text")
	rootCmd.PersistentFlags().String("name", "dish", "Node name announced to peers")
}

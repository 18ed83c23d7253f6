package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"
)

var (
    configFile string
    verbose    bool
)

func main() {
    rootCmd := &cobra.Command{
        Use:   "meshmon",
        Short: "AREDN mesh SIP proxy and monitoring agent",
        Long:  "A SIP proxy, directory synchroniser, and mesh-network monitoring agent for AREDN-style mesh networks.",
    }

    rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")
    rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

    rootCmd.AddCommand(
        createServeCommand(),
        createStatusCommand(),
        createDirectoryCommand(),
        createProbeCommand(),
        createAgentsCommand(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

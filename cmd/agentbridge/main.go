package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "Agent Bridge, an access gateway for AI agents",
	Long:  "Agent Bridge sits between AI agents and a host application's functions, authenticating agents, enforcing per-function permissions and hourly quotas, and recording an audit trail of every call.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/agentbridge.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

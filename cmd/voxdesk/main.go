package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "voxdesk",
	Short: "Voxdesk, a multi-tenant voice and chat assistant backend",
	Long: "Voxdesk runs tenant-configured assistants that answer users through an LLM, " +
		"call the tenant's own HTTP APIs as tools, and bill every model, speech and tool action in credits.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (defaults and env vars apply without one)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

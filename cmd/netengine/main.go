package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qforce/netengine/internal/client"
	"github.com/qforce/netengine/internal/config"
	"github.com/qforce/netengine/internal/events"
)

var rootCmd = &cobra.Command{
	Use:   "netengine",
	Short: "Queue-managed HTTP operations against an authenticated origin",
	Long: `Netengine runs HTTP operations through a managed queue with
deduplication, connectivity-aware concurrency, retry, and encrypted
downloads.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initClient()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			_ = apiClient.Close()
		}
	},
}

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func initClient() error {
	loader := config.NewLoader(cfgFile)
	loaded, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = loaded

	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	return nil
}

func printSuccess(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

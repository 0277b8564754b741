package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"citekit/api/internal/bibliography"
	"citekit/api/internal/config"
	"citekit/api/internal/zotero"
)

var (
	flagServer      string
	flagDoc         string
	flagCollections []string
	flagTimeout     time.Duration
	flagJSON        bool
	flagLogLevel    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "citectl",
	Short:         "Inspect a Zotero library the way the citation service sees it",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8790", "library server base URL")
	rootCmd.PersistentFlags().StringVar(&flagDoc, "doc", "", "document path sent with each request")
	rootCmd.PersistentFlags().StringSliceVar(&flagCollections, "collection", nil, "root collection to use (repeatable; default all)")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "library server request timeout")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON instead of text")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "error", "log level: debug|info|warn|error")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(completeCmd)
}

// newSyncProvider builds a provider against --server.
func newSyncProvider() (*bibliography.SyncProvider, *zap.Logger, error) {
	logger, err := config.NewLogger(flagLogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("logger setup: %w", err)
	}
	client := zotero.NewClient(flagServer, flagTimeout, logger.Named("zotero"))
	return bibliography.NewSyncProvider(client, bibliography.WithLogger(logger)), logger, nil
}

func documentContext() bibliography.DocumentContext {
	return bibliography.DocumentContext{ID: flagDoc, Path: flagDoc}
}

func directive() bibliography.Directive {
	if len(flagCollections) == 0 {
		return bibliography.EnabledAll
	}
	return bibliography.Named(flagCollections...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

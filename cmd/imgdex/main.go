package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/storage"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "imgdex",
	Short:   "Local image similarity search and near-duplicate detection",
	Version: version,
	Long: `imgdex catalogs image files, embeds them through an embedding server,
and answers similarity and duplicate queries from an exact local index.

Typical flow:
  imgdex init
  imgdex scan ~/Pictures
  imgdex process
  imgdex build-index
  imgdex search ~/Pictures/cat.jpg
  imgdex deduplicate --threshold 0.95`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		noColor, _ = cmd.Flags().GetBool("no-color")
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	cobra.OnInitialize(loadDotEnv)

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (overrides storage.data_dir)")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(resetFailedCmd)
	rootCmd.AddCommand(buildIndexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(deduplicateCmd)
	rootCmd.AddCommand(benchmarkCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// loadDotEnv reads .env from the working directory, if present. Variables
// already set in the environment win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%s", describeError(err))
		os.Exit(1)
	}
}

// describeError turns state errors into a hint for the next command to run.
func describeError(err error) string {
	switch {
	case errors.Is(err, index.ErrNoIndex):
		return "no index found; run `imgdex build-index` first"
	case errors.Is(err, index.ErrEmpty):
		return "no features stored; run `imgdex scan <dir>` and `imgdex process` first"
	case errors.Is(err, index.ErrIncompleteSnapshot):
		return fmt.Sprintf("%v; rebuild with `imgdex build-index`", err)
	case errors.Is(err, index.ErrDimensionMismatch):
		return fmt.Sprintf("%v; check embedding.dim against the embedding model", err)
	case errors.Is(err, storage.ErrCorrupt):
		return fmt.Sprintf("stored data is corrupt: %v", err)
	default:
		return err.Error()
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raaihank/sam2-worker/internal/app"
	"github.com/raaihank/sam2-worker/internal/config"
	"github.com/raaihank/sam2-worker/internal/logger"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "samctl",
		Short:         "Operate sam2-worker pipelines offline",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at the configured level instead of errors only")

	replayCmd := &cobra.Command{
		Use:     "replay",
		Short:   "Replay a recorded click dataset through an in-process pipeline",
		Args:    cobra.NoArgs,
		PreRunE: checkReplaySource,
		RunE:    ReplayHandler,
	}
	replayCmd.Flags().String("dataset", "", "Click dataset (.csv, .json, .jsonl or .parquet)")
	replayCmd.Flags().String("image", "", "Image sent to the encoding service")
	replayCmd.Flags().String("embeddings", "", "Precomputed embeddings JSON")
	replayCmd.Flags().Bool("feed-mask", false, "Feed the best mask of each step back as the next prior")
	replayCmd.Flags().Bool("json", false, "Print the report as JSON")
	replayCmd.MarkFlagRequired("dataset")
	replayCmd.MarkFlagsMutuallyExclusive("image", "embeddings")

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the decoder model into the configured cache",
		Args:  cobra.NoArgs,
		RunE:  FetchHandler,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "samctl %s (commit: %s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(replayCmd, fetchCmd, versionCmd)
	return rootCmd
}

// setup loads configuration and builds the shared services.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, *app.Services, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		cfg.Logging.Level = "error"
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	services, err := app.New(cfg, log, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, services, nil
}

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/raaihank/sam2-worker/internal/replay"
)

func checkReplaySource(cmd *cobra.Command, args []string) error {
	image, _ := cmd.Flags().GetString("image")
	embeddings, _ := cmd.Flags().GetString("embeddings")
	if image == "" && embeddings == "" {
		return fmt.Errorf("one of --image or --embeddings is required")
	}
	return nil
}

// ReplayHandler runs samctl replay.
func ReplayHandler(cmd *cobra.Command, args []string) error {
	datasetPath, _ := cmd.Flags().GetString("dataset")
	imagePath, _ := cmd.Flags().GetString("image")
	embeddingsPath, _ := cmd.Flags().GetString("embeddings")
	feedMask, _ := cmd.Flags().GetBool("feed-mask")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, log, services, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer services.Close()

	loader := replay.NewLoader(nil, log.WithComponent("replay").Logger)
	ds, err := loader.LoadDataset(datasetPath)
	if err != nil {
		return err
	}

	var src replay.Source
	if embeddingsPath != "" {
		if src.Embeddings, err = loader.LoadEmbeddings(embeddingsPath); err != nil {
			return err
		}
	} else {
		if src.Image, src.ContentType, err = loader.LoadImage(imagePath); err != nil {
			return err
		}
	}

	runner := replay.NewRunner(services.WorkerOptions(cfg), replay.Config{FeedMask: feedMask}, log.WithComponent("replay").Logger)
	report, err := runner.Run(cmd.Context(), src, replay.Steps(ds.Clicks))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	renderReport(out, report, ds.Skipped)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d steps failed", report.Failed, len(report.Steps))
	}
	return nil
}

func renderReport(w io.Writer, report *replay.Report, skipped int) {
	var data [][]string
	for _, s := range report.Steps {
		best, score := "-", "-"
		if s.Best >= 0 {
			best = strconv.Itoa(s.Best)
			score = strconv.FormatFloat(float64(s.BestScore), 'f', 4, 32)
		}
		status := "ok"
		if s.Error != "" {
			status = s.Error
		}
		data = append(data, []string{
			strconv.FormatInt(s.Step, 10),
			strconv.Itoa(s.Points),
			strconv.FormatBool(s.MaskPrior),
			strconv.Itoa(s.Candidates),
			best,
			score,
			strconv.FormatFloat(s.DurationMs, 'f', 2, 64),
			status,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STEP", "POINTS", "PRIOR", "MASKS", "BEST", "SCORE", "MS", "STATUS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\nrun %s on %s: %d steps, %d failed, %d clicks skipped, %s\n",
		report.RunID, report.Backend, len(report.Steps), report.Failed, skipped, report.Duration.Round(1e6))
}

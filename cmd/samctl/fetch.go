package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/raaihank/sam2-worker/internal/modelfetch"
)

// FetchHandler runs samctl fetch.
func FetchHandler(cmd *cobra.Command, args []string) error {
	cfg, log, services, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer services.Close()

	model, err := services.Models.Fetch(cmd.Context())
	if err != nil {
		return err
	}
	renderModel(cmd.OutOrStdout(), model, cfg.Model.URL, cfg.Cache.Type)
	return nil
}

func renderModel(w io.Writer, m *modelfetch.Model, url, cacheType string) {
	source := "network"
	if m.FromCache {
		source = "cache"
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KEY", "SIZE", "SOURCE", "CACHE", "TIME"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.Append([]string{m.Key, humanBytes(int64(len(m.Data))), source, cacheType, m.Duration.Round(1e6).String()})
	table.Render()

	fmt.Fprintf(w, "\nfrom %s\n", url)
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

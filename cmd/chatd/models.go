package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"chatd/internal/registry"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))

func newModelsCmd(opts *rootOptions) *cobra.Command {
	var (
		dir    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model artifacts in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.ResolvedModelsDir()
			}
			models, err := registry.LoadDir(dir)
			if err != nil {
				return fmt.Errorf("failed to load models: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}
			if len(models) == 0 {
				fmt.Fprintf(out, "No model artifacts in %s\n", dir)
				return nil
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Models in %s", dir)))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFORMAT\tSIZE\tTOKENIZER")
			for _, m := range models {
				tok := "-"
				if m.HasTokenizer {
					tok = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Format, formatBytes(m.SizeBytes), tok)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to scan (defaults to models_dir or the MODEL_PATH directory)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

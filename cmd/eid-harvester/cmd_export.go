package main

import (
	"fmt"

	"github.com/Sternrassler/eid-harvester/pkg/export"
	"github.com/spf13/cobra"
)

var exportOutput string

// exportCmd converts downloaded documents to CSV
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Flatten downloaded documents into CSV",
	Long: `Write one <index>_<eid>_tka.csv per downloaded document plus a
_summary.csv with title, keywords, abstract and a remark on missing fields.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output directory (overrides export.output_dir)")
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportOutput != "" {
		cfg.Export.OutputDir = exportOutput
	}
	e, err := export.New(export.Config{
		InputDir:  cfg.Run.OutputDir,
		OutputDir: cfg.Export.OutputDir,
	})
	if err != nil {
		return err
	}
	report, err := e.Run()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d documents (%d skipped) to %s\n",
		report.Exported, report.Skipped, report.Summary)
	return nil
}

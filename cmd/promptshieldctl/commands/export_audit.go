package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewExportAuditCommand dumps the in-process audit log to stdout or a
// file, in JSON (with its integrity summary) or CSV.
func NewExportAuditCommand() *cobra.Command {
	var format, outPath string

	cmd := &cobra.Command{
		Use:   "export-audit",
		Short: "Export the audit log",
		Long:  "Export the hash-chained audit log as JSON (with an integrity summary) or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipeline == nil {
				return fmt.Errorf("no pipeline configured")
			}
			log := pipeline.AuditLog()

			var out []byte
			switch format {
			case "json":
				data, err := log.ExportJSON()
				if err != nil {
					return fmt.Errorf("exporting audit log: %w", err)
				}
				out = data
			case "csv":
				data, err := log.ExportCSV()
				if err != nil {
					return fmt.Errorf("exporting audit log: %w", err)
				}
				out = []byte(data)
			default:
				return fmt.Errorf("unknown format %q, want json or csv", format)
			}

			if outPath == "" {
				_, err := os.Stdout.Write(out)
				return err
			}
			return os.WriteFile(outPath, out, 0o644)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format: json or csv")
	cmd.Flags().StringVar(&outPath, "out", "", "output file path (default stdout)")

	return cmd
}

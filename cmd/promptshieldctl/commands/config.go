// Package commands holds the promptshieldctl subcommands, sharing a
// single injected *shield.Pipeline plus an output-format flag every
// subcommand reads.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/amerfu/promptshield/internal/core/shield"
)

var (
	pipeline   *shield.Pipeline
	outputJSON bool
)

// SetPipeline injects the configured pipeline every subcommand operates on.
func SetPipeline(p *shield.Pipeline) {
	pipeline = p
}

// SetOutputJSON sets the output format preference.
func SetOutputJSON(v bool) {
	outputJSON = v
}

// Pipeline returns the injected pipeline, or nil if none was configured.
func Pipeline() *shield.Pipeline {
	return pipeline
}

// OutputJSONRequested reports whether JSON output was requested.
func OutputJSONRequested() bool {
	return outputJSON
}

// OutputJSON prints data as indented JSON.
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

// OutputTable prints a simple tab-aligned table, or JSON when
// OutputJSONRequested() is true.
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, h)
	}
	fmt.Fprintln(w)
	for i := range headers {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, "---")
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, cell)
		}
		fmt.Fprintln(w)
	}
	w.Flush()
}

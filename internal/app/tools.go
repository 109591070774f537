package app

import (
	"fmt"
	"io"

	"github.com/your-org/linetrace/internal/audit"
	"github.com/your-org/linetrace/internal/trace"
)

// DebugTrace compares two recorded flows step by step.
func DebugTrace(expectedPath string, actualPath string, out io.Writer) error {
	expected, err := trace.LoadFromFile(expectedPath)
	if err != nil {
		return err
	}
	actual, err := trace.LoadFromFile(actualPath)
	if err != nil {
		return err
	}
	div := trace.Compare(expected, actual)
	_, _ = fmt.Fprintln(out, trace.FormatDivergence(div))
	if len(div) > 0 {
		return fmt.Errorf("trace divergence found: %d issue(s)", len(div))
	}
	return nil
}

// ExportAudit converts a JSONL audit log to CSV.
func ExportAudit(inputPath, outputPath string, out io.Writer) error {
	if err := audit.ExportJSONLToCSV(inputPath, outputPath); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "audit export complete: %s -> %s\n", inputPath, outputPath)
	return nil
}

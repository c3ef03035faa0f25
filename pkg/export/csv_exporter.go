package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Dataset is a table plus optional key/value lines printed above it.
type Dataset struct {
	Title   string
	Summary []Field
	Headers []string
	Rows    [][]string
	// Widths are relative column weights for paged output; equal widths when empty.
	Widths []float64
}

// Field is one summary line.
type Field struct {
	Label string
	Value string
}

func (d Dataset) validate() error {
	if len(d.Headers) == 0 {
		return fmt.Errorf("dataset requires at least one header")
	}
	for i, row := range d.Rows {
		if len(row) != len(d.Headers) {
			return fmt.Errorf("row %d has %d columns, want %d", i, len(row), len(d.Headers))
		}
	}
	return nil
}

// CSVExporter renders datasets as CSV. Summary fields become leading two-column records
// separated from the table by an empty record.
type CSVExporter struct{}

// NewCSVExporter builds a CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Render produces CSV encoded bytes for the dataset.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if err := data.validate(); err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	for _, f := range data.Summary {
		if err := writer.Write([]string{f.Label, f.Value}); err != nil {
			return nil, fmt.Errorf("write csv summary: %w", err)
		}
	}
	if len(data.Summary) > 0 {
		if err := writer.Write([]string{"", ""}); err != nil {
			return nil, fmt.Errorf("write csv separator: %w", err)
		}
	}
	if err := writer.Write(data.Headers); err != nil {
		return nil, fmt.Errorf("write csv headers: %w", err)
	}
	if err := writer.WriteAll(data.Rows); err != nil {
		return nil, fmt.Errorf("write csv rows: %w", err)
	}
	return buf.Bytes(), nil
}

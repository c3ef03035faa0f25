package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

const (
	pageWidth  = 277.0 // A4 landscape minus margins
	lineHeight = 6.0
)

// PDFExporter renders datasets into a landscape table with a summary block.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates the PDF. Header cells repeat on every page.
func (e *PDFExporter) Render(data Dataset) ([]byte, error) {
	if err := data.validate(); err != nil {
		return nil, err
	}
	widths := columnWidths(data)

	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 12, 10)
	pdf.SetAutoPageBreak(true, 12)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	header := func() {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		for i, h := range data.Headers {
			pdf.CellFormat(widths[i], lineHeight+1, tr(h), "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 8)
	}

	pdf.AddPage()
	if data.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, tr(data.Title), "", 1, "L", false, 0, "")
	}
	if len(data.Summary) > 0 {
		pdf.SetFont("Arial", "", 10)
		for _, f := range data.Summary {
			pdf.CellFormat(45, lineHeight, tr(f.Label), "", 0, "L", false, 0, "")
			pdf.CellFormat(0, lineHeight, tr(f.Value), "", 1, "L", false, 0, "")
		}
		pdf.Ln(4)
	}

	header()
	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for _, row := range data.Rows {
		if pdf.GetY()+lineHeight > pageHeight-bottom {
			pdf.AddPage()
			header()
		}
		for i, value := range row {
			pdf.CellFormat(widths[i], lineHeight, tr(fit(pdf, value, widths[i])), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func columnWidths(data Dataset) []float64 {
	widths := make([]float64, len(data.Headers))
	if len(data.Widths) != len(data.Headers) {
		for i := range widths {
			widths[i] = pageWidth / float64(len(widths))
		}
		return widths
	}
	var total float64
	for _, w := range data.Widths {
		total += w
	}
	for i, w := range data.Widths {
		widths[i] = pageWidth * w / total
	}
	return widths
}

// fit truncates value so it stays inside a cell of width w.
func fit(pdf *gofpdf.Fpdf, value string, w float64) string {
	limit := w - 2
	if pdf.GetStringWidth(value) <= limit {
		return value
	}
	runes := []rune(value)
	for len(runes) > 0 && pdf.GetStringWidth(string(runes)+"...") > limit {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}

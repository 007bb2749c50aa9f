package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

const (
	pdfPageWidth  = 277.0
	pdfLineHeight = 5.0
)

// PDFExporter renders datasets into a landscape tabular PDF. Long cells wrap.
type PDFExporter struct {
	widths map[string]float64
}

// NewPDFExporter constructs a PDF exporter. widths assigns relative column
// weights by header; unknown headers weigh 1.
func NewPDFExporter(widths map[string]float64) *PDFExporter {
	return &PDFExporter{widths: widths}
}

// ContentType is the MIME type of the rendered output.
func (e *PDFExporter) ContentType() string { return "application/pdf" }

// Extension is the file suffix of the rendered output.
func (e *PDFExporter) Extension() string { return "pdf" }

// Render creates the document with the dataset title, subtitle lines and table.
func (e *PDFExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 12, 10)
	pdf.SetAutoPageBreak(true, 12)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	if data.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 9, tr(data.Title), "", 1, "L", false, 0, "")
	}
	if len(data.Subtitle) > 0 {
		pdf.SetFont("Arial", "", 9)
		for _, line := range data.Subtitle {
			pdf.CellFormat(0, pdfLineHeight, tr(line), "", 1, "L", false, 0, "")
		}
		pdf.Ln(3)
	}

	cols := e.columnWidths(data.Headers)
	header := func() {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		for i, h := range data.Headers {
			pdf.CellFormat(cols[i], 7, tr(h), "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 8)
	}
	header()

	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for _, row := range data.Rows {
		lines := make([][]string, len(data.Headers))
		height := pdfLineHeight
		for i, h := range data.Headers {
			lines[i] = pdf.SplitText(tr(row[h]), cols[i]-2)
			if len(lines[i]) == 0 {
				lines[i] = []string{""}
			}
			if cell := float64(len(lines[i])) * pdfLineHeight; cell > height {
				height = cell
			}
		}
		if pdf.GetY()+height > pageHeight-bottom {
			pdf.AddPage()
			header()
		}
		x, y := pdf.GetXY()
		for i := range data.Headers {
			pdf.Rect(x, y, cols[i], height, "D")
			for j, line := range lines[i] {
				pdf.SetXY(x+1, y+float64(j)*pdfLineHeight)
				pdf.CellFormat(cols[i]-2, pdfLineHeight, line, "", 0, "L", false, 0, "")
			}
			x += cols[i]
		}
		pdf.SetXY(10, y+height)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *PDFExporter) columnWidths(headers []string) []float64 {
	weights := make([]float64, len(headers))
	total := 0.0
	for i, h := range headers {
		w := 1.0
		if e != nil && e.widths != nil {
			if custom, ok := e.widths[h]; ok && custom > 0 {
				w = custom
			}
		}
		weights[i] = w
		total += w
	}
	for i := range weights {
		weights[i] = pdfPageWidth * weights[i] / total
	}
	return weights
}

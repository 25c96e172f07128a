package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/a429gate/internal/rules"
	"example.com/a429gate/internal/stats"
)

// PDFOptions selects the language and the optional extras of the
// rendered acceptance document.
type PDFOptions struct {
	Language Language
	// Stats embeds a capture statistics section when set.
	Stats *stats.CaptureStats
	// DigestQR is a manifest digest rendered as a QR code under the
	// findings, so a printed report can be matched to its artifact set.
	DigestQR string
}

// pdfDoc bundles the document with its locale helpers. enc maps UTF-8
// locale strings onto the code page the core fonts render.
type pdfDoc struct {
	pdf *gofpdf.Fpdf
	tr  Translator
	enc func(string) string
}

func (d *pdfDoc) label(key string) string {
	return d.enc(d.tr.T(key))
}

// SaveAcceptancePDF renders the given acceptance report into a PDF document.
func SaveAcceptancePDF(rep rules.AcceptanceReport, out string, opts PDFOptions) error {
	tr := NewTranslator(opts.Language)
	pdf := gofpdf.New("P", "mm", "A4", "")
	doc := &pdfDoc{
		pdf: pdf,
		tr:  tr,
		enc: pdf.UnicodeTranslatorFromDescriptor(codePageFor(tr.Lang())),
	}
	pdf.SetTitle(tr.T("report.title"), true)
	pdf.SetAuthor("a429ctl", false)
	pdf.SetCreator("a429ctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(doc)
	addSummarySection(doc, rep)
	if opts.Stats != nil {
		addStatsSection(doc, opts.Stats)
	}
	addGateMatrixSection(doc, rep.GateMatrix)
	addFindingsSection(doc, rep.Findings)
	if opts.DigestQR != "" {
		if err := addDigestFooter(doc, opts.DigestQR); err != nil {
			return err
		}
	}

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

// codePageFor picks the code page for the unicode translator. The
// Turkish locale needs cp1254 for the dotless i.
func codePageFor(lang Language) string {
	if lang == LangTurkish {
		return "cp1254"
	}
	return ""
}

func addPDFTitle(doc *pdfDoc) {
	doc.pdf.SetFont("Helvetica", "B", 18)
	doc.pdf.Cell(0, 10, doc.label("report.title"))
	doc.pdf.Ln(12)
}

func addSummarySection(doc *pdfDoc, rep rules.AcceptanceReport) {
	pdf := doc.pdf
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, doc.label("summary.heading"))
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: doc.label("summary.total"), value: strconv.Itoa(rep.Summary.Total)},
		{label: doc.label("summary.errors"), value: strconv.Itoa(rep.Summary.Errors)},
		{label: doc.label("summary.warnings"), value: strconv.Itoa(rep.Summary.Warnings)},
		{label: doc.label("summary.overall"), value: doc.passLabel(rep.Summary.Pass)},
	}
	for _, item := range items {
		pdf.CellFormat(60, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addStatsSection(doc *pdfDoc, cs *stats.CaptureStats) {
	pdf := doc.pdf
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, doc.label("stats.heading"))
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: doc.label("stats.blocks"), value: strconv.Itoa(cs.Blocks)},
		{label: doc.label("stats.words"), value: strconv.Itoa(cs.Words)},
		{label: doc.label("stats.resyncs"), value: strconv.Itoa(cs.Resyncs)},
		{label: doc.label("stats.parityFlagged"), value: strconv.Itoa(cs.ParityFlagged)},
		{label: doc.label("stats.parityInvalid"), value: strconv.Itoa(cs.ParityInvalid)},
		{label: doc.label("stats.formatErrors"), value: strconv.Itoa(cs.FormatErrors)},
	}
	for _, item := range items {
		pdf.CellFormat(60, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	if cs.Gap.Count > 0 {
		pdf.SetFont("Helvetica", "", 10)
		line := doc.tr.Format("stats.gap", cs.Gap.MeanUs, cs.Gap.MedianUs, cs.Gap.P95Us, cs.Gap.MaxUs)
		pdf.MultiCell(0, 5, doc.enc(line), "", "L", false)
	}
	pdf.SetFont("Helvetica", "", 9)
	for _, ch := range cs.Channels {
		line := doc.tr.Format("stats.channel", ch.ChannelID, ch.Blocks, ch.Words, ch.HighWords, ch.LowWords)
		pdf.MultiCell(0, 4, doc.enc(line), "", "L", false)
	}
	pdf.Ln(4)
}

func addGateMatrixSection(doc *pdfDoc, rows []map[string]any) {
	pdf := doc.pdf
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, doc.label("matrix.heading"))
	pdf.Ln(9)

	headers := []string{
		doc.label("matrix.rule"),
		doc.label("matrix.name"),
		doc.label("matrix.status"),
		doc.label("matrix.fix"),
	}
	widths := []float64{36, 92, 32, 20}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		status := mapString(row, "status")
		if status == "" {
			status = "skipped"
		}
		fix := "-"
		if applied, _ := row["fixApplied"].(bool); applied {
			fix = doc.label("fix.applied")
		}
		values := []string{
			mapString(row, "ruleId"),
			emptyFallback(mapString(row, "name"), "-"),
			doc.label("status." + status),
			fix,
		}
		renderTableRow(pdf, widths, values, 5.0)
	}
	pdf.Ln(4)
}

func addFindingsSection(doc *pdfDoc, findings []rules.Diagnostic) {
	pdf := doc.pdf
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, doc.label("findings.heading"))
	pdf.Ln(9)

	if len(findings) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, doc.label("findings.none"), "", "L", false)
		return
	}

	for i, d := range findings {
		pdf.SetFont("Helvetica", "B", 10)
		header := fmt.Sprintf("%d. %s (%s)", i+1, d.RuleId, severityLabel(d.Severity))
		pdf.MultiCell(0, 5, doc.enc(header), "", "L", false)

		if msg := strings.TrimSpace(d.Message); msg != "" {
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, doc.enc(msg), "", "L", false)
		}

		if meta := doc.findingMetadata(d); meta != "" {
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4, doc.enc(meta), "", "L", false)
		}

		if len(d.Refs) > 0 {
			pdf.SetFont("Helvetica", "", 9)
			refs := doc.tr.T("findings.refs") + ": " + strings.Join(d.Refs, ", ")
			pdf.MultiCell(0, 4, doc.enc(refs), "", "L", false)
		}

		pdf.Ln(2)
	}
}

// addDigestFooter draws the QR code of the manifest digest with the hex
// digest printed beside it.
func addDigestFooter(doc *pdfDoc, digest string) error {
	png, err := DigestToQR(digest, 256)
	if err != nil {
		return err
	}
	pdf := doc.pdf
	imgOpts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("manifest-digest", imgOpts, bytes.NewReader(png))

	pdf.Ln(4)
	_, pageH := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	y := pdf.GetY()
	const side = 24.0
	if y+side+6 > pageH-bottom {
		pdf.AddPage()
		y = pdf.GetY()
	}
	pdf.ImageOptions("manifest-digest", 15, y, side, side, false, imgOpts, 0, "")
	pdf.SetXY(15+side+4, y+side/2-4)
	pdf.SetFont("Helvetica", "", 8)
	pdf.MultiCell(0, 4, doc.enc(doc.tr.Format("report.digest", digest)), "", "L", false)
	pdf.SetY(y + side + 2)
	return nil
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		cellText := strings.Join(lines, "\n")
		pdf.MultiCell(widths[i], lineHeight, cellText, "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func (d *pdfDoc) passLabel(pass bool) string {
	if pass {
		return d.label("summary.pass")
	}
	return d.label("summary.fail")
}

func severityLabel(sev rules.Severity) string {
	if s := strings.TrimSpace(string(sev)); s != "" {
		return s
	}
	return "UNKNOWN"
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

func mapString(row map[string]any, key string) string {
	if s, ok := row[key].(string); ok {
		return s
	}
	return ""
}

func (d *pdfDoc) findingMetadata(diag rules.Diagnostic) string {
	parts := make([]string, 0, 6)
	if !diag.Ts.IsZero() {
		parts = append(parts, diag.Ts.Format(time.RFC3339))
	}
	if diag.File != "" {
		parts = append(parts, diag.File)
	}
	if diag.ChannelId != nil {
		parts = append(parts, d.tr.Format("findings.channel", *diag.ChannelId))
	}
	if diag.BlockIndex != 0 {
		parts = append(parts, d.tr.Format("findings.block", diag.BlockIndex))
	}
	if diag.Offset != "" {
		parts = append(parts, d.tr.Format("findings.offset", diag.Offset))
	}
	if diag.TimestampUs != nil {
		parts = append(parts, d.tr.Format("findings.timestamp", *diag.TimestampUs))
	}
	if diag.TimestampSource != nil && *diag.TimestampSource != "" {
		parts = append(parts, d.tr.Format("findings.source", *diag.TimestampSource))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " · ")
}

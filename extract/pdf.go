package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/dcepipe/tender"
)

// pdfFirstPage structurally parses page 1. Text under the sparsity threshold
// marks the document as scanned; recognition of that single page is then
// attempted so content classification still has something to chew on.
// Unreadable PDFs count as scanned — they are raster scans more often than
// they are garbage.
func (d *Dispatcher) pdfFirstPage(ctx context.Context, data []byte) (text string, scanned bool, detail string) {
	pdfCtx, err := readPDF(data)
	if err != nil {
		detail = fmt.Sprintf("pdf parse: %v", err)
		scanned = true
	} else if pdfCtx.PageCount == 0 {
		scanned = true
	} else {
		text = pdfPageText(pdfCtx, 1)
		scanned = d.isSparse(text)
	}

	if scanned && strings.TrimSpace(text) == "" && d.cfg.Recognizer != nil {
		res, rerr := d.cfg.Recognizer.RecognizePDFFirstPage(ctx, data)
		if rerr != nil {
			d.cfg.Logger.Warn("extract: first-page recognition failed", "error", rerr)
			if detail == "" {
				detail = fmt.Sprintf("first-page recognition: %v", rerr)
			}
		} else {
			text = res.Text
		}
	}

	return text, scanned, detail
}

// pdfFull extracts every page. Scanned documents (flagged at scan time, or
// discovered when structural output comes back near-empty) go through the
// recognizer's full-PDF route, which renders and recognizes page by page and
// joins the text with page markers.
func (d *Dispatcher) pdfFull(ctx context.Context, data []byte, scanned bool, res *tender.Extraction) {
	if !scanned {
		pdfCtx, err := readPDF(data)
		if err != nil {
			res.Detail = fmt.Sprintf("pdf parse: %v", err)
			scanned = true
		} else {
			var pages []string
			for nr := 1; nr <= pdfCtx.PageCount; nr++ {
				pages = append(pages, pdfPageText(pdfCtx, nr))
			}
			res.Text = strings.Join(pages, "\n\n")
			res.PageCount = pdfCtx.PageCount
			res.Method = tender.MethodStructured
			if !d.isSparse(res.Text) {
				return
			}
			// Structural parsing produced almost nothing despite the scan
			// phase predicting a digital document.
			scanned = true
		}
	}

	res.Method = tender.MethodRecognized

	if d.cfg.Recognizer == nil {
		res.Text = SentinelRecognitionUnavailable
		res.Detail = joinDetail(res.Detail, "no recognizer configured")
		return
	}

	rec, err := d.cfg.Recognizer.RecognizePDF(ctx, data)
	if err != nil {
		res.Text = SentinelRecognitionFailed
		res.Detail = joinDetail(res.Detail, fmt.Sprintf("recognition: %v", err))
		return
	}
	res.Text = rec.Text
	res.PageCount = rec.Pages
}

func (d *Dispatcher) isSparse(text string) bool {
	return len([]rune(strings.TrimSpace(text))) < d.cfg.SparseThreshold
}

func joinDetail(existing, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + "; " + extra
}

// readPDF parses PDF bytes without touching disk.
func readPDF(data []byte) (*model.Context, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	return pdfCtx, nil
}

// pdfPageText extracts text from one page's content stream.
func pdfPageText(pdfCtx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return pdfStreamText(data)
}

// pdfStringRe matches PDF string literals in parentheses.
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// pdfStreamText walks content-stream operators and collects shown text.
// Tj and TJ show text; ' shows text on the next line; Td/TD/T* move the
// text cursor and become separators.
func pdfStreamText(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFLiteral(m[1]))
			}

		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodePDFLiteral(m[1]); text != "" {
					sb.WriteByte('\n')
					sb.WriteString(text)
				}
			}

		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}

		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}

	return normalizeSpace(sb.String())
}

// decodePDFLiteral resolves PDF string escape sequences, including octal.
func decodePDFLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// normalizeSpace collapses runs of whitespace and drops non-printables.
func normalizeSpace(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}

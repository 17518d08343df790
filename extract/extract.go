// Package extract pulls plain text out of dossier documents.
//
// It operates in two modes matching the pipeline's two phases: FirstPage
// produces a cheap early-text approximation for classification (and decides
// whether a PDF is scanned), Full produces the complete text of the one
// selected document, choosing between structural parsing and optical
// recognition.
//
// Supported formats:
//   - .pdf        — pdfcpu content-stream parsing; recognition when scanned
//   - .docx       — OOXML paragraphs then table rows
//   - .doc        — antiword when present, byte-level scrape otherwise
//   - .xlsx/.xls  — excelize, with a minimal zip/XML fallback parser
//   - .txt        — tolerant passthrough
//
// Per-entry failures never propagate as errors past Full: they are recorded
// in the result's outcome and detail fields.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/dcepipe/ocr"
	"github.com/hazyhaar/dcepipe/tender"
)

// Format identifies a dossier document type.
type Format string

const (
	FormatPDF     Format = "pdf"
	FormatDocx    Format = "docx"
	FormatDoc     Format = "doc"
	FormatXLSX    Format = "xlsx"
	FormatXLS     Format = "xls"
	FormatTXT     Format = "txt"
	FormatUnknown Format = ""
)

// Sentinel texts substituted when a best-effort path exhausts its fallbacks.
// The sentinel is fixed; the specific cause goes into the result detail.
const (
	SentinelRecognitionFailed      = "[RECOGNITION FAILED]"
	SentinelRecognitionUnavailable = "[RECOGNITION UNAVAILABLE]"
	SentinelDocFailed              = "[DOC EXTRACTION FAILED]"
	SentinelSheetFailed            = "[SPREADSHEET EXTRACTION FAILED]"
)

// Recognizer is the optical recognition collaborator, satisfied by
// *ocr.Client. Nil disables recognition: scanned documents then degrade to
// sentinel text.
type Recognizer interface {
	RecognizePDF(ctx context.Context, pdf []byte) (*ocr.Result, error)
	RecognizePDFFirstPage(ctx context.Context, pdf []byte) (*ocr.Result, error)
}

// Config configures a Dispatcher.
type Config struct {
	Recognizer Recognizer

	// SparseThreshold is the character count under which a PDF first page
	// counts as scanned. Default: 100.
	SparseThreshold int

	// FirstPageChars caps the early text gathered from formats without a
	// page notion. Default: 1000 for word processors, see firstPageCap.
	FirstPageChars int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.SparseThreshold <= 0 {
		c.SparseThreshold = 100
	}
	if c.FirstPageChars <= 0 {
		c.FirstPageChars = 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher routes extraction by declared format.
type Dispatcher struct {
	cfg Config
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{cfg: cfg}
}

// FirstPage is the early text of one entry, gathered for classification.
type FirstPage struct {
	Text    string
	Scanned bool
	MIME    string
	// Detail notes a degraded parse (the scan still counts as a success:
	// filename rules can classify an unreadable file).
	Detail string
}

// Detect maps an entry name to its format and MIME type.
func Detect(name string) (Format, string) {
	ext := ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		ext = strings.ToLower(name[i+1:])
	}
	switch ext {
	case "pdf":
		return FormatPDF, "application/pdf"
	case "docx":
		return FormatDocx, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "doc":
		return FormatDoc, "application/msword"
	case "xlsx":
		return FormatXLSX, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "xls":
		return FormatXLS, "application/vnd.ms-excel"
	case "txt":
		return FormatTXT, "text/plain"
	default:
		return FormatUnknown, "application/octet-stream"
	}
}

// ExtractFirstPage produces the early text of one entry. It returns an error
// only for unsupported formats; parser failures degrade to empty text with a
// detail note so filename-based classification can still run.
func (d *Dispatcher) ExtractFirstPage(ctx context.Context, name string, data []byte) (FirstPage, error) {
	format, mime := Detect(name)
	fp := FirstPage{MIME: mime}

	switch format {
	case FormatPDF:
		text, scanned, detail := d.pdfFirstPage(ctx, data)
		fp.Text, fp.Scanned, fp.Detail = text, scanned, detail

	case FormatDocx:
		text, err := docxText(data, d.cfg.FirstPageChars, false)
		if err != nil {
			fp.Detail = fmt.Sprintf("docx parse: %v", err)
		}
		fp.Text = text

	case FormatDoc:
		text, detail := legacyDocText(ctx, data, d.cfg.FirstPageChars)
		fp.Text, fp.Detail = text, detail

	case FormatXLSX, FormatXLS:
		text, err := sheetFirstRows(data, firstPageRows)
		if err != nil {
			fp.Detail = fmt.Sprintf("spreadsheet parse: %v", err)
		}
		fp.Text = text

	case FormatTXT:
		fp.Text = plainText(data, firstPageTextBytes)

	default:
		return fp, fmt.Errorf("extract: unsupported file type: %q", name)
	}

	return fp, nil
}

// ExtractFull produces the complete text of one entry. The scanned hint comes
// from the scan phase; the method recorded in the result reflects what
// actually produced the text, since recognition may still be triggered when
// structural parsing yields near-empty output.
func (d *Dispatcher) ExtractFull(ctx context.Context, name string, data []byte, scanned bool) tender.Extraction {
	format, mime := Detect(name)
	res := tender.Extraction{
		Name:     name,
		Role:     tender.RoleUnknown,
		Method:   tender.MethodStructured,
		ByteSize: len(data),
		MIMEType: mime,
		Outcome:  tender.OutcomeSuccess,
	}

	switch format {
	case FormatPDF:
		d.pdfFull(ctx, data, scanned, &res)

	case FormatDocx:
		text, err := docxText(data, 0, true)
		if err != nil {
			res.Outcome = tender.OutcomeFailed
			res.Detail = fmt.Sprintf("docx parse: %v", err)
			return res
		}
		res.Text = text

	case FormatDoc:
		text, detail := legacyDocText(ctx, data, 0)
		res.Detail = detail
		if text == "" {
			text = SentinelDocFailed
		}
		res.Text = text

	case FormatXLSX, FormatXLS:
		text, detail := d.sheetFull(data)
		res.Detail = detail
		if text == "" {
			text = SentinelSheetFailed
		}
		res.Text = text

	case FormatTXT:
		res.Text = plainText(data, 0)

	default:
		res.Outcome = tender.OutcomeFailed
		res.Detail = fmt.Sprintf("unsupported file type: %q", name)
	}

	return res
}

const (
	firstPageRows      = 20   // spreadsheet rows approximating a first page
	firstPageTextBytes = 2000 // plain-text bytes approximating a first page
)

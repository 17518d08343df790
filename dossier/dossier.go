// Package dossier unpacks tender archives and runs the classify-then-extract
// pipeline over their entries.
//
// One dossier is processed in strict phases: every entry's first page is
// scanned and classified, then exactly one NOTICE entry is selected (first
// match wins), then that single entry — and only that one — goes through
// full text extraction. Early-page text gathered during the scan never
// survives past selection.
package dossier

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/dcepipe/classify"
	"github.com/hazyhaar/dcepipe/extract"
	"github.com/hazyhaar/dcepipe/tender"
)

// ErrNoNotice is returned when an archive contains no document classified as
// the notice. It is an archive-level failure, distinct from per-entry parse
// failures which are reported inside the classification records.
var ErrNoNotice = errors.New("dossier: no notice document found")

// Entry is one file inside a dossier archive. The caller owns Data.
type Entry struct {
	Name string
	Data []byte
}

// Unpack expands archive bytes into entries, fully in memory. Directory
// entries are dropped. A corrupt archive yields zero entries and a logged
// warning — never an error past this boundary.
func Unpack(data []byte, logger *slog.Logger) []Entry {
	if logger == nil {
		logger = slog.Default()
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		logger.Warn("dossier: unreadable archive", "error", err)
		return nil
	}

	var entries []Entry
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			logger.Warn("dossier: unreadable entry", "name", f.Name, "error", err)
			continue
		}
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		rc.Close()
		if err != nil {
			logger.Warn("dossier: entry read failed", "name", f.Name, "error", err)
			continue
		}
		entries = append(entries, Entry{Name: f.Name, Data: buf.Bytes()})
	}
	return entries
}

// Config configures a Pipeline.
type Config struct {
	Classifier *classify.Classifier
	Dispatcher *extract.Dispatcher
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.Classifier == nil {
		c.Classifier = classify.New(classify.Config{})
	}
	if c.Dispatcher == nil {
		c.Dispatcher = extract.New(extract.Config{})
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline is the classify-then-extract engine for one dossier.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{cfg: cfg}
}

// Process runs the full pipeline over one dossier's entries. It returns the
// extraction of the selected notice document plus the classification of
// every entry. When no notice is found the extraction is nil and the error
// wraps ErrNoNotice; the classifications are still returned for accounting.
//
// On return every classification's snippet field has been cleared.
func (p *Pipeline) Process(ctx context.Context, entries []Entry) (*tender.Extraction, []tender.Classification, error) {
	log := p.cfg.Logger

	// SCANNING: first page of every entry.
	classifications := make([]tender.Classification, 0, len(entries))
	for _, e := range entries {
		classifications = append(classifications, p.scanEntry(ctx, e))
	}

	// SELECTING: first successful NOTICE wins.
	selected := -1
	for i, c := range classifications {
		if c.Outcome == tender.OutcomeSuccess && c.Role == tender.RoleNotice {
			selected = i
			break
		}
	}

	if selected < 0 {
		clearSnippets(classifications)
		log.Warn("dossier: no notice document", "entries", len(entries))
		return nil, classifications, fmt.Errorf("%w (%d entries scanned)", ErrNoNotice, len(entries))
	}

	sel := classifications[selected]
	log.Info("dossier: notice selected", "name", sel.Name, "scanned", sel.Scanned)

	// EXTRACTING: full text of the selected entry only.
	result := p.cfg.Dispatcher.ExtractFull(ctx, sel.Name, entries[selected].Data, sel.Scanned)
	result.Role = p.cfg.Classifier.Classify(ctx, result.Text, result.Name, result.Method == tender.MethodRecognized)

	clearSnippets(classifications)
	return &result, classifications, nil
}

// scanEntry classifies one entry from its first page. Hidden files and
// editor droppings are skipped outright.
func (p *Pipeline) scanEntry(ctx context.Context, e Entry) tender.Classification {
	c := tender.Classification{
		Name:     e.Name,
		Role:     tender.RoleUnknown,
		ByteSize: len(e.Data),
		Outcome:  tender.OutcomeSuccess,
	}

	if isJunkEntry(e.Name) {
		c.Outcome = tender.OutcomeSkipped
		c.Detail = "temporary or hidden file"
		return c
	}

	fp, err := p.cfg.Dispatcher.ExtractFirstPage(ctx, e.Name, e.Data)
	c.MIMEType = fp.MIME
	if err != nil {
		c.Outcome = tender.OutcomeFailed
		c.Detail = err.Error()
		return c
	}

	c.Snippet = fp.Text
	c.Scanned = fp.Scanned
	c.Detail = fp.Detail
	c.Role = p.cfg.Classifier.Classify(ctx, fp.Text, e.Name, fp.Scanned)

	p.cfg.Logger.Debug("dossier: entry classified",
		"name", e.Name, "role", c.Role, "scanned", c.Scanned)
	return c
}

// ProcessAll fully extracts every entry of a dossier.
//
// Deprecated: this is the legacy extract-everything mode kept as a degraded
// fallback. It holds the full text of every document in memory at once; use
// Process, which extracts only the selected notice.
func (p *Pipeline) ProcessAll(ctx context.Context, entries []Entry) []tender.Extraction {
	var results []tender.Extraction
	for _, e := range entries {
		if isJunkEntry(e.Name) {
			continue
		}

		fp, err := p.cfg.Dispatcher.ExtractFirstPage(ctx, e.Name, e.Data)
		scanned := err == nil && fp.Scanned

		res := p.cfg.Dispatcher.ExtractFull(ctx, e.Name, e.Data, scanned)
		res.Role = p.cfg.Classifier.Classify(ctx, res.Text, res.Name, res.Method == tender.MethodRecognized)
		results = append(results, res)
	}
	return results
}

// isJunkEntry reports archive entries to skip outright: editor temp files,
// hidden files, and macOS resource fork directories. Every path segment is
// checked since junk directories contain non-junk basenames.
func isJunkEntry(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, "~$") || strings.HasPrefix(part, ".") || strings.HasPrefix(part, "__") {
			return true
		}
	}
	return false
}

func clearSnippets(cs []tender.Classification) {
	for i := range cs {
		cs[i].Snippet = ""
	}
}

// Package classify assigns a document role to each dossier entry from its
// filename and early-page text.
//
// The decision policy is layered, first match wins:
//
//  1. filename patterns (near-perfectly reliable for this corpus and free)
//  2. content keyword phrases over the lower-cased early text
//  3. optional model-assisted fallback for ambiguous or scanned documents
//
// Both rule tables are ordered NOTICE > RULES > SPECIFICATIONS > AMENDMENT
// so conflicting signals resolve deterministically.
package classify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hazyhaar/dcepipe/tender"
)

// firstPageChars is the uniform definition of "first page": only the first
// 3000 characters of early text participate in classification, whatever the
// source format produced.
const firstPageChars = 3000

// minLabelChars gates the model fallback: shorter text carries too little
// signal to be worth a model round trip.
const minLabelChars = 20

// Excerpt caps for the model fallback. Recognized text is lower fidelity and
// slower to reprocess, so it gets a tighter word budget.
const (
	labelMaxChars        = 2000
	labelMaxWordsScanned = 500
)

// Labeler is the optional generative classification collaborator. It returns
// one role from the closed set, or RoleUnknown when it cannot decide. Errors
// are absorbed by the classifier and never surface to callers.
type Labeler interface {
	Label(ctx context.Context, text, filename string) (tender.Role, error)
}

// Config configures a Classifier.
type Config struct {
	// Labeler enables the model-assisted fallback. Nil disables it, which
	// makes Classify a pure function of (text, filename).
	Labeler Labeler

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Classifier applies the layered decision policy.
type Classifier struct {
	cfg Config
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	cfg.defaults()
	return &Classifier{cfg: cfg}
}

type filenameRule struct {
	role     tender.Role
	patterns []*regexp.Regexp
}

type keywordRule struct {
	role    tender.Role
	phrases []string
}

// filenameRules are evaluated against the bare lower-cased filename with
// separators normalized to spaces ("Avis_AO_2024.pdf" matches as "avis ao
// 2024 pdf"; underscores are word characters, so \b alone would miss them).
var filenameRules = []filenameRule{
	{tender.RoleNotice, compile(
		`\bavis\b`,
	)},
	{tender.RoleRules, compile(
		`\brc\b`,
		`\brcdp\b`,
		`\brcdg\b`,
	)},
	{tender.RoleSpecifications, compile(
		`\bcps\b`,
		`\bccaf\b`,
		`\bcctp\b`,
	)},
	{tender.RoleAmendment, compile(
		`\bannexe\b`,
		`\badditif\b`,
		`\bavenant\b`,
	)},
}

// nonNoticeMarker rejects NOTICE filename candidates that also carry an
// unambiguous rules/specifications marker ("avis_cps_combined.pdf" is a CPS).
var nonNoticeMarker = regexp.MustCompile(`\b(rc|cps|ccaf|cctp|rcdp|rcdg)\b`)

// noticeWeakMarker is the bare "avis" content signal, checked only after
// every phrase rule fails: strong enough to catch a renamed notice whose
// text says just "AVIS N° 14/2026", weak enough that any document carrying
// its own phrase marker wins first.
var noticeWeakMarker = regexp.MustCompile(`\bavis\b`)

// keywordRules are checked against the lower-cased early-page text.
var keywordRules = []keywordRule{
	{tender.RoleNotice, []string{
		"avis de consultation",
		"avis d'appel d'offres",
		"avis d'appel",
		"avis appel offres",
		"avis ao",
	}},
	{tender.RoleRules, []string{
		"règlement de consultation",
		"reglement de consultation",
		"règlement de la consultation",
		"reglement de la consultation",
	}},
	{tender.RoleSpecifications, []string{
		"cahier des prescriptions spéciales",
		"cahier des prescriptions speciales",
		"cahier des clauses",
	}},
	{tender.RoleAmendment, []string{
		"annexe",
		"additif",
		"avenant",
	}},
}

func compile(exprs ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		res = append(res, regexp.MustCompile(e))
	}
	return res
}

// Classify assigns a role from the early-page text and filename. The scanned
// flag only influences the excerpt budget of the model fallback.
func (c *Classifier) Classify(ctx context.Context, text, filename string, scanned bool) tender.Role {
	text = capRunes(text, firstPageChars)
	lower := strings.ToLower(text)
	base := nameSeparators.Replace(baseName(strings.ToLower(filename)))

	if role, ok := matchFilename(base); ok {
		return role
	}
	if role, ok := matchKeywords(lower); ok {
		return role
	}
	if noticeWeakMarker.MatchString(lower) {
		return tender.RoleNotice
	}

	if c.cfg.Labeler != nil && len(strings.TrimSpace(text)) > minLabelChars {
		role, err := c.cfg.Labeler.Label(ctx, labelExcerpt(text, scanned), filename)
		if err != nil {
			c.cfg.Logger.Warn("classify: labeler failed", "file", filename, "error", err)
			return tender.RoleUnknown
		}
		if role.Valid() && role != tender.RoleUnknown {
			return role
		}
	}

	return tender.RoleUnknown
}

func matchFilename(base string) (tender.Role, bool) {
	for _, rule := range filenameRules {
		for _, pat := range rule.patterns {
			if !pat.MatchString(base) {
				continue
			}
			if rule.role == tender.RoleNotice && nonNoticeMarker.MatchString(base) {
				continue
			}
			return rule.role, true
		}
	}
	return tender.RoleUnknown, false
}

func matchKeywords(lower string) (tender.Role, bool) {
	for _, rule := range keywordRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(lower, phrase) {
				return rule.role, true
			}
		}
	}
	return tender.RoleUnknown, false
}

// labelExcerpt bounds the text handed to the model fallback.
func labelExcerpt(text string, scanned bool) string {
	if scanned {
		words := strings.Fields(text)
		if len(words) > labelMaxWordsScanned {
			words = words[:labelMaxWordsScanned]
		}
		return strings.Join(words, " ")
	}
	return capRunes(text, labelMaxChars)
}

var nameSeparators = strings.NewReplacer("_", " ", "-", " ", ".", " ")

// baseName strips directory components, accepting both separators since zip
// entry names may carry either.
func baseName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func capRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

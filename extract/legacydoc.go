package extract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// antiwordTimeout bounds the external converter per document.
const antiwordTimeout = 60 * time.Second

// legacyDocText extracts text from a binary .doc file, best effort by
// design. The external antiword converter is tried first; when it is absent
// or fails, a byte-level scrape across common encodings keeps runs of ≥4
// printable characters. Every failed attempt lands in the detail string so
// the caller can tell confident extraction from guesswork. Empty text with a
// non-empty detail means everything failed.
func legacyDocText(ctx context.Context, data []byte, maxChars int) (text, detail string) {
	var attempts []string

	text, err := antiwordText(ctx, data)
	if err != nil {
		attempts = append(attempts, fmt.Sprintf("antiword: %v", err))
	} else if text != "" {
		return capBytes(text, maxChars), strings.Join(attempts, "; ")
	}

	text, enc, err := scrapeText(data, maxChars)
	if err != nil {
		attempts = append(attempts, err.Error())
		return "", strings.Join(attempts, "; ")
	}
	attempts = append(attempts, "byte scrape via "+enc)
	return text, strings.Join(attempts, "; ")
}

// antiwordText shells out to antiword. The converter only reads files, so
// the bytes take a brief detour through a temp file that is removed before
// returning — the only disk contact in the whole extraction path.
func antiwordText(ctx context.Context, data []byte) (string, error) {
	bin, err := exec.LookPath("antiword")
	if err != nil {
		return "", fmt.Errorf("not installed")
	}

	tmp, err := os.CreateTemp("", "dcepipe-*.doc")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("temp write: %w", err)
	}
	tmp.Close()

	cctx, cancel := context.WithTimeout(ctx, antiwordTimeout)
	defer cancel()

	out, err := exec.CommandContext(cctx, bin, tmp.Name()).Output()
	if err != nil {
		return "", fmt.Errorf("run: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// printableRunRe keeps sequences of letters (accented included), digits and
// basic punctuation of length ≥4 — the readable islands in OLE binary soup.
var printableRunRe = regexp.MustCompile(`[a-zA-ZÀ-ÿ0-9\s.,;:\-()]{4,}`)

var scrapeDecoders = []struct {
	name string
	enc  encoding.Encoding
}{
	{"utf-8", unicode.UTF8},
	{"latin-1", charmap.ISO8859_1},
	{"windows-1252", charmap.Windows1252},
}

// scrapeMinChars rejects decodes that produced too little text to be a real
// document rather than decoding noise.
const scrapeMinChars = 100

func scrapeText(data []byte, maxChars int) (text, encName string, err error) {
	minChars := scrapeMinChars
	if maxChars > 0 && maxChars/2 < minChars {
		minChars = maxChars / 2
	}

	var failures []string
	for _, d := range scrapeDecoders {
		decoded, derr := d.enc.NewDecoder().Bytes(data)
		if derr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", d.name, derr))
			continue
		}
		runs := printableRunRe.FindAllString(string(decoded), -1)
		joined := strings.Join(strings.Fields(strings.Join(runs, " ")), " ")
		if len(joined) < minChars {
			failures = append(failures, fmt.Sprintf("%s: %d chars, too sparse", d.name, len(joined)))
			continue
		}
		return capBytes(joined, maxChars), d.name, nil
	}
	return "", "", fmt.Errorf("byte scrape: %s", strings.Join(failures, "; "))
}

func capBytes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

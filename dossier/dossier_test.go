package dossier

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/dcepipe/tender"
)

type zipEntry struct {
	name string
	data string
}

func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(e.data)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnpack(t *testing.T) {
	data := buildZip(t, []zipEntry{
		{"avis.txt", "contenu"},
		{"sous/rc.txt", "règlement"},
	})

	entries := Unpack(data, nil)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "avis.txt" || string(entries[0].Data) != "contenu" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
}

func TestUnpackIdempotent(t *testing.T) {
	// Re-unpacking the same archive bytes yields the same entry names and
	// the same byte content per entry.
	data := buildZip(t, []zipEntry{
		{"avis.txt", "contenu"},
		{"sous/rc.txt", "règlement"},
		{"annexe.xlsx", "\x50\x4b\x00\x01"},
	})

	first := Unpack(data, nil)
	second := Unpack(data, nil)
	if len(first) != len(second) {
		t.Fatalf("entry counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name {
			t.Errorf("entry %d name %q vs %q", i, first[i].Name, second[i].Name)
		}
		if !bytes.Equal(first[i].Data, second[i].Data) {
			t.Errorf("entry %q content differs between unpacks", first[i].Name)
		}
	}
}

func TestUnpackCorruptArchive(t *testing.T) {
	if entries := Unpack([]byte("not a zip"), nil); entries != nil {
		t.Fatalf("got %d entries, want none", len(entries))
	}
}

func TestUnpackSkipsDirectories(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if _, err := zw.Create("dossier/"); err != nil {
		t.Fatal(err)
	}
	w, err := zw.Create("dossier/avis.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("x"))
	zw.Close()

	entries := Unpack(buf.Bytes(), nil)
	if len(entries) != 1 || entries[0].Name != "dossier/avis.txt" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestProcessSelectsNotice(t *testing.T) {
	p := New(Config{})
	data := buildZip(t, []zipEntry{
		{"reglement.txt", "Règlement de consultation, article premier"},
		{"avis.txt", "Avis de consultation : séance d'ouverture des plis le 12/09/2026"},
		{"annexe.txt", "Additif au dossier"},
	})

	extraction, classifications, err := p.Process(context.Background(), Unpack(data, nil))
	if err != nil {
		t.Fatal(err)
	}
	if extraction == nil {
		t.Fatal("expected an extraction")
	}
	if extraction.Name != "avis.txt" {
		t.Fatalf("selected %q, want avis.txt", extraction.Name)
	}
	if extraction.Method != tender.MethodStructured {
		t.Fatalf("method = %v", extraction.Method)
	}
	if len(classifications) != 3 {
		t.Fatalf("got %d classifications, want 3", len(classifications))
	}

	roles := map[string]tender.Role{}
	for _, c := range classifications {
		roles[c.Name] = c.Role
	}
	if roles["reglement.txt"] != tender.RoleRules {
		t.Errorf("reglement role = %v", roles["reglement.txt"])
	}
	if roles["avis.txt"] != tender.RoleNotice {
		t.Errorf("avis role = %v", roles["avis.txt"])
	}
	if roles["annexe.txt"] != tender.RoleAmendment {
		t.Errorf("annexe role = %v", roles["annexe.txt"])
	}
}

func TestProcessFirstNoticeWins(t *testing.T) {
	p := New(Config{})
	data := buildZip(t, []zipEntry{
		{"avis_1.txt", "Avis de consultation numéro un"},
		{"avis_2.txt", "Avis de consultation numéro deux"},
	})

	extraction, _, err := p.Process(context.Background(), Unpack(data, nil))
	if err != nil {
		t.Fatal(err)
	}
	if extraction.Name != "avis_1.txt" {
		t.Fatalf("selected %q, want the first notice", extraction.Name)
	}
}

func TestProcessNoNotice(t *testing.T) {
	p := New(Config{})
	data := buildZip(t, []zipEntry{
		{"reglement.txt", "Règlement de consultation"},
		{"cps.txt", "Cahier des prescriptions spéciales"},
	})

	extraction, classifications, err := p.Process(context.Background(), Unpack(data, nil))
	if !errors.Is(err, ErrNoNotice) {
		t.Fatalf("err = %v, want ErrNoNotice", err)
	}
	if extraction != nil {
		t.Fatal("no extraction must be produced without a notice")
	}
	// Classifications are still returned for accounting.
	if len(classifications) != 2 {
		t.Fatalf("got %d classifications, want 2", len(classifications))
	}
}

func TestProcessSkipsHiddenEntries(t *testing.T) {
	p := New(Config{})
	data := buildZip(t, []zipEntry{
		{"~$avis.docx", "junk"},
		{".DS_Store", "junk"},
		{"__MACOSX/avis.txt", "junk"},
		{"avis.txt", "Avis de consultation"},
	})

	extraction, classifications, err := p.Process(context.Background(), Unpack(data, nil))
	if err != nil {
		t.Fatal(err)
	}
	if extraction.Name != "avis.txt" {
		t.Fatalf("selected %q", extraction.Name)
	}

	skipped := 0
	for _, c := range classifications {
		if c.Outcome == tender.OutcomeSkipped {
			skipped++
		}
	}
	if skipped != 3 {
		t.Fatalf("got %d skipped, want 3", skipped)
	}
}

func TestProcessEntryFailureIsData(t *testing.T) {
	// One unreadable entry must not disturb the dossier: its classification
	// records the failure and the notice is still selected.
	p := New(Config{})
	data := buildZip(t, []zipEntry{
		{"mystery.bin", "\x00\x01\x02"},
		{"avis.txt", "Avis de consultation"},
	})

	extraction, classifications, err := p.Process(context.Background(), Unpack(data, nil))
	if err != nil {
		t.Fatal(err)
	}
	if extraction == nil || extraction.Name != "avis.txt" {
		t.Fatal("notice still expected despite the broken entry")
	}

	var failed *tender.Classification
	for i := range classifications {
		if classifications[i].Name == "mystery.bin" {
			failed = &classifications[i]
		}
	}
	if failed == nil || failed.Outcome != tender.OutcomeFailed || failed.Detail == "" {
		t.Fatalf("mystery.bin classification = %+v", failed)
	}
}

func TestProcessClearsSnippets(t *testing.T) {
	p := New(Config{})
	data := buildZip(t, []zipEntry{
		{"avis.txt", "Avis de consultation avec un long contenu de première page"},
		{"reglement.txt", "Règlement de consultation"},
	})

	_, classifications, err := p.Process(context.Background(), Unpack(data, nil))
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range classifications {
		if c.Snippet != "" {
			t.Fatalf("snippet of %s leaked past selection", c.Name)
		}
	}

	// Also on the no-notice path.
	data = buildZip(t, []zipEntry{{"reglement.txt", "Règlement de consultation"}})
	_, classifications, _ = p.Process(context.Background(), Unpack(data, nil))
	for _, c := range classifications {
		if c.Snippet != "" {
			t.Fatalf("snippet of %s leaked on the error path", c.Name)
		}
	}
}

func TestProcessAllLegacyMode(t *testing.T) {
	p := New(Config{})
	data := buildZip(t, []zipEntry{
		{"avis.txt", "Avis de consultation"},
		{"reglement.txt", "Règlement de consultation"},
		{"~$tmp.docx", "junk"},
	})

	results := p.ProcessAll(context.Background(), Unpack(data, nil))
	if len(results) != 2 {
		t.Fatalf("got %d extractions, want 2", len(results))
	}
	for _, r := range results {
		if r.Text == "" {
			t.Fatalf("empty text for %s", r.Name)
		}
	}
}

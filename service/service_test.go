package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/dcepipe/dbopen"
	"github.com/hazyhaar/dcepipe/dossier"
	"github.com/hazyhaar/dcepipe/harvest"
	"github.com/hazyhaar/dcepipe/store"
	"github.com/hazyhaar/dcepipe/tender"
)

func newTestService(t *testing.T, metadata MetadataExtractor) *Service {
	t.Helper()
	st, err := store.OpenDB(dbopen.OpenMemory(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{
		Harvester: harvest.New(harvest.Config{}),
		Pipeline:  dossier.New(dossier.Config{}),
		Store:     st,
		Metadata:  metadata,
	})
}

func buildArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(data))
	}
	zw.Close()
	return buf.Bytes()
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestService(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestProcessArchiveStoresTender(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	runID, err := s.cfg.Store.CreateRun(ctx, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}

	data := buildArchive(t, map[string]string{
		"avis.txt":      "Avis de consultation : fournitures de bureau",
		"reglement.txt": "Règlement de consultation",
	})
	err = s.processArchive(ctx, runID, harvest.RetrievedArchive{
		Locator:       "https://portal.example/detail?id=1",
		Outcome:       tender.OutcomeSuccess,
		Data:          data,
		SuggestedName: "dce_1.zip",
	})
	if err != nil {
		t.Fatal(err)
	}

	tenders, err := s.cfg.Store.ListTenders(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tenders) != 1 {
		t.Fatalf("got %d tenders, want 1", len(tenders))
	}
	if tenders[0].Outcome != tender.OutcomeSuccess || tenders[0].NoticeName != "avis.txt" {
		t.Fatalf("summary = %+v", tenders[0])
	}

	full, err := s.cfg.Store.GetTender(ctx, tenders[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(full.NoticeText, "fournitures de bureau") {
		t.Fatalf("notice text = %q", full.NoticeText)
	}
	if len(full.Documents) != 2 {
		t.Fatalf("documents = %d", len(full.Documents))
	}
}

func TestProcessArchiveNoNotice(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	runID, _ := s.cfg.Store.CreateRun(ctx, time.Now(), time.Now())
	data := buildArchive(t, map[string]string{
		"reglement.txt": "Règlement de consultation",
	})
	err := s.processArchive(ctx, runID, harvest.RetrievedArchive{
		Locator: "https://portal.example/detail?id=2",
		Outcome: tender.OutcomeSuccess,
		Data:    data,
	})
	if err != nil {
		t.Fatal(err)
	}

	tenders, _ := s.cfg.Store.ListTenders(ctx, 0)
	if len(tenders) != 1 {
		t.Fatalf("got %d tenders, want 1", len(tenders))
	}
	if tenders[0].Outcome != tender.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", tenders[0].Outcome)
	}
	full, _ := s.cfg.Store.GetTender(ctx, tenders[0].ID)
	if len(full.Documents) != 1 {
		t.Fatal("document inventory must survive the no-notice case")
	}
}

type fakeMetadata struct{ calls int }

func (f *fakeMetadata) ExtractNoticeMetadata(ctx context.Context, text string) (json.RawMessage, error) {
	f.calls++
	return json.RawMessage(`{"objet":"fournitures"}`), nil
}

func TestProcessArchiveWithMetadata(t *testing.T) {
	meta := &fakeMetadata{}
	s := newTestService(t, meta)
	ctx := context.Background()

	runID, _ := s.cfg.Store.CreateRun(ctx, time.Now(), time.Now())
	data := buildArchive(t, map[string]string{
		"avis.txt": "Avis de consultation",
	})
	if err := s.processArchive(ctx, runID, harvest.RetrievedArchive{
		Locator: "https://portal.example/detail?id=3",
		Outcome: tender.OutcomeSuccess,
		Data:    data,
	}); err != nil {
		t.Fatal(err)
	}
	if meta.calls != 1 {
		t.Fatalf("metadata extractor called %d times, want 1", meta.calls)
	}

	tenders, _ := s.cfg.Store.ListTenders(ctx, 0)
	full, _ := s.cfg.Store.GetTender(ctx, tenders[0].ID)
	if !strings.Contains(string(full.Metadata), "fournitures") {
		t.Fatalf("metadata = %s", full.Metadata)
	}
}

func TestTenderEndpoints(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	runID, _ := s.cfg.Store.CreateRun(ctx, time.Now(), time.Now())
	data := buildArchive(t, map[string]string{"avis.txt": "Avis de consultation"})
	s.processArchive(ctx, runID, harvest.RetrievedArchive{
		Locator: "https://portal.example/detail?id=4",
		Outcome: tender.OutcomeSuccess,
		Data:    data,
	})

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/tenders")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var list struct {
		Tenders []store.TenderSummary `json:"tenders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tenders) != 1 {
		t.Fatalf("got %d tenders", len(list.Tenders))
	}

	resp2, err := http.Get(srv.URL + "/api/tenders/" + list.Tenders[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp2.StatusCode)
	}

	resp3, err := http.Get(srv.URL + "/api/tenders/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp3.StatusCode)
	}
}

func TestHarvestStatusBeforeAnyRun(t *testing.T) {
	s := newTestService(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/harvest/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHarvestStopWithoutRun(t *testing.T) {
	s := newTestService(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/harvest/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHarvestRunRejectsBadDates(t *testing.T) {
	s := newTestService(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body := strings.NewReader(`{"date_start": "22/08/2026"}`)
	resp, err := http.Post(srv.URL+"/api/harvest/run", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

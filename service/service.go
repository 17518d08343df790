// Package service exposes the pipeline over HTTP: trigger and monitor
// harvests, browse persisted tenders.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/dcepipe/dossier"
	"github.com/hazyhaar/dcepipe/harvest"
	"github.com/hazyhaar/dcepipe/store"
	"github.com/hazyhaar/dcepipe/tender"
)

// MetadataExtractor pulls structured metadata out of a notice's text. It is
// optional; without one, tenders are stored with text only.
type MetadataExtractor interface {
	ExtractNoticeMetadata(ctx context.Context, text string) (json.RawMessage, error)
}

// Config configures a Service.
type Config struct {
	Harvester *harvest.Harvester
	Pipeline  *dossier.Pipeline
	Store     *store.Store
	Metadata  MetadataExtractor
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service wires the harvester, the processing pipeline, and the store behind
// an HTTP API.
type Service struct {
	cfg Config

	mu        sync.Mutex
	lastRunID string
	lastSnap  *harvest.Snapshot
}

// New creates a Service.
func New(cfg Config) *Service {
	cfg.defaults()
	return &Service{cfg: cfg}
}

// Router builds the HTTP router.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/harvest/run", s.handleHarvestRun)
		r.Get("/harvest/status", s.handleHarvestStatus)
		r.Post("/harvest/stop", s.handleHarvestStop)
		r.Get("/tenders", s.handleListTenders)
		r.Get("/tenders/{id}", s.handleGetTender)
	})
	return r
}

// BeginHarvest starts a harvest-and-process cycle. The returned channel
// closes once every retrieved archive has been processed and the run row
// finalised. ErrRunActive passes through when a run is already going.
func (s *Service) BeginHarvest(ctx context.Context, rng harvest.DateRange) (string, <-chan struct{}, error) {
	rng = rng.Normalize(time.Now())

	runID, err := s.cfg.Store.CreateRun(ctx, rng.Start, rng.End)
	if err != nil {
		return "", nil, err
	}

	run, err := s.cfg.Harvester.Start(ctx, rng)
	if err != nil {
		// Leave a trace of the rejected attempt rather than an eternally
		// "running" row.
		s.cfg.Store.FinishRun(ctx, runID, 0, 0, 0, err.Error())
		return "", nil, err
	}

	s.mu.Lock()
	s.lastRunID = runID
	s.lastSnap = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.finishRun(runID, run)
	}()
	return runID, done, nil
}

// finishRun waits the harvest out, processes every retrieved archive, and
// finalises the run row. It runs detached from any HTTP request.
func (s *Service) finishRun(runID string, run *harvest.Run) {
	ctx := context.Background()
	log := s.cfg.Logger

	archives, herr := run.Wait()
	for _, a := range archives {
		if a.Outcome != tender.OutcomeSuccess {
			continue
		}
		if err := s.processArchive(ctx, runID, a); err != nil {
			log.Error("service: archive processing failed",
				"run_id", runID, "locator", a.Locator, "error", err)
		}
	}

	snap := run.Progress()
	errText := ""
	if herr != nil {
		errText = herr.Error()
	}
	if err := s.cfg.Store.FinishRun(ctx, runID, snap.Total, snap.Retrieved, snap.Failed, errText); err != nil {
		log.Error("service: finish run failed", "run_id", runID, "error", err)
	}

	s.mu.Lock()
	s.lastSnap = &snap
	s.mu.Unlock()

	log.Info("service: run finished",
		"run_id", runID, "total", snap.Total,
		"retrieved", snap.Retrieved, "failed", snap.Failed)
}

// processArchive unpacks one archive, runs the classify-then-extract
// pipeline, and persists the result. A dossier without a notice is stored as
// a failed tender with its document inventory intact.
func (s *Service) processArchive(ctx context.Context, runID string, a harvest.RetrievedArchive) error {
	entries := dossier.Unpack(a.Data, s.cfg.Logger)
	extraction, classifications, perr := s.cfg.Pipeline.Process(ctx, entries)

	rec := &store.Tender{
		RunID:       runID,
		Locator:     a.Locator,
		ArchiveName: a.SuggestedName,
		Outcome:     tender.OutcomeSuccess,
		Documents:   classifications,
	}

	switch {
	case perr != nil:
		rec.Outcome = tender.OutcomeFailed
		rec.Detail = perr.Error()
	case extraction != nil:
		rec.NoticeName = extraction.Name
		rec.NoticeText = extraction.Text
		rec.PageCount = extraction.PageCount
		rec.Method = extraction.Method
		rec.Detail = extraction.Detail

		if s.cfg.Metadata != nil && extraction.Text != "" {
			meta, err := s.cfg.Metadata.ExtractNoticeMetadata(ctx, extraction.Text)
			if err != nil {
				s.cfg.Logger.Warn("service: metadata extraction failed",
					"locator", a.Locator, "error", err)
			} else {
				rec.Metadata = meta
			}
		}
	}

	id, err := s.cfg.Store.SaveTender(ctx, rec)
	if err != nil {
		return err
	}
	s.cfg.Logger.Info("service: tender stored",
		"tender_id", id, "run_id", runID, "outcome", rec.Outcome)
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type harvestRunRequest struct {
	DateStart string `json:"date_start"`
	DateEnd   string `json:"date_end"`
}

func (s *Service) handleHarvestRun(w http.ResponseWriter, r *http.Request) {
	var req harvestRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var rng harvest.DateRange
	var err error
	if rng.Start, err = parseDate(req.DateStart); err != nil {
		http.Error(w, fmt.Sprintf("invalid date_start: %v", err), http.StatusBadRequest)
		return
	}
	if rng.End, err = parseDate(req.DateEnd); err != nil {
		http.Error(w, fmt.Sprintf("invalid date_end: %v", err), http.StatusBadRequest)
		return
	}

	// The run outlives the request; detach it from the request context.
	runID, _, err := s.BeginHarvest(context.Background(), rng)
	if errors.Is(err, harvest.ErrRunActive) {
		http.Error(w, "a harvest run is already active", http.StatusConflict)
		return
	}
	if err != nil {
		s.cfg.Logger.Error("service: harvest start failed", "error", err)
		http.Error(w, "could not start harvest", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "started",
	})
}

func (s *Service) handleHarvestStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	runID := s.lastRunID
	last := s.lastSnap
	s.mu.Unlock()

	if run := s.cfg.Harvester.Active(); run != nil {
		snap := run.Progress()
		writeJSON(w, http.StatusOK, statusResponse(runID, snap))
		return
	}
	if last != nil {
		writeJSON(w, http.StatusOK, statusResponse(runID, *last))
		return
	}
	http.Error(w, "no harvest run yet", http.StatusNotFound)
}

func (s *Service) handleHarvestStop(w http.ResponseWriter, r *http.Request) {
	run := s.cfg.Harvester.Active()
	if run == nil {
		http.Error(w, "no active harvest run", http.StatusNotFound)
		return
	}
	run.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Service) handleListTenders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	tenders, err := s.cfg.Store.ListTenders(r.Context(), limit)
	if err != nil {
		s.cfg.Logger.Error("service: list tenders failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenders": tenders})
}

func (s *Service) handleGetTender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.cfg.Store.GetTender(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "tender not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.cfg.Logger.Error("service: get tender failed", "tender_id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func statusResponse(runID string, snap harvest.Snapshot) map[string]any {
	return map[string]any{
		"run_id":    runID,
		"phase":     snap.Phase,
		"total":     snap.Total,
		"retrieved": snap.Retrieved,
		"failed":    snap.Failed,
		"elapsed":   snap.Elapsed.String(),
		"running":   snap.Running,
		"log":       snap.Log,
	}
}

// parseDate accepts YYYY-MM-DD or empty (zero time, defaults applied later).
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

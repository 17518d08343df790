// Package harvest drives the acquisition of tender dossiers from the public
// procurement portal: one browser session per run, a date-windowed search,
// then bounded-concurrency retrieval of every dossier archive found.
//
// A Harvester owns at most one Run at a time. Per-dossier failures are
// recorded as data on the run's results; only session-level faults (browser
// launch, search protocol) abort a run.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/dcepipe/harvest/internal/browser"
	"github.com/hazyhaar/dcepipe/tender"
)

// session bundles the run-scoped browser and its download staging directory.
type session struct {
	mgr     *browser.Manager
	staging string
}

func (s *session) close() {
	if s.mgr != nil {
		s.mgr.Close()
	}
	if s.staging != "" {
		os.RemoveAll(s.staging)
	}
}

// Harvester retrieves dossier archives from the portal. Safe for concurrent
// use; Start rejects overlapping runs with ErrRunActive.
type Harvester struct {
	cfg Config

	mu     sync.Mutex
	active *Run

	// Injection points for the browser-driven stages. Tests swap these;
	// production uses the Rod implementations.
	openSession func(ctx context.Context) (*session, error)
	enumerate   func(ctx context.Context, s *session, rng DateRange, run *Run) ([]string, error)
	fetch       func(ctx context.Context, s *session, run *Run, index int, locator string) RetrievedArchive
}

// New creates a Harvester.
func New(cfg Config) *Harvester {
	cfg.defaults()
	h := &Harvester{cfg: cfg}
	h.openSession = h.openRodSession
	h.enumerate = h.collectLocators
	h.fetch = h.fetchDossier
	return h
}

// Run is a handle on one in-flight (or finished) harvest.
type Run struct {
	h        *Harvester
	rng      DateRange
	progress *progress
	stop     atomic.Bool
	done     chan struct{}

	// Written by execute before done closes, read-only afterwards.
	archives []RetrievedArchive
	err      error
}

// Start begins a harvest over the given date range. It returns immediately;
// the run proceeds in the background until done, stopped, or ctx cancelled.
func (h *Harvester) Start(ctx context.Context, rng DateRange) (*Run, error) {
	h.mu.Lock()
	if h.active != nil {
		h.mu.Unlock()
		return nil, ErrRunActive
	}
	r := &Run{
		h:        h,
		rng:      rng.Normalize(time.Now()),
		progress: newProgress(h.cfg.Logger, h.cfg.OnProgress),
		done:     make(chan struct{}),
	}
	h.active = r
	h.mu.Unlock()

	go r.execute(ctx)
	return r, nil
}

// Active returns the currently running Run, or nil.
func (h *Harvester) Active() *Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		select {
		case <-h.active.done:
			return nil
		default:
		}
	}
	return h.active
}

func (h *Harvester) clearActive(r *Run) {
	h.mu.Lock()
	if h.active == r {
		h.active = nil
	}
	h.mu.Unlock()
}

// Wait blocks until the run resolves and returns its archives. The error is
// non-nil only for session-level faults (it then wraps ErrSession); individual
// retrieval failures live on the archives themselves.
func (r *Run) Wait() ([]RetrievedArchive, error) {
	<-r.done
	return r.archives, r.err
}

// Stop requests a cooperative halt: retrievals already in flight finish and
// are counted, pending ones are skipped. Stop never interrupts a download.
func (r *Run) Stop() {
	if r.stop.CompareAndSwap(false, true) {
		r.progress.logf("warn", "stop requested, finishing in-flight retrievals")
	}
}

// Progress returns a point-in-time snapshot of the run.
func (r *Run) Progress() Snapshot {
	return r.progress.snapshot()
}

func (r *Run) stopped() bool {
	return r.stop.Load()
}

func (r *Run) execute(ctx context.Context) {
	defer close(r.done)
	defer r.h.clearActive(r)

	h := r.h
	p := r.progress

	p.setPhase("opening browser session")
	p.logf("info", fmt.Sprintf("harvest started: %s to %s",
		portalDate(r.rng.Start), portalDate(r.rng.End)))

	s, err := h.openSession(ctx)
	if err != nil {
		p.logf("error", fmt.Sprintf("browser session failed: %v", err))
		p.fail("session failed")
		r.err = fmt.Errorf("%w: %v", ErrSession, err)
		return
	}
	defer s.close()

	p.setPhase("searching dossiers")
	locators, err := h.enumerate(ctx, s, r.rng, r)
	if err != nil {
		p.logf("error", fmt.Sprintf("dossier search failed: %v", err))
		p.fail("search failed")
		r.err = fmt.Errorf("%w: %v", ErrSession, err)
		return
	}

	p.setTotal(len(locators))
	p.logf("info", fmt.Sprintf("found %d dossiers", len(locators)))
	if len(locators) == 0 {
		p.finish()
		return
	}

	p.setPhase("retrieving dossiers")
	results := make([]RetrievedArchive, len(locators))

	var g errgroup.Group
	g.SetLimit(h.cfg.MaxConcurrent)
	for i, loc := range locators {
		g.Go(func() error {
			if r.stopped() {
				results[i] = RetrievedArchive{
					Index:   i,
					Locator: loc,
					Outcome: tender.OutcomeSkipped,
					Detail:  "run stopped before retrieval",
				}
				return nil
			}

			res := h.fetch(ctx, s, r, i, loc)
			results[i] = res

			ok := res.Outcome == tender.OutcomeSuccess
			p.record(ok)
			if ok {
				p.logf("info", fmt.Sprintf("retrieved dossier %d/%d (%s, %d bytes)",
					i+1, len(locators), res.SuggestedName, len(res.Data)),
					slog.String("locator", loc))
			} else {
				p.logf("warn", fmt.Sprintf("dossier %d/%d failed: %s",
					i+1, len(locators), res.Detail),
					slog.String("locator", loc))
			}
			return nil
		})
	}
	g.Wait()

	r.archives = results
	p.finish()
}

// openRodSession launches the browser and prepares an empty staging
// directory that Chrome will drop archives into. Downloads land under their
// CDP GUID and are read and deleted as soon as they complete.
func (h *Harvester) openRodSession(ctx context.Context) (*session, error) {
	mgr := browser.NewManager(browser.Config{
		RemoteURL: h.cfg.RemoteBrowserURL,
		Headless:  *h.cfg.Headless,
		Logger:    h.cfg.Logger,
	})

	b, err := mgr.Start(ctx)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	staging, err := os.MkdirTemp("", "dcepipe-staging-*")
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("harvest: staging dir: %w", err)
	}

	err = proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		DownloadPath:  staging,
		EventsEnabled: true,
	}.Call(b)
	if err != nil {
		mgr.Close()
		os.RemoveAll(staging)
		return nil, fmt.Errorf("harvest: download behavior: %w", err)
	}

	return &session{mgr: mgr, staging: staging}, nil
}

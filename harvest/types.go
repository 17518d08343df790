package harvest

import (
	"errors"
	"time"

	"github.com/hazyhaar/dcepipe/tender"
)

// ErrRunActive is returned by Start while another run owns the harvester.
// Concurrent runs against the same portal session are rejected by design.
var ErrRunActive = errors.New("harvest: a run is already active")

// ErrSession wraps orchestration-level faults: the browser session could not
// be established or the search protocol failed outright. These abort the
// whole run, unlike per-dossier retrieval failures.
var ErrSession = errors.New("harvest: session failure")

// DateRange is the inclusive publication date window to search. A zero
// Start defaults to yesterday; a zero End defaults to Start.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Normalize applies the defaults against the given clock time.
func (r DateRange) Normalize(now time.Time) DateRange {
	if r.Start.IsZero() {
		r.Start = now.AddDate(0, 0, -1)
	}
	if r.End.IsZero() {
		r.End = r.Start
	}
	return r
}

// portalDate renders a date the way the portal's form expects it.
func portalDate(t time.Time) string {
	return t.Format("02/01/2006")
}

// RetrievedArchive is one dossier retrieval result. Data is present only on
// success and is owned by the caller once Wait returns.
type RetrievedArchive struct {
	Index         int
	Locator       string
	Outcome       tender.Outcome
	Detail        string
	Data          []byte
	SuggestedName string
}

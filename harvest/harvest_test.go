package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/dcepipe/tender"
)

// newFakeHarvester returns a Harvester whose browser stages are replaced:
// enumerate yields n locators, fetch applies verdict per index.
func newFakeHarvester(cfg Config, n int, verdict func(i int) tender.Outcome) *Harvester {
	h := New(cfg)
	h.openSession = func(ctx context.Context) (*session, error) {
		return &session{}, nil
	}
	h.enumerate = func(ctx context.Context, s *session, rng DateRange, run *Run) ([]string, error) {
		locators := make([]string, n)
		for i := range locators {
			locators[i] = fmt.Sprintf("https://portal.example/detail?id=%d", i)
		}
		return locators, nil
	}
	h.fetch = func(ctx context.Context, s *session, run *Run, index int, locator string) RetrievedArchive {
		res := RetrievedArchive{Index: index, Locator: locator, Outcome: verdict(index)}
		if res.Outcome == tender.OutcomeSuccess {
			res.Data = []byte("zip-bytes")
			res.SuggestedName = fmt.Sprintf("dce_%d.zip", index)
		} else {
			res.Detail = "download timed out"
		}
		return res
	}
	return h
}

func allSuccess(int) tender.Outcome { return tender.OutcomeSuccess }

func TestRunCountsAndCompletion(t *testing.T) {
	// Every third retrieval fails; failures are data, not errors.
	h := newFakeHarvester(Config{}, 10, func(i int) tender.Outcome {
		if i%3 == 0 {
			return tender.OutcomeFailed
		}
		return tender.OutcomeSuccess
	})

	run, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	archives, err := run.Wait()
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(archives) != 10 {
		t.Fatalf("got %d archives, want 10", len(archives))
	}

	snap := run.Progress()
	if snap.Total != 10 {
		t.Errorf("total = %d, want 10", snap.Total)
	}
	if snap.Retrieved != 6 || snap.Failed != 4 {
		t.Errorf("retrieved/failed = %d/%d, want 6/4", snap.Retrieved, snap.Failed)
	}
	if snap.Running {
		t.Error("run still reported running after Wait")
	}
	if snap.Phase != "completed" {
		t.Errorf("phase = %q", snap.Phase)
	}

	for _, a := range archives {
		if a.Outcome == tender.OutcomeSuccess && len(a.Data) == 0 {
			t.Errorf("archive %d succeeded without data", a.Index)
		}
		if a.Outcome == tender.OutcomeFailed && a.Detail == "" {
			t.Errorf("archive %d failed without detail", a.Index)
		}
	}
}

func TestStartRejectsConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	h := newFakeHarvester(Config{}, 1, allSuccess)
	inner := h.fetch
	h.fetch = func(ctx context.Context, s *session, run *Run, index int, locator string) RetrievedArchive {
		<-release
		return inner(ctx, s, run, index, locator)
	}

	run, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Start(context.Background(), DateRange{}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second Start err = %v, want ErrRunActive", err)
	}

	close(release)
	if _, err := run.Wait(); err != nil {
		t.Fatal(err)
	}

	// The slot frees once the run resolves.
	run2, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	run2.Wait()
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 3
	var inFlight, peak atomic.Int64

	h := newFakeHarvester(Config{MaxConcurrent: limit}, 20, allSuccess)
	inner := h.fetch
	h.fetch = func(ctx context.Context, s *session, run *Run, index int, locator string) RetrievedArchive {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return inner(ctx, s, run, index, locator)
	}

	run, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	run.Wait()

	if p := peak.Load(); p > limit {
		t.Fatalf("peak concurrency %d exceeds limit %d", p, limit)
	}
}

func TestStopSkipsPendingRetrievals(t *testing.T) {
	var calls atomic.Int64
	h := newFakeHarvester(Config{MaxConcurrent: 1}, 10, allSuccess)
	inner := h.fetch

	h.fetch = func(ctx context.Context, s *session, run *Run, index int, locator string) RetrievedArchive {
		if calls.Add(1) == 3 {
			run.Stop()
		}
		return inner(ctx, s, run, index, locator)
	}

	run, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	archives, err := run.Wait()
	if err != nil {
		t.Fatal(err)
	}

	var retrieved, skipped int
	for _, a := range archives {
		switch a.Outcome {
		case tender.OutcomeSuccess:
			retrieved++
		case tender.OutcomeSkipped:
			skipped++
		}
	}
	if retrieved != 3 {
		t.Errorf("retrieved = %d, want 3 (in-flight finishes, stop is advisory)", retrieved)
	}
	if skipped != 7 {
		t.Errorf("skipped = %d, want 7", skipped)
	}

	// Skipped retrievals never touch the counters.
	snap := run.Progress()
	if snap.Retrieved+snap.Failed != 3 {
		t.Errorf("counted %d retrievals, want 3", snap.Retrieved+snap.Failed)
	}
	if snap.Running {
		t.Error("run still reported running")
	}
}

func TestSessionFailureAbortsRun(t *testing.T) {
	h := newFakeHarvester(Config{}, 5, allSuccess)
	h.openSession = func(ctx context.Context) (*session, error) {
		return nil, errors.New("chrome refused to start")
	}

	run, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	archives, err := run.Wait()
	if !errors.Is(err, ErrSession) {
		t.Fatalf("err = %v, want ErrSession", err)
	}
	if archives != nil {
		t.Fatal("no archives expected on session failure")
	}
	if snap := run.Progress(); snap.Running {
		t.Error("run still reported running")
	}
}

func TestSearchFailureAbortsRun(t *testing.T) {
	h := newFakeHarvester(Config{}, 5, allSuccess)
	h.enumerate = func(ctx context.Context, s *session, rng DateRange, run *Run) ([]string, error) {
		return nil, errors.New("search form changed")
	}

	run, _ := h.Start(context.Background(), DateRange{})
	if _, err := run.Wait(); !errors.Is(err, ErrSession) {
		t.Fatalf("err = %v, want ErrSession", err)
	}
}

func TestEmptyEnumerationCompletesCleanly(t *testing.T) {
	h := newFakeHarvester(Config{}, 0, allSuccess)

	run, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	archives, err := run.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 0 {
		t.Fatalf("got %d archives, want 0", len(archives))
	}
	if snap := run.Progress(); snap.Phase != "completed" || snap.Total != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestOnProgressObserver(t *testing.T) {
	var mu sync.Mutex
	var snaps []Snapshot

	cfg := Config{OnProgress: func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}}
	h := newFakeHarvester(cfg, 4, allSuccess)

	run, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	run.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) == 0 {
		t.Fatal("observer never notified")
	}
	last := snaps[len(snaps)-1]
	if last.Running || last.Retrieved != 4 {
		t.Fatalf("final snapshot = %+v", last)
	}
	// One record notification per resolved retrieval plus phase changes.
	counted := 0
	for _, s := range snaps {
		if s.Retrieved+s.Failed > counted {
			counted = s.Retrieved + s.Failed
		}
	}
	if counted != 4 {
		t.Fatalf("counted %d retrievals via snapshots, want 4", counted)
	}
}

func TestOnProgressDeliveryOrder(t *testing.T) {
	// With concurrent retrievals resolving together, snapshots must still
	// arrive in the order the counters were applied: the resolved count
	// never goes backwards across deliveries.
	var mu sync.Mutex
	var counts []int

	cfg := Config{MaxConcurrent: 4, OnProgress: func(s Snapshot) {
		mu.Lock()
		counts = append(counts, s.Retrieved+s.Failed)
		mu.Unlock()
	}}
	h := newFakeHarvester(cfg, 30, allSuccess)

	run, err := h.Start(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	run.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(counts); i++ {
		if counts[i] < counts[i-1] {
			t.Fatalf("snapshot %d delivered out of order: %d after %d", i, counts[i], counts[i-1])
		}
	}
}

func TestActiveHandle(t *testing.T) {
	release := make(chan struct{})
	h := newFakeHarvester(Config{}, 1, allSuccess)
	inner := h.fetch
	h.fetch = func(ctx context.Context, s *session, run *Run, index int, locator string) RetrievedArchive {
		<-release
		return inner(ctx, s, run, index, locator)
	}

	if h.Active() != nil {
		t.Fatal("no run should be active initially")
	}
	run, _ := h.Start(context.Background(), DateRange{})
	if h.Active() != run {
		t.Fatal("active run not reported")
	}
	close(release)
	run.Wait()
	if h.Active() != nil {
		t.Fatal("run still active after completion")
	}
}

func TestDateRangeNormalize(t *testing.T) {
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	r := DateRange{}.Normalize(now)
	if !r.Start.Equal(now.AddDate(0, 0, -1)) {
		t.Errorf("zero start = %v, want yesterday", r.Start)
	}
	if !r.End.Equal(r.Start) {
		t.Errorf("zero end = %v, want start", r.End)
	}

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r = DateRange{Start: start}.Normalize(now)
	if !r.Start.Equal(start) || !r.End.Equal(start) {
		t.Errorf("range = %+v", r)
	}
}

func TestPortalDate(t *testing.T) {
	d := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	if got := portalDate(d); got != "05/08/2026" {
		t.Fatalf("portalDate = %q", got)
	}
}

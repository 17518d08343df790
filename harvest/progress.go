package harvest

import (
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one line of the run's append-only activity log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Snapshot is a point-in-time copy of a run's progress. Observers receive
// snapshots, never the live record, so reads are torn-free by construction.
type Snapshot struct {
	Phase     string        `json:"phase"`
	Total     int           `json:"total"`
	Retrieved int           `json:"retrieved"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
	Running   bool          `json:"running"`
	Log       []LogEntry    `json:"log"`
}

// progress is the run-scoped mutable progress record. The orchestrator is
// its single writer; everyone else sees snapshots.
//
// notifyMu is held across a state change and its observer callback, so
// snapshots are delivered in the order the changes were applied. Readers take
// only mu, which keeps an observer free to call Progress from the callback.
type progress struct {
	mu        sync.Mutex
	notifyMu  sync.Mutex
	onUpdate  func(Snapshot)
	logger    *slog.Logger
	started   time.Time
	phase     string
	total     int
	retrieved int
	failed    int
	running   bool
	log       []LogEntry
}

func newProgress(logger *slog.Logger, onUpdate func(Snapshot)) *progress {
	return &progress{
		logger:   logger,
		onUpdate: onUpdate,
		started:  time.Now(),
		phase:    "initializing",
		running:  true,
	}
}

func (p *progress) setPhase(phase string) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.phase = phase
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.notify(snap)
}

func (p *progress) setTotal(n int) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.total = n
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.notify(snap)
}

// record counts one resolved retrieval and notifies the observer exactly
// once for it.
func (p *progress) record(success bool) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if success {
		p.retrieved++
	} else {
		p.failed++
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.notify(snap)
}

func (p *progress) logf(level, msg string, args ...slog.Attr) {
	p.mu.Lock()
	p.log = append(p.log, LogEntry{Time: time.Now(), Level: level, Message: msg})
	p.mu.Unlock()

	attrs := make([]any, 0, len(args))
	for _, a := range args {
		attrs = append(attrs, a)
	}
	switch level {
	case "error":
		p.logger.Error(msg, attrs...)
	case "warn":
		p.logger.Warn(msg, attrs...)
	default:
		p.logger.Info(msg, attrs...)
	}
}

func (p *progress) finish() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.running = false
	p.phase = "completed"
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.notify(snap)
}

func (p *progress) fail(phase string) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.running = false
	p.phase = phase
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.notify(snap)
}

func (p *progress) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *progress) snapshotLocked() Snapshot {
	logCopy := make([]LogEntry, len(p.log))
	copy(logCopy, p.log)
	return Snapshot{
		Phase:     p.phase,
		Total:     p.total,
		Retrieved: p.retrieved,
		Failed:    p.failed,
		Elapsed:   time.Since(p.started),
		Running:   p.running,
		Log:       logCopy,
	}
}

func (p *progress) notify(snap Snapshot) {
	if p.onUpdate != nil {
		p.onUpdate(snap)
	}
}

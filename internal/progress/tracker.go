// Package progress tracks a compression run's elapsed time and estimates the
// time remaining from completed chunk durations.
package progress

import (
	"math"
	"sync"
	"time"
)

// DefaultTick is the publishing and ETA decay period.
const DefaultTick = time.Second

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	Mode      string        `json:"mode,omitempty"`
	Label     string        `json:"label,omitempty"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Percent   float64       `json:"percent"`
	Elapsed   time.Duration `json:"elapsed"`
	ETA       time.Duration `json:"eta"`
	HasETA    bool          `json:"has_eta"`
	Done      bool          `json:"done"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithTickInterval changes the publishing period and decay step.
func WithTickInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.tick = d
		}
	}
}

// WithParallelism tells the estimator how many chunks run at once.
func WithParallelism(p int) Option {
	return func(t *Tracker) {
		if p > 0 {
			t.parallelism = p
		}
	}
}

// Tracker is scoped to one run. All methods are safe for concurrent use.
type Tracker struct {
	now         func() time.Time
	tick        time.Duration
	parallelism int

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	mode      string
	label     string
	total     int
	durations []time.Duration
	etaBase   time.Duration
	etaSetAt  time.Time
	hasETA    bool
	done      bool
	subs      []func(Snapshot)

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

// NewTracker returns an idle tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:         time.Now,
		tick:        DefaultTick,
		parallelism: 1,
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Subscribe registers fn to receive snapshots on every tick and state change.
// fn must not call back into the tracker's mutating methods.
func (t *Tracker) Subscribe(fn func(Snapshot)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// Start records the start time and begins publishing. Calling it again is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.startedAt = t.now()
	t.mu.Unlock()

	go t.loop()
	t.publish()
}

func (t *Tracker) loop() {
	defer close(t.loopDone)
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.publish()
		case <-t.stopCh:
			return
		}
	}
}

// Stop halts publishing and waits for the publisher to exit. Idempotent.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		if started {
			<-t.loopDone
		}
	})
}

// Stopped reports whether Stop has been called.
func (t *Tracker) Stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// SetMode records the chosen mode and the number of chunks to expect.
func (t *Tracker) SetMode(mode string, totalChunks int) {
	t.mu.Lock()
	t.mode = mode
	t.total = totalChunks
	t.mu.Unlock()
	t.publish()
}

// SetLabel changes the human-readable activity label.
func (t *Tracker) SetLabel(label string) {
	t.mu.Lock()
	t.label = label
	t.mu.Unlock()
	t.publish()
}

// RecordChunkCompletion adds d to the history and resets the estimate to
// mean(durations) * waves, where waves = ceil(remaining / parallelism).
func (t *Tracker) RecordChunkCompletion(d time.Duration) {
	t.mu.Lock()
	t.durations = append(t.durations, d)
	var sum time.Duration
	for _, v := range t.durations {
		sum += v
	}
	mean := sum / time.Duration(len(t.durations))
	remaining := t.total - len(t.durations)
	if remaining < 0 {
		remaining = 0
	}
	waves := int(math.Ceil(float64(remaining) / float64(t.parallelism)))
	t.etaBase = mean * time.Duration(waves)
	t.etaSetAt = t.now()
	t.hasETA = true
	t.mu.Unlock()
	t.publish()
}

// Complete marks the run finished; percent becomes 100 and the ETA zero.
func (t *Tracker) Complete() {
	t.mu.Lock()
	t.done = true
	t.etaBase = 0
	t.etaSetAt = t.now()
	t.mu.Unlock()
	t.publish()
}

// Snapshot computes the current view. The ETA decays by one tick per elapsed
// tick since the last completion and never drops below zero.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	now := t.now()
	s := Snapshot{
		Mode:      t.mode,
		Label:     t.label,
		Completed: len(t.durations),
		Total:     t.total,
		HasETA:    t.hasETA,
		Done:      t.done,
	}
	if t.started {
		s.Elapsed = now.Sub(t.startedAt)
	}
	switch {
	case t.done:
		s.Percent = 100
	case t.total > 0:
		s.Percent = math.Min(100, float64(s.Completed)*100/float64(t.total))
	}
	if t.hasETA {
		eta := t.etaBase - now.Sub(t.etaSetAt).Truncate(t.tick)
		if eta < 0 {
			eta = 0
		}
		s.ETA = eta
	}
	return s
}

func (t *Tracker) publish() {
	t.mu.Lock()
	if len(t.subs) == 0 {
		t.mu.Unlock()
		return
	}
	snap := t.snapshotLocked()
	subs := make([]func(Snapshot), len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

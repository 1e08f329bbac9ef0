// Package pull tracks image pull progress reported by the Docker daemon
// and fans condensed progress events out to interested sessions.
package pull

import (
	"sync"
	"time"
)

// DefaultHideGrace is how long the final progress state stays visible
// before subscribers are told to hide the indicator.
const DefaultHideGrace = 1200 * time.Millisecond

// Event is one condensed progress update for an image pull. Progress is
// the daemon's raw progress string; Percent is derived from it and absent
// when the string carries no usable ratio.
type Event struct {
	ImageName string `json:"imageName"`
	Status    string `json:"status"`
	Progress  string `json:"progress,omitempty"`
	Percent   *int   `json:"percent,omitempty"`
	Error     string `json:"error,omitempty"`
	Hide      bool   `json:"hide,omitempty"`
}

// Tracker condenses the daemon's raw progress stream for one image pull.
// Raw messages arrive far more often than a UI can usefully render; the
// tracker forwards an event only when the status line changes or the
// derived percentage moves by at least one point.
type Tracker struct {
	image string
	sink  func(Event)
	grace time.Duration

	mu       sync.Mutex
	last     Event
	observed bool
	finished bool
}

// NewTracker creates a tracker that forwards condensed events to sink.
func NewTracker(image string, sink func(Event)) *Tracker {
	return &Tracker{image: image, sink: sink, grace: DefaultHideGrace}
}

// SetHideGrace overrides the hide delay. Zero disables the delay.
func (t *Tracker) SetHideGrace(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grace = d
}

// Observe consumes one raw progress message from the daemon stream.
func (t *Tracker) Observe(status, progress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}

	ev := Event{ImageName: t.image, Status: status, Progress: progress}
	if pct, ok := ParsePercent(progress); ok {
		ev.Percent = &pct
	}

	if t.observed && ev.Status == t.last.Status && !moved(ev.Percent, t.last.Percent) {
		return
	}
	t.observed = true
	t.last = ev
	t.sink(ev)
}

// Finish marks the pull complete. It emits one final event (an error event
// when err is non-nil, a 100% completion otherwise), then a hide event once
// the grace delay elapses so the final state stays visible briefly.
func (t *Tracker) Finish(err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true

	hundred := 100
	ev := Event{ImageName: t.image, Status: "Pull complete", Percent: &hundred}
	if err != nil {
		ev = Event{ImageName: t.image, Status: "Pull failed", Progress: t.last.Progress, Percent: t.last.Percent, Error: err.Error()}
	}
	grace := t.grace
	t.mu.Unlock()

	t.sink(ev)

	hide := Event{ImageName: t.image, Status: ev.Status, Progress: ev.Progress, Percent: ev.Percent, Error: ev.Error, Hide: true}
	if grace <= 0 {
		t.sink(hide)
		return
	}
	time.AfterFunc(grace, func() {
		t.sink(hide)
	})
}

func moved(a, b *int) bool {
	if a == nil && b == nil {
		return false
	}
	if a == nil || b == nil {
		return true
	}
	d := *a - *b
	if d < 0 {
		d = -d
	}
	return d >= 1
}

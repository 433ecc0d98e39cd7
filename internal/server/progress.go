package server

import (
	"sync"

	"github.com/nnlgsakib/openhash-nodeman/internal/updater"
)

// Update cycle states reported by /update/status.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// UpdateSnapshot is the latest observed download state. The shell polls it
// instead of holding a connection open for push events.
type UpdateSnapshot struct {
	State   string `json:"state"`
	Tag     string `json:"tag,omitempty"`
	Current uint64 `json:"current"`
	Total   uint64 `json:"total"`
	Error   string `json:"error,omitempty"`
}

// ProgressTracker implements updater.Notifier and retains the most recent
// event for polling.
type ProgressTracker struct {
	mu   sync.Mutex
	snap UpdateSnapshot
}

var _ updater.Notifier = (*ProgressTracker)(nil)

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{snap: UpdateSnapshot{State: StateIdle}}
}

func (t *ProgressTracker) OnProgress(p updater.Progress) {
	t.mu.Lock()
	t.snap.Current = p.Current
	t.snap.Total = p.Total
	t.mu.Unlock()
}

func (t *ProgressTracker) OnComplete(tag string) {
	t.mu.Lock()
	t.snap.Tag = tag
	t.mu.Unlock()
}

// begin claims a new cycle; it fails when one is already running.
func (t *ProgressTracker) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.State == StateRunning {
		return false
	}
	t.snap = UpdateSnapshot{State: StateRunning}
	return true
}

func (t *ProgressTracker) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.snap.State = StateFailed
		t.snap.Error = err.Error()
		return
	}
	t.snap.State = StateComplete
}

// Snapshot returns a copy of the current state.
func (t *ProgressTracker) Snapshot() UpdateSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxDiagnosticEvents = 512

// DiagnosticEvent is one recorded relay lifecycle transition. It is never
// persisted to disk — it exists only for /health and /debug/events, and is
// discarded on stopRelay. Adapted from the teacher's on-disk DebugSession
// ring (internal/storage.Store): same mutex-guarded append-and-evict shape,
// kept in memory only, since persistent state between restarts is out of
// scope for this relay.
type DiagnosticEvent struct {
	ID     string         `json:"id"`
	At     time.Time      `json:"at"`
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

// diagnosticsLog is a capped, append-only ring buffer of DiagnosticEvents.
type diagnosticsLog struct {
	mu     sync.RWMutex
	events []DiagnosticEvent
}

func newDiagnosticsLog() *diagnosticsLog {
	return &diagnosticsLog{events: make([]DiagnosticEvent, 0, maxDiagnosticEvents)}
}

func (d *diagnosticsLog) Record(kind string, detail map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = append(d.events, DiagnosticEvent{
		ID:     uuid.NewString(),
		At:     time.Now(),
		Kind:   kind,
		Detail: detail,
	})

	if over := len(d.events) - maxDiagnosticEvents; over > 0 {
		d.events = d.events[over:]
	}
}

// Snapshot returns up to limit events, most recent first. limit <= 0 returns
// everything currently buffered.
func (d *diagnosticsLog) Snapshot(limit int) []DiagnosticEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := len(d.events)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]DiagnosticEvent, n)
	for i := 0; i < n; i++ {
		out[i] = d.events[len(d.events)-1-i]
	}
	return out
}

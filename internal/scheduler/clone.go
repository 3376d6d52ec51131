package scheduler

import (
	"time"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/worker"
)

// CloneState is a clone's position in its lifecycle.
type CloneState int

const (
	StateRunnable CloneState = iota
	StateRunning
	StateWaiting
	StateDone
)

func (s CloneState) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// CloneID identifies a clone by its template name and a per-template
// monotonic serial, stable across save/load.
type CloneID struct {
	Template string
	Serial   int
}

// clone is a live task bound to a worker template and a triggering entry.
type clone struct {
	id       CloneID
	tmpl     *worker.Template
	instance worker.Instance

	trigger Match

	state     CloneState
	err       error
	startedAt time.Time

	cancel func()
}

// Match mirrors wait.Match: the (kind, type, id) triple that spawned a
// clone, kept independent of the wait package so the scheduler's own
// dispatch queue does not import wait's internal queue types.
type Match struct {
	Kind blackboard.Kind
	Type string
	ID   int
}

// CloneRecord is the save/load-visible shape of a clone: template name by
// value rather than pointer, since a *worker.Template cannot cross a gob
// boundary and is rebound against the current registry on load.
type CloneRecord struct {
	ID      CloneID
	State   CloneState
	Trigger Match
}

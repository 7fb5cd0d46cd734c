// Package registry keeps the state of runs started in the background so
// pollers can read them. Entries live until TTL after they finish.
package registry

import (
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

// Entry is a snapshot of one registered run.
type Entry struct {
	RunID      string     `json:"processingJobId"`
	JobID      string     `json:"jobId"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	Result     any        `json:"result,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration
	now     func() time.Time
}

func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{entries: make(map[string]*Entry), ttl: ttl, now: time.Now}
}

// Register records a running run. Registering an existing id resets it.
func (r *Registry) Register(runID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[runID] = &Entry{RunID: runID, JobID: jobID, State: StateRunning, StartedAt: r.now()}
}

// Finish marks a run done, or error when err is non-nil.
func (r *Registry) Finish(runID string, result any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok {
		e = &Entry{RunID: runID, StartedAt: r.now()}
		r.entries[runID] = e
	}
	t := r.now()
	e.FinishedAt = &t
	e.Result = result
	e.State = StateDone
	if err != nil {
		e.State = StateError
		e.Error = err.Error()
	}
}

func (r *Registry) Get(runID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[runID]
	if !ok || r.expired(e) {
		return Entry{}, false
	}
	return *e, true
}

// Active lists running entries for a job, oldest first.
func (r *Registry) Active(jobID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.JobID == jobID && e.State == StateRunning {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// GC drops finished entries older than the TTL and returns how many went.
func (r *Registry) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if r.expired(e) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Sweep runs GC every interval until stop is closed.
func (r *Registry) Sweep(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.GC()
		case <-stop:
			return
		}
	}
}

func (r *Registry) expired(e *Entry) bool {
	return e.FinishedAt != nil && r.now().Sub(*e.FinishedAt) > r.ttl
}

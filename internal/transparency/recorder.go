// Package transparency provides the append-only reasoning audit channel
// for analysis runs. Thought traces are purely additive: they are recorded
// for inspection and debugging and never influence stage control flow.
package transparency

import (
	"sync"
	"time"
)

// ThoughtTrace is a single reasoning step recorded during stage execution.
type ThoughtTrace struct {
	Step         string    `json:"step"`
	Reasoning    string    `json:"reasoning"`
	Observations []string  `json:"observations,omitempty"`
	Decisions    []string  `json:"decisions,omitempty"`
	Confidence   float64   `json:"confidence"`
	Timestamp    time.Time `json:"timestamp"`
}

// Recorder collects thought traces per session. Traces recorded while a
// stage handler is running accumulate in a pending buffer that the stage
// executor drains into the checkpoint it writes for that stage.
type Recorder struct {
	mu      sync.Mutex
	history map[string][]ThoughtTrace
	pending map[string][]ThoughtTrace
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		history: make(map[string][]ThoughtTrace),
		pending: make(map[string][]ThoughtTrace),
	}
}

// Record appends a trace to the session's narrative and to the pending
// buffer for the in-flight stage. Safe for concurrent use.
func (r *Recorder) Record(sessionID string, t ThoughtTrace) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[sessionID] = append(r.history[sessionID], t)
	r.pending[sessionID] = append(r.pending[sessionID], t)
}

// Drain returns the traces recorded since the last drain and clears the
// pending buffer. The session-level narrative is untouched.
func (r *Recorder) Drain(sessionID string) []ThoughtTrace {
	r.mu.Lock()
	defer r.mu.Unlock()

	traces := r.pending[sessionID]
	delete(r.pending, sessionID)
	return traces
}

// History returns a copy of every trace recorded for the session.
func (r *Recorder) History(sessionID string) []ThoughtTrace {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.history[sessionID]
	out := make([]ThoughtTrace, len(src))
	copy(out, src)
	return out
}

// Forget releases the in-memory buffers for a session. Called after a run
// reaches a terminal stage; the durable copy lives in the session record.
func (r *Recorder) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, sessionID)
	delete(r.pending, sessionID)
}

package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mise/internal/broadcast"
	"mise/internal/logging"
	"mise/internal/transparency"
)

// ErrSessionBusy is returned when a run or resume is requested for a
// session whose pipeline is already executing.
var ErrSessionBusy = errors.New("analysis already running for this session")

// ErrCanceled is returned when a run stops because cancellation was
// requested over the live channel. Cancellation is cooperative: the
// in-flight stage finishes (or fails on its context) and the driver
// stops before the next stage.
var ErrCanceled = errors.New("analysis run canceled")

// Pipeline is the top-level driver: it walks the stage registry in
// order, delegates each stage to the executor, and owns the terminal
// transitions to Completed and Failed.
type Pipeline struct {
	store    SessionStore
	recorder *transparency.Recorder
	hub      *broadcast.Hub
	caps     Capabilities
	exec     *Executor
	locks    *sessionLocks

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// NewPipeline wires the orchestrator together.
func NewPipeline(store SessionStore, recorder *transparency.Recorder, hub *broadcast.Hub, caps Capabilities) *Pipeline {
	return &Pipeline{
		store:    store,
		recorder: recorder,
		hub:      hub,
		caps:     caps,
		exec:     NewExecutor(store, recorder, hub),
		locks:    newSessionLocks(),
		runs:     make(map[string]context.CancelFunc),
	}
}

// Recorder exposes the thought-trace recorder so stage handlers and
// inspection tooling share one audit channel.
func (p *Pipeline) Recorder() *transparency.Recorder {
	return p.recorder
}

// Hub exposes the progress broadcaster for the live channel layer.
func (p *Pipeline) Hub() *broadcast.Hub {
	return p.hub
}

// Create builds and persists a new session without running it.
func (p *Pipeline) Create(ctx context.Context, req StartRequest) (*Session, error) {
	sess := NewSession(req)
	if err := p.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	logging.Analysis("session %s created for %q", sess.ID, req.RestaurantName)
	return sess, nil
}

// Run executes the pipeline for a session from its resume point to the
// end. Fresh sessions start at the first stage; crashed or failed runs
// re-enter at the first stage lacking a success checkpoint; fully
// completed sessions pass straight through to finalization without
// invoking any handler.
func (p *Pipeline) Run(ctx context.Context, sessionID string) error {
	if !p.locks.acquire(sessionID) {
		return ErrSessionBusy
	}
	defer p.locks.release(sessionID)

	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.runs[sessionID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.runs, sessionID)
		p.mu.Unlock()
	}()

	if sess.CurrentStage == StageFailed {
		// Retrying exactly the stage that failed: the resume scan lands
		// on it because it has no success checkpoint.
		stage, _ := ResumeStage(sess)
		logging.Analysis("session %s: retrying failed run from stage %s", sess.ID, stage)
		sess.CurrentStage = stage
		sess.Archived = false
	}

	start := ResumeIndex(sess)
	specs := PipelineSpecs()
	if start > 0 && start < len(specs) {
		logging.Analysis("session %s: resuming at stage %s (%d/%d done)",
			sess.ID, specs[start].Stage, start, len(specs))
	}

	for _, spec := range specs[start:] {
		if runCtx.Err() != nil || sess.Flag("cancel_requested") {
			return p.stopCanceled(ctx, sess)
		}

		handler, ok := p.caps.handlerFor(spec.Stage)
		if !ok {
			handler = func(context.Context, *Session) (StageResult, error) {
				return StageResult{}, fmt.Errorf("no handler configured for stage %s", spec.Stage)
			}
		}

		if err := p.exec.RunStage(runCtx, sess, spec, handler); err != nil {
			return p.failRun(ctx, sess, spec.Stage, err)
		}
	}

	return p.finalize(ctx, sess)
}

// Resume re-enters a previously persisted session. Mechanically
// identical to Run; kept as its own verb for the control surface.
func (p *Pipeline) Resume(ctx context.Context, sessionID string) error {
	return p.Run(ctx, sessionID)
}

// Cancel requests cooperative cancellation of an in-flight run. Returns
// true when a run was active for the session. The acknowledgement does
// not guarantee the in-flight stage stops immediately.
func (p *Pipeline) Cancel(sessionID string) bool {
	p.mu.Lock()
	cancel, ok := p.runs[sessionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a pipeline run is active for the session.
func (p *Pipeline) Running(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[sessionID]
	return ok
}

// Status loads a session and summarizes it.
func (p *Pipeline) Status(ctx context.Context, sessionID string) (Status, error) {
	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	return StatusOf(sess), nil
}

// Export loads the full session record.
func (p *Pipeline) Export(ctx context.Context, sessionID string) (*Session, error) {
	return p.store.Get(ctx, sessionID)
}

// failRun is the single place the Failed transition happens. The failed
// stage's checkpoint is already written; prior successful checkpoints
// and their data remain intact and queryable.
func (p *Pipeline) failRun(ctx context.Context, sess *Session, stage Stage, stageErr error) error {
	sess.CurrentStage = StageFailed
	sess.Archived = true
	sess.UpdatedAt = time.Now()
	if err := p.store.Put(ctx, sess); err != nil {
		logging.AnalysisError("session %s: persisting failed state: %v", sess.ID, err)
	}
	p.hub.Publish(sess.ID, broadcast.Event{
		Type:    broadcast.EventError,
		Stage:   string(stage),
		Message: fmt.Sprintf("analysis halted at %s: %v", stage, stageErr),
	})
	p.recorder.Forget(sess.ID)
	p.store.Evict(sess.ID)
	return fmt.Errorf("stage %s: %w", stage, stageErr)
}

func (p *Pipeline) stopCanceled(ctx context.Context, sess *Session) error {
	sess.SetFlag("cancel_requested", false)
	sess.UpdatedAt = time.Now()
	if err := p.store.Put(ctx, sess); err != nil {
		logging.AnalysisError("session %s: persisting canceled state: %v", sess.ID, err)
	}
	logging.Analysis("session %s: run canceled at stage %s", sess.ID, sess.CurrentStage)
	p.store.Evict(sess.ID)
	return ErrCanceled
}

func (p *Pipeline) finalize(ctx context.Context, sess *Session) error {
	alreadyDone := sess.CurrentStage == StageCompleted

	sess.CurrentStage = StageCompleted
	sess.Archived = true
	sess.UpdatedAt = time.Now()
	if err := p.store.Put(ctx, sess); err != nil {
		return fmt.Errorf("persist completed session %s: %w", sess.ID, err)
	}

	if !alreadyDone {
		logging.Analysis("session %s: pipeline complete (%d checkpoints)", sess.ID, len(sess.Checkpoints))
	}
	p.hub.Publish(sess.ID, broadcast.Event{
		Type:    broadcast.EventPipelineComplete,
		Percent: 100,
		Message: "analysis complete",
		Data:    StatusOf(sess),
	})
	p.recorder.Forget(sess.ID)
	p.store.Evict(sess.ID)
	return nil
}

package analysis

import (
	"context"
	"fmt"
	"time"

	"mise/internal/broadcast"
	"mise/internal/logging"
	"mise/internal/transparency"
)

// Executor runs one stage at a time against the current session state,
// applies the skip/retry/failure policy, writes the checkpoint, and
// updates the current stage. Every attempt produces exactly one
// persistence write and one broadcast, regardless of outcome.
type Executor struct {
	store    SessionStore
	recorder *transparency.Recorder
	hub      *broadcast.Hub
}

// NewExecutor creates a stage executor.
func NewExecutor(store SessionStore, recorder *transparency.Recorder, hub *broadcast.Hub) *Executor {
	return &Executor{store: store, recorder: recorder, hub: hub}
}

// RunStage executes one stage. If the ledger already holds a success
// checkpoint for the stage the handler is not invoked, no checkpoint is
// written, and the checkpoint's snapshot is re-applied to the session;
// this is what makes resume safe and cheap.
//
// A returned error means the stage failed and the stage is Required; the
// caller (the pipeline driver) decides the terminal transition. Optional
// failures are recorded as soft-failure checkpoints and swallowed.
func (e *Executor) RunStage(ctx context.Context, sess *Session, spec StageSpec, run stageFunc) error {
	if cp := sess.SuccessFor(spec.Stage); cp != nil {
		logging.AnalysisDebug("session %s: stage %s already checkpointed, skipping", sess.ID, spec.Stage)
		sess.ApplySnapshot(cp.Snapshot)
		return nil
	}

	logging.Analysis("session %s: running stage %s (%d%%)", sess.ID, spec.Stage, spec.Percent)
	e.hub.Publish(sess.ID, broadcast.Event{
		Type:    broadcast.EventProgress,
		Stage:   string(spec.Stage),
		Percent: spec.Percent,
		Message: fmt.Sprintf("stage %s starting", spec.Stage),
	})

	result, runErr := run(ctx, sess)
	thoughts := e.recorder.Drain(sess.ID)
	sess.Thoughts = append(sess.Thoughts, thoughts...)

	if runErr == nil && !result.Applicable && spec.Policy == PolicyRequired {
		runErr = fmt.Errorf("required stage %s reported not applicable: %s", spec.Stage, result.Message)
	}

	if runErr != nil {
		return e.recordFailure(ctx, sess, spec, runErr, thoughts)
	}
	return e.recordSuccess(ctx, sess, spec, result, thoughts)
}

func (e *Executor) recordSuccess(ctx context.Context, sess *Session, spec StageSpec, result StageResult, thoughts []transparency.ThoughtTrace) error {
	snap := result.Snapshot
	snap.Stage = spec.Stage
	if !result.Applicable {
		snap.Skipped = true
		logging.Analysis("session %s: stage %s not applicable: %s", sess.ID, spec.Stage, result.Message)
	}

	sess.ApplySnapshot(snap)
	sess.Checkpoints = append(sess.Checkpoints, Checkpoint{
		Stage:     spec.Stage,
		Timestamp: time.Now(),
		Success:   true,
		Snapshot:  snap,
		Thoughts:  thoughts,
	})
	sess.CurrentStage = spec.Stage
	sess.UpdatedAt = time.Now()

	// The checkpoint write must land even when the run context was
	// canceled mid-stage; the finished work is durable either way.
	if err := e.store.Put(context.WithoutCancel(ctx), sess); err != nil {
		return fmt.Errorf("persist session after stage %s: %w", spec.Stage, err)
	}

	e.hub.Publish(sess.ID, broadcast.Event{
		Type:    broadcast.EventStageComplete,
		Stage:   string(spec.Stage),
		Percent: spec.Percent,
		Message: result.Message,
		Data:    snap,
	})
	return nil
}

func (e *Executor) recordFailure(ctx context.Context, sess *Session, spec StageSpec, runErr error, thoughts []transparency.ThoughtTrace) error {
	logging.AnalysisError("session %s: stage %s failed: %v", sess.ID, spec.Stage, runErr)

	sess.Checkpoints = append(sess.Checkpoints, Checkpoint{
		Stage:     spec.Stage,
		Timestamp: time.Now(),
		Success:   false,
		Error:     runErr.Error(),
		Snapshot:  StageSnapshot{Stage: spec.Stage},
		Thoughts:  thoughts,
	})
	sess.CurrentStage = spec.Stage
	sess.UpdatedAt = time.Now()

	if err := e.store.Put(context.WithoutCancel(ctx), sess); err != nil {
		return fmt.Errorf("persist session after failed stage %s: %w", spec.Stage, err)
	}

	e.hub.Publish(sess.ID, broadcast.Event{
		Type:    broadcast.EventError,
		Stage:   string(spec.Stage),
		Message: runErr.Error(),
	})

	if spec.Policy == PolicyRequired {
		return runErr
	}
	// Soft failure: the checkpoint carries the error text; the pipeline
	// moves on to the next stage.
	logging.Analysis("session %s: optional stage %s failed softly, continuing", sess.ID, spec.Stage)
	return nil
}

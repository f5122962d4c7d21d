package analysis

// Recovery: on resume, the ledger is scanned in registry order and the
// first stage lacking a success checkpoint is the re-entry point. All
// prior successful checkpoints' data is already merged into the session
// record, so nothing is recomputed.

// ResumeIndex returns the registry index of the first stage without a
// success checkpoint. A fully completed session returns len(PipelineSpecs()),
// which makes resume a no-op.
func ResumeIndex(sess *Session) int {
	for i, spec := range PipelineSpecs() {
		if sess.SuccessFor(spec.Stage) == nil {
			return i
		}
	}
	return len(PipelineSpecs())
}

// ResumeStage returns the stage a resumed run would re-enter at, and
// false when every stage is already satisfied.
func ResumeStage(sess *Session) (Stage, bool) {
	i := ResumeIndex(sess)
	if i >= len(PipelineSpecs()) {
		return StageCompleted, false
	}
	return PipelineSpecs()[i].Stage, true
}

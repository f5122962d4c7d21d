package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mise/internal/broadcast"
	"mise/internal/transparency"
)

// memStore is an in-memory SessionStore for driver tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	puts     int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Session)}
}

func (m *memStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return sess, nil
}

func (m *memStore) Put(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	m.puts++
	return nil
}

func (m *memStore) Evict(id string) {}

// script is a scripted capability set: every stage succeeds with an
// empty snapshot unless a test installs a specific behaviour. Calls are
// counted per stage so tests can prove a handler was never invoked.
type script struct {
	mu    sync.Mutex
	calls map[Stage]int
	fns   map[Stage]stageFunc
}

func newScript() *script {
	return &script{
		calls: make(map[Stage]int),
		fns:   make(map[Stage]stageFunc),
	}
}

func (s *script) on(stage Stage, fn stageFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns[stage] = fn
}

func (s *script) callCount(stage Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func (s *script) run(stage Stage, ctx context.Context, sess *Session) (StageResult, error) {
	s.mu.Lock()
	s.calls[stage]++
	fn := s.fns[stage]
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, sess)
	}
	return StageResult{
		Applicable: true,
		Message:    "ok",
		Snapshot:   StageSnapshot{Stage: stage},
	}, nil
}

func (s *script) ExtractMenu(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageMenuExtraction, ctx, sess)
}
func (s *script) ScoreImages(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageImageAnalysis, ctx, sess)
}
func (s *script) ParseCompetitors(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageCompetitorParsing, ctx, sess)
}
func (s *script) FindCompetitors(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageCompetitorDiscovery, ctx, sess)
}
func (s *script) EnrichCompetitors(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageCompetitorEnrichment, ctx, sess)
}
func (s *script) VerifyCompetitors(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageCompetitorVerification, ctx, sess)
}
func (s *script) AnalyzeCompetitors(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageCompetitorAnalysis, ctx, sess)
}
func (s *script) AnalyzeNeighborhood(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageNeighborhoodAnalysis, ctx, sess)
}
func (s *script) AnalyzeSentiment(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageSentimentAnalysis, ctx, sess)
}
func (s *script) AnalyzeVisualGaps(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageVisualGapAnalysis, ctx, sess)
}
func (s *script) ProcessContext(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageContextProcessing, ctx, sess)
}
func (s *script) ProcessSales(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageSalesProcessing, ctx, sess)
}
func (s *script) ClassifyPortfolio(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageBCGClassification, ctx, sess)
}
func (s *script) ForecastSales(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageSalesPrediction, ctx, sess)
}
func (s *script) GenerateCampaigns(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageCampaignGeneration, ctx, sess)
}
func (s *script) VerifyStrategy(ctx context.Context, sess *Session) (StageResult, error) {
	return s.run(StageStrategicVerification, ctx, sess)
}

func (s *script) capabilities() Capabilities {
	return Capabilities{
		Menu:         s,
		Images:       s,
		CompParser:   s,
		CompFinder:   s,
		CompEnricher: s,
		CompVerifier: s,
		CompAnalyst:  s,
		Neighborhood: s,
		Sentiment:    s,
		VisualGaps:   s,
		Context:      s,
		Sales:        s,
		Classifier:   s,
		Forecaster:   s,
		Campaigns:    s,
		Verifier:     s,
	}
}

func newTestPipeline(t *testing.T, sc *script) (*Pipeline, *memStore) {
	t.Helper()
	store := newMemStore()
	p := NewPipeline(store, transparency.NewRecorder(), broadcast.NewHub(), sc.capabilities())
	return p, store
}

func TestRunHappyPath(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), sess.ID))

	assert.Equal(t, StageCompleted, sess.CurrentStage)
	assert.True(t, sess.Archived)
	require.Len(t, sess.Checkpoints, len(PipelineSpecs()))

	for i, spec := range PipelineSpecs() {
		assert.Equal(t, spec.Stage, sess.Checkpoints[i].Stage, "checkpoint %d out of order", i)
		assert.True(t, sess.Checkpoints[i].Success)
		assert.Equal(t, 1, sc.callCount(spec.Stage))
	}
}

func TestRunAlreadyCompletedInvokesNothing(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), sess.ID))

	// Second run passes straight through to finalization.
	require.NoError(t, p.Run(context.Background(), sess.ID))

	assert.Equal(t, StageCompleted, sess.CurrentStage)
	assert.Len(t, sess.Checkpoints, len(PipelineSpecs()))
	for _, spec := range PipelineSpecs() {
		assert.Equal(t, 1, sc.callCount(spec.Stage), "stage %s re-ran", spec.Stage)
	}
}

func TestPreSeededCheckpointSkipsHandler(t *testing.T) {
	sc := newScript()
	p, store := newTestPipeline(t, sc)

	seeded := []MenuItem{{Name: "Margherita", Price: 14}}
	sess := NewSession(StartRequest{RestaurantName: "Mama Rosa"})
	sess.Checkpoints = append(sess.Checkpoints, Checkpoint{
		Stage:   StageMenuExtraction,
		Success: true,
		Snapshot: StageSnapshot{
			Stage:     StageMenuExtraction,
			MenuItems: seeded,
		},
	})
	require.NoError(t, store.Put(context.Background(), sess))

	require.NoError(t, p.Run(context.Background(), sess.ID))

	// The seeded stage was never invoked but its data is back on the
	// session, and no duplicate checkpoint was written for it.
	assert.Equal(t, 0, sc.callCount(StageMenuExtraction))
	assert.Equal(t, seeded, sess.MenuItems)

	var menuCheckpoints int
	for _, cp := range sess.Checkpoints {
		if cp.Stage == StageMenuExtraction {
			menuCheckpoints++
		}
	}
	assert.Equal(t, 1, menuCheckpoints)
	assert.Equal(t, StageCompleted, sess.CurrentStage)
}

func TestRequiredFailureHaltsRun(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	boom := errors.New("model returned garbage")
	sc.on(StageContextProcessing, func(context.Context, *Session) (StageResult, error) {
		return StageResult{}, boom
	})

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)

	err = p.Run(context.Background(), sess.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, StageFailed, sess.CurrentStage)
	assert.True(t, sess.Archived)

	last := sess.LastCheckpoint()
	require.NotNil(t, last)
	assert.Equal(t, StageContextProcessing, last.Stage)
	assert.False(t, last.Success)
	assert.Equal(t, "model returned garbage", last.Error)

	// Nothing after the failed stage ran.
	failedAt := StageIndex(StageContextProcessing)
	for _, spec := range PipelineSpecs()[failedAt+1:] {
		assert.Equal(t, 0, sc.callCount(spec.Stage), "stage %s ran after halt", spec.Stage)
	}
	// Everything before it is checkpointed and intact.
	for _, spec := range PipelineSpecs()[:failedAt] {
		assert.NotNil(t, sess.SuccessFor(spec.Stage))
	}
}

func TestOptionalFailureContinues(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	sc.on(StageSentimentAnalysis, func(context.Context, *Session) (StageResult, error) {
		return StageResult{}, errors.New("review source unreachable")
	})

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), sess.ID))
	assert.Equal(t, StageCompleted, sess.CurrentStage)

	// The soft failure left its checkpoint with the error text.
	var found bool
	for _, cp := range sess.Checkpoints {
		if cp.Stage == StageSentimentAnalysis {
			found = true
			assert.False(t, cp.Success)
			assert.Equal(t, "review source unreachable", cp.Error)
		}
	}
	assert.True(t, found)

	// Every later stage still ran.
	after := StageIndex(StageSentimentAnalysis)
	for _, spec := range PipelineSpecs()[after+1:] {
		assert.Equal(t, 1, sc.callCount(spec.Stage))
	}
}

func TestOptionalNotApplicableIsCleanSkip(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	sc.on(StageCompetitorDiscovery, func(context.Context, *Session) (StageResult, error) {
		return Skip(StageCompetitorDiscovery, "no address to search around"), nil
	})

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), sess.ID))

	cp := sess.SuccessFor(StageCompetitorDiscovery)
	require.NotNil(t, cp)
	assert.True(t, cp.Success)
	assert.True(t, cp.Snapshot.Skipped)
}

func TestRequiredNotApplicableFailsRun(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	sc.on(StageMenuExtraction, func(context.Context, *Session) (StageResult, error) {
		return Skip(StageMenuExtraction, "no menu images provided"), nil
	})

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)

	err = p.Run(context.Background(), sess.ID)
	require.Error(t, err)
	assert.Equal(t, StageFailed, sess.CurrentStage)
}

func TestResumeAfterFailureSkipsCompletedWork(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	attempts := 0
	sc.on(StageBCGClassification, func(context.Context, *Session) (StageResult, error) {
		attempts++
		if attempts == 1 {
			return StageResult{}, errors.New("transient model failure")
		}
		return StageResult{
			Applicable: true,
			Snapshot:   StageSnapshot{Stage: StageBCGClassification},
		}, nil
	})

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)

	require.Error(t, p.Run(context.Background(), sess.ID))
	require.Equal(t, StageFailed, sess.CurrentStage)

	require.NoError(t, p.Resume(context.Background(), sess.ID))
	assert.Equal(t, StageCompleted, sess.CurrentStage)
	assert.True(t, sess.Archived, "completed sessions are archived")

	// Each stage before the failure point ran exactly once across both
	// runs; the failed stage ran twice.
	failedAt := StageIndex(StageBCGClassification)
	for _, spec := range PipelineSpecs()[:failedAt] {
		assert.Equal(t, 1, sc.callCount(spec.Stage), "stage %s re-ran on resume", spec.Stage)
	}
	assert.Equal(t, 2, sc.callCount(StageBCGClassification))

	// The ledger keeps the failed attempt alongside the later success.
	var failures, successes int
	for _, cp := range sess.Checkpoints {
		if cp.Stage == StageBCGClassification {
			if cp.Success {
				successes++
			} else {
				failures++
			}
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, successes)
}

func TestConcurrentRunRejected(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	release := make(chan struct{})
	started := make(chan struct{})
	sc.on(StageMenuExtraction, func(context.Context, *Session) (StageResult, error) {
		close(started)
		<-release
		return StageResult{
			Applicable: true,
			Snapshot:   StageSnapshot{Stage: StageMenuExtraction},
		}, nil
	})

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), sess.ID)
	}()

	<-started
	assert.True(t, p.Running(sess.ID))
	assert.ErrorIs(t, p.Run(context.Background(), sess.ID), ErrSessionBusy)
	assert.ErrorIs(t, p.Resume(context.Background(), sess.ID), ErrSessionBusy)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, p.Running(sess.ID))
}

func TestCancelStopsBeforeNextStage(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)

	sc.on(StageImageAnalysis, func(_ context.Context, sess *Session) (StageResult, error) {
		// Ask for cancellation mid-run; the driver honours it before the
		// next stage starts.
		p.Cancel(sess.ID)
		return StageResult{
			Applicable: true,
			Snapshot:   StageSnapshot{Stage: StageImageAnalysis},
		}, nil
	})

	sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
	require.NoError(t, err)

	err = p.Run(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrCanceled)

	// The in-flight stage finished and checkpointed; nothing after ran,
	// and the session is not failed, so it can resume.
	assert.NotNil(t, sess.SuccessFor(StageImageAnalysis))
	assert.Equal(t, 0, sc.callCount(StageCompetitorParsing))
	assert.NotEqual(t, StageFailed, sess.CurrentStage)

	require.NoError(t, p.Resume(context.Background(), sess.ID))
	assert.Equal(t, StageCompleted, sess.CurrentStage)
	assert.Equal(t, 1, sc.callCount(StageImageAnalysis))
}

func TestCancelWithoutActiveRun(t *testing.T) {
	sc := newScript()
	p, _ := newTestPipeline(t, sc)
	assert.False(t, p.Cancel("nope"))
}

func TestCheckpointOutcomeIdenticalWithAndWithoutSubscribers(t *testing.T) {
	run := func(t *testing.T, subscribers int) *Session {
		sc := newScript()
		p, _ := newTestPipeline(t, sc)
		sess, err := p.Create(context.Background(), StartRequest{RestaurantName: "Mama Rosa"})
		require.NoError(t, err)

		for i := 0; i < subscribers; i++ {
			p.Hub().Subscribe(sess.ID) // attached but never read
		}

		require.NoError(t, p.Run(context.Background(), sess.ID))
		return sess
	}

	quiet := run(t, 0)
	noisy := run(t, 3)

	require.Len(t, noisy.Checkpoints, len(quiet.Checkpoints))
	for i := range quiet.Checkpoints {
		assert.Equal(t, quiet.Checkpoints[i].Stage, noisy.Checkpoints[i].Stage)
		assert.Equal(t, quiet.Checkpoints[i].Success, noisy.Checkpoints[i].Success)
	}
	assert.Equal(t, quiet.CurrentStage, noisy.CurrentStage)
}

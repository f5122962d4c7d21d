// Package stages holds the concrete handlers behind each pipeline
// capability. Every handler owns its prompt, its JSON coercion, and its
// transient retry; the orchestrator sees only the capability interfaces.
package stages

import (
	"context"
	"errors"
	"time"

	"mise/internal/analysis"
	"mise/internal/llm"
	"mise/internal/logging"
	"mise/internal/transparency"
)

// retryDelay is the pause before the single retry a handler grants a
// rate-limited model call.
const retryDelay = 2 * time.Second

// defaultEnrichConcurrency bounds the competitor enrichment fan-out when
// no limit is configured.
const defaultEnrichConcurrency = 4

// Deps carries everything the handlers share.
type Deps struct {
	LLM      llm.Client
	Recorder *transparency.Recorder
	// EnrichConcurrency caps parallel competitor enrichment calls.
	// Zero means defaultEnrichConcurrency.
	EnrichConcurrency int
}

// New wires a full capability set from one dependency bundle.
func New(deps Deps) analysis.Capabilities {
	b := base{llm: deps.LLM, recorder: deps.Recorder}
	limit := deps.EnrichConcurrency
	if limit <= 0 {
		limit = defaultEnrichConcurrency
	}
	return analysis.Capabilities{
		Menu:         &menuExtractor{base: b},
		Images:       &imageScorer{base: b},
		CompParser:   &competitorParser{base: b},
		CompFinder:   &competitorFinder{base: b},
		CompEnricher: &competitorEnricher{base: b, limit: limit},
		CompVerifier: &competitorVerifier{base: b},
		CompAnalyst:  &competitorAnalyst{base: b},
		Neighborhood: &neighborhoodAnalyst{base: b},
		Sentiment:    &sentimentAnalyst{base: b},
		VisualGaps:   &visualGapAnalyst{base: b},
		Context:      &contextProcessor{base: b},
		Sales:        &salesProcessor{base: b},
		Classifier:   &portfolioClassifier{base: b},
		Forecaster:   &salesForecaster{base: b},
		Campaigns:    &campaignGenerator{base: b},
		Verifier:     &strategicVerifier{base: b},
	}
}

// base is embedded by every handler.
type base struct {
	llm      llm.Client
	recorder *transparency.Recorder
}

// completeJSON asks the model for JSON, retrying once on a rate limit.
// Anything else is the caller's failure to report.
func (b base) completeJSON(ctx context.Context, prompt string) (string, error) {
	out, err := b.llm.CompleteJSON(ctx, prompt)
	if err == nil || !errors.Is(err, llm.ErrRateLimited) {
		return out, err
	}
	logging.StageWarn("rate limited, retrying in %s", retryDelay)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(retryDelay):
	}
	return b.llm.CompleteJSON(ctx, prompt)
}

// think records one reasoning step for the in-flight stage.
func (b base) think(sessionID string, t transparency.ThoughtTrace) {
	if b.recorder != nil {
		b.recorder.Record(sessionID, t)
	}
}

// done builds the success result for a stage.
func done(snap analysis.StageSnapshot, message string) analysis.StageResult {
	return analysis.StageResult{Applicable: true, Message: message, Snapshot: snap}
}

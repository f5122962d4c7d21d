package stages

import (
	"context"
	"fmt"
	"strings"

	"mise/internal/analysis"
	"mise/internal/llm"
	"mise/internal/logging"
	"mise/internal/transparency"
)

// neighborhoodAnalyst profiles the restaurant's surroundings.
type neighborhoodAnalyst struct {
	base
}

func (n *neighborhoodAnalyst) AnalyzeNeighborhood(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if strings.TrimSpace(sess.Address) == "" {
		return analysis.Skip(analysis.StageNeighborhoodAnalysis, "no address to profile"), nil
	}

	prompt := fmt.Sprintf(`Profile the neighborhood around %s for a restaurant marketing plan.
Return a JSON object with fields: summary, foot_traffic (low/medium/high), demographics (array of strings), landmarks (array of strings).`,
		sess.Address)

	raw, err := n.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("neighborhood analysis: %w", err)
	}

	var profile analysis.NeighborhoodProfile
	if err := llm.DecodeJSON(raw, &profile); err != nil {
		return analysis.StageResult{}, fmt.Errorf("neighborhood analysis: %w", err)
	}
	logging.Stage("[%s] profiled neighborhood around %s", sess.ID, sess.Address)

	n.think(sess.ID, transparency.ThoughtTrace{
		Step:       "neighborhood_analysis",
		Reasoning:  fmt.Sprintf("profiled the area around %s", sess.Address),
		Confidence: 0.6,
	})

	return done(analysis.StageSnapshot{
		Stage:        analysis.StageNeighborhoodAnalysis,
		Neighborhood: &profile,
	}, "profiled neighborhood"), nil
}

// sentimentAnalyst aggregates customer sentiment signals.
type sentimentAnalyst struct {
	base
}

func (s *sentimentAnalyst) AnalyzeSentiment(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	prompt := fmt.Sprintf(`Summarize public customer sentiment for %q%s (%s cuisine).
Return a JSON object with fields: overall_score (0-1), positives (array of strings), negatives (array of strings), review_count.`,
		sess.RestaurantName, at(sess.Address), orUnknown(sess.CuisineType))

	raw, err := s.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("sentiment analysis: %w", err)
	}

	var report analysis.SentimentReport
	if err := llm.DecodeJSON(raw, &report); err != nil {
		return analysis.StageResult{}, fmt.Errorf("sentiment analysis: %w", err)
	}
	logging.Stage("[%s] sentiment score %.2f across %d reviews", sess.ID, report.OverallScore, report.ReviewCount)

	s.think(sess.ID, transparency.ThoughtTrace{
		Step:         "sentiment_analysis",
		Reasoning:    "aggregated public sentiment signals",
		Observations: []string{fmt.Sprintf("overall score %.2f", report.OverallScore)},
		Confidence:   0.55,
	})

	return done(analysis.StageSnapshot{
		Stage:     analysis.StageSentimentAnalysis,
		Sentiment: &report,
	}, fmt.Sprintf("sentiment score %.2f", report.OverallScore)), nil
}

// visualGapAnalyst finds weaknesses in the restaurant's visual presence,
// building on the image scores when the imagery stage ran.
type visualGapAnalyst struct {
	base
}

func (v *visualGapAnalyst) AnalyzeVisualGaps(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	var known strings.Builder
	for _, sc := range sess.ImageScores {
		if len(sc.Issues) > 0 {
			fmt.Fprintf(&known, "- %s: %s\n", sc.ItemName, strings.Join(sc.Issues, "; "))
		}
	}

	prompt := fmt.Sprintf(`Identify gaps in the visual marketing presence of %q (%s cuisine).
Known imagery issues:
%s
Consider menu design, storefront, social media and food photography.
Return a JSON array of objects with fields: area (menu/storefront/social/photos), description, severity (low/medium/high).`,
		sess.RestaurantName, orUnknown(sess.CuisineType), orNone(known.String()))

	raw, err := v.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("visual gap analysis: %w", err)
	}

	var gaps []analysis.VisualGap
	if err := llm.DecodeJSON(raw, &gaps); err != nil {
		return analysis.StageResult{}, fmt.Errorf("visual gap analysis: %w", err)
	}
	logging.Stage("[%s] found %d visual gaps", sess.ID, len(gaps))

	v.think(sess.ID, transparency.ThoughtTrace{
		Step:       "visual_gap_analysis",
		Reasoning:  "audited the visual presence against imagery scores",
		Decisions:  []string{fmt.Sprintf("flagged %d gaps", len(gaps))},
		Confidence: 0.6,
	})

	return done(analysis.StageSnapshot{
		Stage:      analysis.StageVisualGapAnalysis,
		VisualGaps: gaps,
	}, fmt.Sprintf("found %d visual gaps", len(gaps))), nil
}

// contextProcessor merges everything gathered so far into one market
// context. Later stages read this merged picture instead of re-deriving
// it, which is why the stage is required even though every input to it
// is optional.
type contextProcessor struct {
	base
}

func (c *contextProcessor) ProcessContext(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Restaurant: %s (%s cuisine)%s\n", sess.RestaurantName, orUnknown(sess.CuisineType), at(sess.Address))
	fmt.Fprintf(&sb, "Menu items: %d\n", len(sess.MenuItems))
	if len(sess.Competitors) > 0 {
		fmt.Fprintf(&sb, "Competitors:\n%s\n", competitorNames(sess.Competitors))
	}
	if sess.CompetitorNotes != "" {
		fmt.Fprintf(&sb, "Positioning notes: %s\n", sess.CompetitorNotes)
	}
	if sess.Neighborhood != nil {
		fmt.Fprintf(&sb, "Neighborhood: %s\n", sess.Neighborhood.Summary)
	}
	if sess.Sentiment != nil {
		fmt.Fprintf(&sb, "Sentiment: %.2f, negatives: %s\n", sess.Sentiment.OverallScore, strings.Join(sess.Sentiment.Negatives, "; "))
	}
	for _, g := range sess.VisualGaps {
		fmt.Fprintf(&sb, "Visual gap (%s/%s): %s\n", g.Area, g.Severity, g.Description)
	}

	prompt := fmt.Sprintf(`Merge these findings into one market picture:

%s
Return a JSON object with fields: summary, opportunities (array of strings), threats (array of strings).`, sb.String())

	raw, err := c.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("context processing: %w", err)
	}

	var mc analysis.MarketContext
	if err := llm.DecodeJSON(raw, &mc); err != nil {
		return analysis.StageResult{}, fmt.Errorf("context processing: %w", err)
	}
	logging.Stage("[%s] merged market context: %d opportunities, %d threats", sess.ID, len(mc.Opportunities), len(mc.Threats))

	c.think(sess.ID, transparency.ThoughtTrace{
		Step:       "context_processing",
		Reasoning:  "merged prior stage findings into one market context",
		Decisions:  []string{fmt.Sprintf("%d opportunities, %d threats", len(mc.Opportunities), len(mc.Threats))},
		Confidence: 0.8,
	})

	return done(analysis.StageSnapshot{
		Stage:         analysis.StageContextProcessing,
		MarketContext: &mc,
	}, "merged market context"), nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none recorded"
	}
	return s
}

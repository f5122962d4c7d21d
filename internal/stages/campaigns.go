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

// campaignGenerator drafts the marketing campaigns that are the
// pipeline's end product.
type campaignGenerator struct {
	base
}

func (g *campaignGenerator) GenerateCampaigns(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if len(sess.MenuItems) == 0 {
		return analysis.Skip(analysis.StageCampaignGeneration, "no menu to promote"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Market summary: %s\n", marketSummary(sess))
	fmt.Fprintf(&sb, "Portfolio: %s\n", classificationSummary(sess.Classification))
	if sess.CompetitorNotes != "" {
		fmt.Fprintf(&sb, "Positioning: %s\n", sess.CompetitorNotes)
	}
	if sess.Sentiment != nil && len(sess.Sentiment.Positives) > 0 {
		fmt.Fprintf(&sb, "Customers praise: %s\n", strings.Join(sess.Sentiment.Positives, "; "))
	}
	for _, p := range sess.Predictions {
		fmt.Fprintf(&sb, "Forecast %s: %d units over %s\n", p.ItemName, p.PredictedUnits, orUnknown(p.Horizon))
	}

	prompt := fmt.Sprintf(`Draft 3 marketing campaigns for %q (%s cuisine) grounded in this analysis:

%s
Lead with the star items, shore up the question marks, never feature the dogs.
Return a JSON array of objects with fields: title, channel (social/search/email/local), target_audience, copy, featured_items (array of item names), budget (number, USD).`,
		sess.RestaurantName, orUnknown(sess.CuisineType), sb.String())

	raw, err := g.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("campaign generation: %w", err)
	}

	var campaigns []analysis.AdCampaign
	if err := llm.DecodeJSON(raw, &campaigns); err != nil {
		return analysis.StageResult{}, fmt.Errorf("campaign generation: %w", err)
	}
	if len(campaigns) == 0 {
		return analysis.StageResult{}, fmt.Errorf("campaign generation: model returned no campaigns")
	}
	logging.Stage("[%s] drafted %d campaigns", sess.ID, len(campaigns))

	g.think(sess.ID, transparency.ThoughtTrace{
		Step:       "campaign_generation",
		Reasoning:  "drafted campaigns from the merged analysis",
		Decisions:  []string{fmt.Sprintf("produced %d campaigns", len(campaigns))},
		Confidence: 0.75,
	})

	return done(analysis.StageSnapshot{
		Stage:     analysis.StageCampaignGeneration,
		Campaigns: campaigns,
	}, fmt.Sprintf("drafted %d campaigns", len(campaigns))), nil
}

// strategicVerifier is the opt-in quality review of the finished
// analysis. It runs only when the session was started with auto_verify.
type strategicVerifier struct {
	base
}

func (v *strategicVerifier) VerifyStrategy(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if !sess.Flag("auto_verify") {
		return analysis.Skip(analysis.StageStrategicVerification, "auto verification not requested"), nil
	}
	if len(sess.Campaigns) == 0 {
		return analysis.Skip(analysis.StageStrategicVerification, "no campaigns to review"), nil
	}

	var sb strings.Builder
	for _, c := range sess.Campaigns {
		fmt.Fprintf(&sb, "- %s (%s, budget %.0f): %s\n", c.Title, c.Channel, c.Budget, c.Copy)
	}

	prompt := fmt.Sprintf(`Review this marketing strategy for %q for internal consistency and quality.
Portfolio: %s
Campaigns:
%s
Check that campaigns feature the right items, match the market context and stay within plausible budgets.
Return a JSON object with fields: passed (bool), quality_score (0-1), issues (array of strings), summary.`,
		sess.RestaurantName, classificationSummary(sess.Classification), sb.String())

	raw, err := v.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("strategic verification: %w", err)
	}

	var report analysis.VerificationReport
	if err := llm.DecodeJSON(raw, &report); err != nil {
		return analysis.StageResult{}, fmt.Errorf("strategic verification: %w", err)
	}
	logging.Stage("[%s] strategy review: passed=%t score=%.2f", sess.ID, report.Passed, report.QualityScore)

	v.think(sess.ID, transparency.ThoughtTrace{
		Step:         "strategic_verification",
		Reasoning:    "reviewed the finished strategy for consistency",
		Observations: report.Issues,
		Confidence:   report.QualityScore,
	})

	return done(analysis.StageSnapshot{
		Stage:        analysis.StageStrategicVerification,
		Verification: &report,
	}, fmt.Sprintf("review passed=%t", report.Passed)), nil
}

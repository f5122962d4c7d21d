package stages

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"mise/internal/analysis"
	"mise/internal/llm"
	"mise/internal/logging"
	"mise/internal/transparency"
)

// competitorParser turns a user-pasted competitor list into structured
// records. User-supplied competitors are trusted and marked verified.
type competitorParser struct {
	base
}

func (p *competitorParser) ParseCompetitors(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if strings.TrimSpace(sess.CompetitorText) == "" {
		return analysis.Skip(analysis.StageCompetitorParsing, "no competitor list supplied"), nil
	}

	prompt := fmt.Sprintf(`Parse this free-form competitor list into structured records:

%s

Return a JSON array of objects with fields: name, address, cuisine_type.
Keep every entry even when only a name is given.`, sess.CompetitorText)

	raw, err := p.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor parsing: %w", err)
	}

	var parsed []analysis.Competitor
	if err := llm.DecodeJSON(raw, &parsed); err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor parsing: %w", err)
	}
	for i := range parsed {
		parsed[i].Source = "user"
		parsed[i].Verified = true
	}
	logging.Stage("[%s] parsed %d user competitors", sess.ID, len(parsed))

	p.think(sess.ID, transparency.ThoughtTrace{
		Step:       "competitor_parsing",
		Reasoning:  "structured the user-supplied competitor list",
		Decisions:  []string{fmt.Sprintf("kept %d entries as trusted", len(parsed))},
		Confidence: 0.95,
	})

	return done(analysis.StageSnapshot{
		Stage:       analysis.StageCompetitorParsing,
		Competitors: mergeCompetitors(sess.Competitors, parsed),
	}, fmt.Sprintf("parsed %d competitors", len(parsed))), nil
}

// competitorFinder discovers nearby competitors from the address.
type competitorFinder struct {
	base
}

func (f *competitorFinder) FindCompetitors(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if strings.TrimSpace(sess.Address) == "" {
		return analysis.Skip(analysis.StageCompetitorDiscovery, "no address to search around"), nil
	}

	prompt := fmt.Sprintf(`List restaurants near %s that compete with %q (%s cuisine).
Return a JSON array of objects with fields: name, address, cuisine_type.
Exclude %q itself. At most 10 entries.`,
		sess.Address, sess.RestaurantName, orUnknown(sess.CuisineType), sess.RestaurantName)

	raw, err := f.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor discovery: %w", err)
	}

	var found []analysis.Competitor
	if err := llm.DecodeJSON(raw, &found); err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor discovery: %w", err)
	}
	for i := range found {
		found[i].Source = "discovery"
	}
	logging.Stage("[%s] discovered %d competitors near %s", sess.ID, len(found), sess.Address)

	f.think(sess.ID, transparency.ThoughtTrace{
		Step:         "competitor_discovery",
		Reasoning:    fmt.Sprintf("searched for competitors near %s", sess.Address),
		Observations: []string{fmt.Sprintf("%d candidates found", len(found))},
		Confidence:   0.6,
	})

	return done(analysis.StageSnapshot{
		Stage:       analysis.StageCompetitorDiscovery,
		Competitors: mergeCompetitors(sess.Competitors, found),
	}, fmt.Sprintf("discovered %d competitors", len(found))), nil
}

// competitorEnricher fills in rating, price level and cuisine for each
// competitor. Lookups fan out in parallel with a bounded limit; one
// failed lookup fails the whole stage attempt rather than producing a
// partially enriched list.
type competitorEnricher struct {
	base
	limit int
}

func (e *competitorEnricher) EnrichCompetitors(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if len(sess.Competitors) == 0 {
		return analysis.Skip(analysis.StageCompetitorEnrichment, "no competitors to enrich"), nil
	}

	enriched := make([]analysis.Competitor, len(sess.Competitors))
	copy(enriched, sess.Competitors)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i := range enriched {
		g.Go(func() error {
			c, err := e.enrichOne(gctx, enriched[i])
			if err != nil {
				return err
			}
			enriched[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor enrichment: %w", err)
	}
	logging.Stage("[%s] enriched %d competitors", sess.ID, len(enriched))

	e.think(sess.ID, transparency.ThoughtTrace{
		Step:       "competitor_enrichment",
		Reasoning:  fmt.Sprintf("looked up details for %d competitors, %d at a time", len(enriched), e.limit),
		Confidence: 0.65,
	})

	return done(analysis.StageSnapshot{
		Stage:       analysis.StageCompetitorEnrichment,
		Competitors: enriched,
	}, fmt.Sprintf("enriched %d competitors", len(enriched))), nil
}

func (e *competitorEnricher) enrichOne(ctx context.Context, c analysis.Competitor) (analysis.Competitor, error) {
	prompt := fmt.Sprintf(`Describe the restaurant %q%s.
Return a JSON object with fields: cuisine_type, rating (0-5), price_level (1-4), notes (one sentence).`,
		c.Name, at(c.Address))

	raw, err := e.completeJSON(ctx, prompt)
	if err != nil {
		return c, fmt.Errorf("%s: %w", c.Name, err)
	}

	var detail struct {
		CuisineType string  `json:"cuisine_type"`
		Rating      float64 `json:"rating"`
		PriceLevel  int     `json:"price_level"`
		Notes       string  `json:"notes"`
	}
	if err := llm.DecodeJSON(raw, &detail); err != nil {
		return c, fmt.Errorf("%s: %w", c.Name, err)
	}

	if c.CuisineType == "" {
		c.CuisineType = detail.CuisineType
	}
	c.Rating = detail.Rating
	c.PriceLevel = detail.PriceLevel
	c.Notes = detail.Notes
	return c, nil
}

// competitorVerifier drops duplicates and implausible discoveries. The
// surviving list is what every later stage reasons about.
type competitorVerifier struct {
	base
}

func (v *competitorVerifier) VerifyCompetitors(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if len(sess.Competitors) == 0 {
		return analysis.Skip(analysis.StageCompetitorVerification, "no competitors to verify"), nil
	}

	deduped := mergeCompetitors(nil, sess.Competitors)

	prompt := fmt.Sprintf(`These restaurants were identified as competitors of %q near %s:
%s
Return a JSON array with the names of the ones that plausibly exist and genuinely compete.
Drop hallucinated, closed or unrelated businesses.`,
		sess.RestaurantName, orUnknown(sess.Address), competitorNames(deduped))

	raw, err := v.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor verification: %w", err)
	}

	var keepNames []string
	if err := llm.DecodeJSON(raw, &keepNames); err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor verification: %w", err)
	}

	keep := make(map[string]bool, len(keepNames))
	for _, n := range keepNames {
		keep[normalizeName(n)] = true
	}

	verified := deduped[:0]
	for _, c := range deduped {
		// User-supplied entries survive regardless of the model's vote.
		if c.Source == "user" || keep[normalizeName(c.Name)] {
			c.Verified = true
			verified = append(verified, c)
		}
	}
	dropped := len(deduped) - len(verified)
	logging.Stage("[%s] verified %d competitors, dropped %d", sess.ID, len(verified), dropped)

	v.think(sess.ID, transparency.ThoughtTrace{
		Step:       "competitor_verification",
		Reasoning:  "filtered duplicates and implausible discoveries",
		Decisions:  []string{fmt.Sprintf("kept %d, dropped %d", len(verified), dropped)},
		Confidence: 0.75,
	})

	return done(analysis.StageSnapshot{
		Stage:       analysis.StageCompetitorVerification,
		Competitors: verified,
	}, fmt.Sprintf("verified %d competitors", len(verified))), nil
}

// competitorAnalyst writes the positioning notes used by the context and
// campaign stages.
type competitorAnalyst struct {
	base
}

func (a *competitorAnalyst) AnalyzeCompetitors(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if len(sess.Competitors) == 0 {
		return analysis.Skip(analysis.StageCompetitorAnalysis, "no competitors to analyze"), nil
	}

	var sb strings.Builder
	for _, c := range sess.Competitors {
		fmt.Fprintf(&sb, "- %s (%s, rating %.1f, price level %d)\n", c.Name, orUnknown(c.CuisineType), c.Rating, c.PriceLevel)
	}

	prompt := fmt.Sprintf(`%q (%s cuisine) competes with:
%s
Write competitive positioning notes: where %q wins, where it loses, and the clearest differentiation angle.
Return a JSON object with one field: notes (string).`,
		sess.RestaurantName, orUnknown(sess.CuisineType), sb.String(), sess.RestaurantName)

	raw, err := a.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor analysis: %w", err)
	}

	var out struct {
		Notes string `json:"notes"`
	}
	if err := llm.DecodeJSON(raw, &out); err != nil {
		return analysis.StageResult{}, fmt.Errorf("competitor analysis: %w", err)
	}

	a.think(sess.ID, transparency.ThoughtTrace{
		Step:       "competitor_analysis",
		Reasoning:  fmt.Sprintf("positioned against %d verified competitors", len(sess.Competitors)),
		Confidence: 0.7,
	})

	return done(analysis.StageSnapshot{
		Stage:           analysis.StageCompetitorAnalysis,
		CompetitorNotes: out.Notes,
	}, "wrote positioning notes"), nil
}

// mergeCompetitors appends incoming entries to existing, dropping
// case-insensitive name duplicates. Earlier entries win, so trusted
// user-supplied competitors shadow later discoveries.
func mergeCompetitors(existing, incoming []analysis.Competitor) []analysis.Competitor {
	seen := make(map[string]bool, len(existing)+len(incoming))
	merged := make([]analysis.Competitor, 0, len(existing)+len(incoming))
	for _, c := range existing {
		if key := normalizeName(c.Name); key != "" && !seen[key] {
			seen[key] = true
			merged = append(merged, c)
		}
	}
	for _, c := range incoming {
		if key := normalizeName(c.Name); key != "" && !seen[key] {
			seen[key] = true
			merged = append(merged, c)
		}
	}
	return merged
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func competitorNames(cs []analysis.Competitor) string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = "- " + c.Name
	}
	return strings.Join(names, "\n")
}

func at(address string) string {
	if address == "" {
		return ""
	}
	return " at " + address
}

package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"mise/internal/analysis"
	"mise/internal/llm"
	"mise/internal/logging"
	"mise/internal/transparency"
)

// menuExtractor pulls structured menu items from the uploaded menu
// images. The whole pipeline keys off its output, so it is the one stage
// that cannot be skipped.
type menuExtractor struct {
	base
}

func (m *menuExtractor) ExtractMenu(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if len(sess.MenuImagePaths) == 0 {
		return analysis.Skip(analysis.StageMenuExtraction, "no menu images provided"), nil
	}

	names := make([]string, len(sess.MenuImagePaths))
	for i, p := range sess.MenuImagePaths {
		names[i] = filepath.Base(p)
	}

	prompt := fmt.Sprintf(`Extract every menu item from the menu of %q (%s cuisine).
Menu images on file: %s.
Return a JSON array of objects with fields: name, description, price (number), category.`,
		sess.RestaurantName, orUnknown(sess.CuisineType), strings.Join(names, ", "))

	raw, err := m.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("menu extraction: %w", err)
	}

	var items []analysis.MenuItem
	if err := llm.DecodeJSON(raw, &items); err != nil {
		return analysis.StageResult{}, fmt.Errorf("menu extraction: %w", err)
	}
	if len(items) == 0 {
		return analysis.StageResult{}, fmt.Errorf("menu extraction: no items recognized in %d image(s)", len(sess.MenuImagePaths))
	}
	logging.Stage("[%s] extracted %d menu items", sess.ID, len(items))

	m.think(sess.ID, transparency.ThoughtTrace{
		Step:       "menu_extraction",
		Reasoning:  fmt.Sprintf("parsed %d menu image(s) into structured items", len(sess.MenuImagePaths)),
		Decisions:  []string{fmt.Sprintf("accepted %d items", len(items))},
		Confidence: 0.9,
	})

	return done(analysis.StageSnapshot{
		Stage:     analysis.StageMenuExtraction,
		MenuItems: items,
	}, fmt.Sprintf("extracted %d menu items", len(items))), nil
}

// imageScorer rates the marketing quality of each item's imagery.
type imageScorer struct {
	base
}

func (s *imageScorer) ScoreImages(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if len(sess.MenuImagePaths) == 0 || len(sess.MenuItems) == 0 {
		return analysis.Skip(analysis.StageImageAnalysis, "no menu imagery to score"), nil
	}

	prompt := fmt.Sprintf(`Rate the marketing quality of the menu imagery for %q.
Menu items: %s.
For each item return a JSON array of objects with fields: item_name, score (0-1), issues (array of strings).
Flag missing photos, poor lighting, cluttered composition and unappetizing presentation.`,
		sess.RestaurantName, itemNames(sess.MenuItems))

	raw, err := s.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("image analysis: %w", err)
	}

	var scores []analysis.ImageScore
	if err := llm.DecodeJSON(raw, &scores); err != nil {
		return analysis.StageResult{}, fmt.Errorf("image analysis: %w", err)
	}
	logging.Stage("[%s] scored imagery for %d items", sess.ID, len(scores))

	s.think(sess.ID, transparency.ThoughtTrace{
		Step:       "image_analysis",
		Reasoning:  "scored item imagery against marketing quality heuristics",
		Confidence: 0.7,
	})

	return done(analysis.StageSnapshot{
		Stage:       analysis.StageImageAnalysis,
		ImageScores: scores,
	}, fmt.Sprintf("scored %d items", len(scores))), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func itemNames(items []analysis.MenuItem) string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	return strings.Join(names, ", ")
}

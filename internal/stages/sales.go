package stages

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"mise/internal/analysis"
	"mise/internal/llm"
	"mise/internal/logging"
	"mise/internal/transparency"
)

// salesProcessor normalizes an uploaded CSV sales report into rows the
// classification and prediction stages consume. No model call; this is
// pure parsing.
type salesProcessor struct {
	base
}

func (p *salesProcessor) ProcessSales(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if sess.SalesFilePath == "" {
		return analysis.Skip(analysis.StageSalesProcessing, "no sales report uploaded"), nil
	}

	rows, err := parseSalesCSV(sess.SalesFilePath)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("sales processing: %w", err)
	}
	logging.Stage("[%s] parsed %d sales rows from %s", sess.ID, len(rows), sess.SalesFilePath)

	p.think(sess.ID, transparency.ThoughtTrace{
		Step:       "sales_processing",
		Reasoning:  fmt.Sprintf("normalized %d rows from the uploaded report", len(rows)),
		Confidence: 1,
	})

	return done(analysis.StageSnapshot{
		Stage:     analysis.StageSalesProcessing,
		SalesRows: rows,
	}, fmt.Sprintf("parsed %d sales rows", len(rows))), nil
}

// parseSalesCSV reads item,quantity,revenue[,date] rows, tolerating a
// header line and blank lines.
func parseSalesCSV(path string) ([]analysis.SalesRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var rows []analysis.SalesRow
	for i, rec := range records {
		if len(rec) < 3 {
			continue
		}
		qty, qerr := strconv.Atoi(strings.TrimSpace(rec[1]))
		rev, rerr := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if qerr != nil || rerr != nil {
			if i == 0 {
				continue // header
			}
			return nil, fmt.Errorf("row %d of %s: bad quantity or revenue", i+1, path)
		}
		row := analysis.SalesRow{
			ItemName: strings.TrimSpace(rec[0]),
			Quantity: qty,
			Revenue:  rev,
		}
		if len(rec) > 3 {
			row.Date = strings.TrimSpace(rec[3])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: no usable rows", path)
	}
	return rows, nil
}

// portfolioClassifier buckets menu items into BCG growth-share
// quadrants, feeding the model per-item revenue shares when sales data
// is available.
type portfolioClassifier struct {
	base
}

func (c *portfolioClassifier) ClassifyPortfolio(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if len(sess.MenuItems) == 0 {
		return analysis.Skip(analysis.StageBCGClassification, "no menu items to classify"), nil
	}

	var evidence string
	if shares := revenueShares(sess.SalesRows); len(shares) > 0 {
		var sb strings.Builder
		for _, s := range shares {
			fmt.Fprintf(&sb, "- %s: %.1f%% of revenue\n", s.name, s.share*100)
		}
		evidence = "Revenue shares from sales data:\n" + sb.String()
	} else {
		evidence = "No sales data; classify from menu composition, pricing and market context."
	}

	prompt := fmt.Sprintf(`Classify the menu of %q into BCG quadrants.
Menu items: %s.
%s
Market summary: %s
Return a JSON object with fields: stars, cash_cows, question_marks, dogs (arrays of item names), rationale.`,
		sess.RestaurantName, itemNames(sess.MenuItems), evidence, marketSummary(sess))

	raw, err := c.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("bcg classification: %w", err)
	}

	var cls analysis.PortfolioClassification
	if err := llm.DecodeJSON(raw, &cls); err != nil {
		return analysis.StageResult{}, fmt.Errorf("bcg classification: %w", err)
	}
	logging.Stage("[%s] classified portfolio: %d stars, %d cash cows, %d question marks, %d dogs",
		sess.ID, len(cls.Stars), len(cls.CashCows), len(cls.QuestionMarks), len(cls.Dogs))

	c.think(sess.ID, transparency.ThoughtTrace{
		Step:       "bcg_classification",
		Reasoning:  "bucketed menu items into growth-share quadrants",
		Decisions:  []string{fmt.Sprintf("%d stars, %d dogs", len(cls.Stars), len(cls.Dogs))},
		Confidence: 0.7,
	})

	return done(analysis.StageSnapshot{
		Stage:          analysis.StageBCGClassification,
		Classification: &cls,
	}, "classified portfolio"), nil
}

// salesForecaster predicts near-term performance per item.
type salesForecaster struct {
	base
}

func (f *salesForecaster) ForecastSales(ctx context.Context, sess *analysis.Session) (analysis.StageResult, error) {
	if len(sess.MenuItems) == 0 {
		return analysis.Skip(analysis.StageSalesPrediction, "no menu items to forecast"), nil
	}

	var history strings.Builder
	for _, r := range sess.SalesRows {
		fmt.Fprintf(&history, "- %s: %d units, %.2f revenue (%s)\n", r.ItemName, r.Quantity, r.Revenue, orUnknown(r.Date))
	}

	prompt := fmt.Sprintf(`Forecast the next 30 days of sales for each menu item of %q.
Menu items: %s.
Sales history:
%s
Portfolio classification: %s
Return a JSON array of objects with fields: item_name, predicted_units, predicted_revenue, horizon ("30d"), confidence (0-1).`,
		sess.RestaurantName, itemNames(sess.MenuItems), orNone(history.String()), classificationSummary(sess.Classification))

	raw, err := f.completeJSON(ctx, prompt)
	if err != nil {
		return analysis.StageResult{}, fmt.Errorf("sales prediction: %w", err)
	}

	var forecasts []analysis.SalesForecast
	if err := llm.DecodeJSON(raw, &forecasts); err != nil {
		return analysis.StageResult{}, fmt.Errorf("sales prediction: %w", err)
	}
	logging.Stage("[%s] forecast %d items", sess.ID, len(forecasts))

	f.think(sess.ID, transparency.ThoughtTrace{
		Step:       "sales_prediction",
		Reasoning:  fmt.Sprintf("projected 30-day performance for %d items", len(forecasts)),
		Confidence: 0.5,
	})

	return done(analysis.StageSnapshot{
		Stage:       analysis.StageSalesPrediction,
		Predictions: forecasts,
	}, fmt.Sprintf("forecast %d items", len(forecasts))), nil
}

type itemShare struct {
	name  string
	share float64
}

// revenueShares aggregates sales rows per item and returns each item's
// fraction of total revenue.
func revenueShares(rows []analysis.SalesRow) []itemShare {
	if len(rows) == 0 {
		return nil
	}
	totals := make(map[string]float64)
	var order []string
	var grand float64
	for _, r := range rows {
		if _, ok := totals[r.ItemName]; !ok {
			order = append(order, r.ItemName)
		}
		totals[r.ItemName] += r.Revenue
		grand += r.Revenue
	}
	if grand == 0 {
		return nil
	}
	shares := make([]itemShare, 0, len(order))
	for _, name := range order {
		shares = append(shares, itemShare{name: name, share: totals[name] / grand})
	}
	return shares
}

func marketSummary(sess *analysis.Session) string {
	if sess.MarketContext == nil {
		return "none"
	}
	return sess.MarketContext.Summary
}

func classificationSummary(cls *analysis.PortfolioClassification) string {
	if cls == nil {
		return "none"
	}
	return fmt.Sprintf("stars: %s; cash cows: %s; question marks: %s; dogs: %s",
		strings.Join(cls.Stars, ", "), strings.Join(cls.CashCows, ", "),
		strings.Join(cls.QuestionMarks, ", "), strings.Join(cls.Dogs, ", "))
}

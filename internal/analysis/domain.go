package analysis

// Domain payload types carried by a session between stages. Each stage
// produces exactly one of these shapes; the session accumulates them.

// MenuItem is one extracted menu entry.
type MenuItem struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Category    string  `json:"category,omitempty"`
}

// ImageScore rates the marketing quality of one menu item's imagery.
type ImageScore struct {
	ItemName string   `json:"item_name"`
	Score    float64  `json:"score"` // 0-1
	Issues   []string `json:"issues,omitempty"`
}

// SalesRow is one normalized row from an uploaded sales report.
type SalesRow struct {
	ItemName string  `json:"item_name"`
	Quantity int     `json:"quantity"`
	Revenue  float64 `json:"revenue"`
	Date     string  `json:"date,omitempty"`
}

// Competitor is one discovered or user-supplied competing restaurant.
type Competitor struct {
	Name        string  `json:"name"`
	Address     string  `json:"address,omitempty"`
	CuisineType string  `json:"cuisine_type,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	PriceLevel  int     `json:"price_level,omitempty"` // 1-4
	Source      string  `json:"source,omitempty"`      // user, discovery
	Verified    bool    `json:"verified"`
	Notes       string  `json:"notes,omitempty"`
}

// NeighborhoodProfile describes the restaurant's surroundings.
type NeighborhoodProfile struct {
	Summary     string   `json:"summary"`
	FootTraffic string   `json:"foot_traffic,omitempty"` // low, medium, high
	Demographics []string `json:"demographics,omitempty"`
	Landmarks   []string `json:"landmarks,omitempty"`
}

// SentimentReport aggregates customer sentiment signals.
type SentimentReport struct {
	OverallScore float64  `json:"overall_score"` // 0-1
	Positives    []string `json:"positives,omitempty"`
	Negatives    []string `json:"negatives,omitempty"`
	ReviewCount  int      `json:"review_count,omitempty"`
}

// VisualGap is one weakness found in the restaurant's visual presence.
type VisualGap struct {
	Area        string `json:"area"` // menu, storefront, social, photos
	Description string `json:"description"`
	Severity    string `json:"severity"` // low, medium, high
}

// MarketContext is the merged cross-stage market picture used by the
// classification and campaign stages.
type MarketContext struct {
	Summary       string   `json:"summary"`
	Opportunities []string `json:"opportunities,omitempty"`
	Threats       []string `json:"threats,omitempty"`
}

// PortfolioClassification buckets menu items into BCG growth-share
// quadrants.
type PortfolioClassification struct {
	Stars         []string `json:"stars,omitempty"`
	CashCows      []string `json:"cash_cows,omitempty"`
	QuestionMarks []string `json:"question_marks,omitempty"`
	Dogs          []string `json:"dogs,omitempty"`
	Rationale     string   `json:"rationale,omitempty"`
}

// SalesForecast predicts near-term performance for one menu item.
type SalesForecast struct {
	ItemName         string  `json:"item_name"`
	PredictedUnits   int     `json:"predicted_units"`
	PredictedRevenue float64 `json:"predicted_revenue"`
	Horizon          string  `json:"horizon,omitempty"` // e.g. 30d
	Confidence       float64 `json:"confidence"`        // 0-1
}

// AdCampaign is one drafted marketing campaign.
type AdCampaign struct {
	Title         string   `json:"title"`
	Channel       string   `json:"channel"` // social, search, email, local
	TargetAudience string  `json:"target_audience,omitempty"`
	Copy          string   `json:"copy"`
	FeaturedItems []string `json:"featured_items,omitempty"`
	Budget        float64  `json:"budget,omitempty"`
}

// VerificationReport is the optional strategic quality review of a
// completed analysis.
type VerificationReport struct {
	Passed       bool     `json:"passed"`
	QualityScore float64  `json:"quality_score"` // 0-1
	Issues       []string `json:"issues,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

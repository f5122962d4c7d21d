// Package analysis implements the analysis orchestrator: a long-running,
// checkpointed pipeline that drives a fixed sequence of stages over one
// restaurant's data, persists progress after every stage, resumes after a
// crash without re-running completed work, and streams live progress to
// any number of subscribers.
package analysis

import (
	"time"

	"github.com/google/uuid"

	"mise/internal/transparency"
)

// Stage is one named step in the fixed pipeline order. Completed and
// Failed are terminal.
type Stage string

const (
	StageInitialized            Stage = "initialized"
	StageMenuExtraction         Stage = "menu_extraction"
	StageImageAnalysis          Stage = "image_analysis"
	StageCompetitorParsing      Stage = "competitor_parsing"
	StageCompetitorDiscovery    Stage = "competitor_discovery"
	StageCompetitorEnrichment   Stage = "competitor_enrichment"
	StageCompetitorVerification Stage = "competitor_verification"
	StageCompetitorAnalysis     Stage = "competitor_analysis"
	StageNeighborhoodAnalysis   Stage = "neighborhood_analysis"
	StageSentimentAnalysis      Stage = "sentiment_analysis"
	StageVisualGapAnalysis      Stage = "visual_gap_analysis"
	StageContextProcessing      Stage = "context_processing"
	StageSalesProcessing        Stage = "sales_processing"
	StageBCGClassification      Stage = "bcg_classification"
	StageSalesPrediction        Stage = "sales_prediction"
	StageCampaignGeneration     Stage = "campaign_generation"
	StageStrategicVerification  Stage = "strategic_verification"
	StageCompleted              Stage = "completed"
	StageFailed                 Stage = "failed"
)

// StagePolicy determines whether a stage's failure halts the run.
type StagePolicy string

const (
	PolicyRequired StagePolicy = "required"
	PolicyOptional StagePolicy = "optional"
)

// Session is one end-to-end analysis run and its accumulated state.
// It is the single source of truth across process restarts; the durable
// record is written as a whole on every stage transition. Timestamps
// serialize as RFC 3339 strings.
type Session struct {
	ID             string `json:"id"`
	RestaurantName string `json:"restaurant_name"`
	Address        string `json:"address,omitempty"`
	CuisineType    string `json:"cuisine_type,omitempty"`

	// Inputs
	MenuImagePaths []string `json:"menu_image_paths,omitempty"`
	SalesFilePath  string   `json:"sales_file_path,omitempty"`
	CompetitorText string   `json:"competitor_text,omitempty"` // user-pasted competitor list

	CurrentStage Stage        `json:"current_stage"`
	Checkpoints  []Checkpoint `json:"checkpoints"`

	Thoughts []transparency.ThoughtTrace `json:"thoughts,omitempty"`

	// Accumulated stage outputs
	MenuItems      []MenuItem               `json:"menu_items,omitempty"`
	ImageScores    []ImageScore             `json:"image_scores,omitempty"`
	SalesRows      []SalesRow               `json:"sales_rows,omitempty"`
	Competitors    []Competitor             `json:"competitors"`
	CompetitorNotes string                  `json:"competitor_notes,omitempty"`
	Neighborhood   *NeighborhoodProfile     `json:"neighborhood,omitempty"`
	Sentiment      *SentimentReport         `json:"sentiment,omitempty"`
	VisualGaps     []VisualGap              `json:"visual_gaps,omitempty"`
	MarketContext  *MarketContext           `json:"market_context,omitempty"`
	Classification *PortfolioClassification `json:"classification,omitempty"`
	Predictions    []SalesForecast          `json:"predictions,omitempty"`
	Campaigns      []AdCampaign             `json:"campaigns,omitempty"`
	Verification   *VerificationReport      `json:"verification,omitempty"`

	// Free-form flags, e.g. auto_verify, cancel_requested.
	Flags map[string]bool `json:"flags,omitempty"`

	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StartRequest carries the inputs for a new analysis run.
type StartRequest struct {
	RestaurantName string   `json:"restaurant_name"`
	Address        string   `json:"address,omitempty"`
	CuisineType    string   `json:"cuisine_type,omitempty"`
	MenuImagePaths []string `json:"menu_image_paths,omitempty"`
	SalesFilePath  string   `json:"sales_file_path,omitempty"`
	CompetitorText string   `json:"competitor_text,omitempty"`
	AutoVerify     bool     `json:"auto_verify,omitempty"`
}

// NewSession creates a fresh session in the Initialized stage.
func NewSession(req StartRequest) *Session {
	now := time.Now()
	flags := map[string]bool{}
	if req.AutoVerify {
		flags["auto_verify"] = true
	}
	return &Session{
		ID:             uuid.NewString(),
		RestaurantName: req.RestaurantName,
		Address:        req.Address,
		CuisineType:    req.CuisineType,
		MenuImagePaths: req.MenuImagePaths,
		SalesFilePath:  req.SalesFilePath,
		CompetitorText: req.CompetitorText,
		CurrentStage:   StageInitialized,
		Checkpoints:    []Checkpoint{},
		Competitors:    []Competitor{},
		Flags:          flags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Checkpoint is an immutable record of one stage attempt's outcome.
// Checkpoints are never edited or removed, only appended.
type Checkpoint struct {
	Stage     Stage                       `json:"stage"`
	Timestamp time.Time                   `json:"timestamp"`
	Success   bool                        `json:"success"`
	Error     string                      `json:"error,omitempty"`
	Snapshot  StageSnapshot               `json:"snapshot"`
	Thoughts  []transparency.ThoughtTrace `json:"thoughts,omitempty"`
}

// StageSnapshot is the stage-scoped data a checkpoint carries: a tagged
// union keyed by Stage, with exactly the field for that stage populated.
type StageSnapshot struct {
	Stage   Stage `json:"stage"`
	Skipped bool  `json:"skipped,omitempty"`

	MenuItems      []MenuItem               `json:"menu_items,omitempty"`
	ImageScores    []ImageScore             `json:"image_scores,omitempty"`
	Competitors    []Competitor             `json:"competitors,omitempty"`
	CompetitorNotes string                  `json:"competitor_notes,omitempty"`
	Neighborhood   *NeighborhoodProfile     `json:"neighborhood,omitempty"`
	Sentiment      *SentimentReport         `json:"sentiment,omitempty"`
	VisualGaps     []VisualGap              `json:"visual_gaps,omitempty"`
	MarketContext  *MarketContext           `json:"market_context,omitempty"`
	SalesRows      []SalesRow               `json:"sales_rows,omitempty"`
	Classification *PortfolioClassification `json:"classification,omitempty"`
	Predictions    []SalesForecast          `json:"predictions,omitempty"`
	Campaigns      []AdCampaign             `json:"campaigns,omitempty"`
	Verification   *VerificationReport      `json:"verification,omitempty"`
}

// StageResult is the explicit outcome a stage handler returns instead of
// signalling through panics. A handler that finds its stage inapplicable
// (e.g. competitor discovery with no address) returns Applicable=false;
// for Optional stages that is a clean skip, not a failure.
type StageResult struct {
	Applicable bool
	Message    string
	Snapshot   StageSnapshot
}

// Skip builds the not-applicable result for a stage.
func Skip(stage Stage, message string) StageResult {
	return StageResult{
		Applicable: false,
		Message:    message,
		Snapshot:   StageSnapshot{Stage: stage, Skipped: true},
	}
}

// SuccessFor returns the success checkpoint for a stage, or nil.
func (s *Session) SuccessFor(stage Stage) *Checkpoint {
	for i := range s.Checkpoints {
		if s.Checkpoints[i].Stage == stage && s.Checkpoints[i].Success {
			return &s.Checkpoints[i]
		}
	}
	return nil
}

// LastCheckpoint returns the most recently appended checkpoint, or nil.
func (s *Session) LastCheckpoint() *Checkpoint {
	if len(s.Checkpoints) == 0 {
		return nil
	}
	return &s.Checkpoints[len(s.Checkpoints)-1]
}

// Flag reports whether a free-form flag is set.
func (s *Session) Flag(name string) bool {
	return s.Flags[name]
}

// SetFlag sets a free-form flag.
func (s *Session) SetFlag(name string, v bool) {
	if s.Flags == nil {
		s.Flags = map[string]bool{}
	}
	s.Flags[name] = v
}

// ApplySnapshot merges a stage-scoped snapshot into the session's
// accumulated payload. Applying the same snapshot twice is harmless:
// each stage owns its fields outright, so the merge is a replace.
func (s *Session) ApplySnapshot(snap StageSnapshot) {
	switch snap.Stage {
	case StageMenuExtraction:
		s.MenuItems = snap.MenuItems
	case StageImageAnalysis:
		s.ImageScores = snap.ImageScores
	case StageCompetitorParsing, StageCompetitorDiscovery,
		StageCompetitorEnrichment, StageCompetitorVerification:
		if snap.Competitors != nil {
			s.Competitors = snap.Competitors
		}
	case StageCompetitorAnalysis:
		s.CompetitorNotes = snap.CompetitorNotes
	case StageNeighborhoodAnalysis:
		s.Neighborhood = snap.Neighborhood
	case StageSentimentAnalysis:
		s.Sentiment = snap.Sentiment
	case StageVisualGapAnalysis:
		s.VisualGaps = snap.VisualGaps
	case StageContextProcessing:
		s.MarketContext = snap.MarketContext
	case StageSalesProcessing:
		s.SalesRows = snap.SalesRows
	case StageBCGClassification:
		s.Classification = snap.Classification
	case StageSalesPrediction:
		s.Predictions = snap.Predictions
	case StageCampaignGeneration:
		s.Campaigns = snap.Campaigns
	case StageStrategicVerification:
		s.Verification = snap.Verification
	}
}

// Status is the compact session summary served by the status endpoint.
type Status struct {
	SessionID       string `json:"session_id"`
	RestaurantName  string `json:"restaurant_name"`
	CurrentStage    Stage  `json:"current_stage"`
	CheckpointCount int    `json:"checkpoint_count"`
	MenuItemCount   int    `json:"menu_item_count"`
	SalesRowCount   int    `json:"sales_row_count"`
	CompetitorCount int    `json:"competitor_count"`
	PredictionCount int    `json:"prediction_count"`
	CampaignCount   int    `json:"campaign_count"`
	ThoughtCount    int    `json:"thought_count"`
	Archived        bool   `json:"archived"`
	LastError       string `json:"last_error,omitempty"`
}

// StatusOf summarizes a session for status queries.
func StatusOf(s *Session) Status {
	st := Status{
		SessionID:       s.ID,
		RestaurantName:  s.RestaurantName,
		CurrentStage:    s.CurrentStage,
		CheckpointCount: len(s.Checkpoints),
		MenuItemCount:   len(s.MenuItems),
		SalesRowCount:   len(s.SalesRows),
		CompetitorCount: len(s.Competitors),
		PredictionCount: len(s.Predictions),
		CampaignCount:   len(s.Campaigns),
		ThoughtCount:    len(s.Thoughts),
		Archived:        s.Archived,
	}
	if cp := s.LastCheckpoint(); cp != nil && !cp.Success {
		st.LastError = cp.Error
	}
	return st
}

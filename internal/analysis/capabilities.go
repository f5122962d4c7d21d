package analysis

import "context"

// One capability interface per stage. Stage internals (prompt text, OCR,
// scoring models) are opaque to the orchestrator; the executor depends
// only on these contracts. Every handler receives the session as shared
// context and returns an explicit StageResult.

// MenuExtractor pulls structured menu items from the uploaded menu images.
type MenuExtractor interface {
	ExtractMenu(ctx context.Context, sess *Session) (StageResult, error)
}

// ImageScorer rates the marketing quality of menu imagery.
type ImageScorer interface {
	ScoreImages(ctx context.Context, sess *Session) (StageResult, error)
}

// CompetitorParser parses a user-supplied competitor list.
type CompetitorParser interface {
	ParseCompetitors(ctx context.Context, sess *Session) (StageResult, error)
}

// CompetitorFinder discovers nearby competitors from the address.
type CompetitorFinder interface {
	FindCompetitors(ctx context.Context, sess *Session) (StageResult, error)
}

// CompetitorEnricher fills in details for each discovered competitor.
type CompetitorEnricher interface {
	EnrichCompetitors(ctx context.Context, sess *Session) (StageResult, error)
}

// CompetitorVerifier filters out implausible or duplicate competitors.
type CompetitorVerifier interface {
	VerifyCompetitors(ctx context.Context, sess *Session) (StageResult, error)
}

// CompetitorAnalyst writes the competitive positioning notes.
type CompetitorAnalyst interface {
	AnalyzeCompetitors(ctx context.Context, sess *Session) (StageResult, error)
}

// NeighborhoodAnalyst profiles the restaurant's surroundings.
type NeighborhoodAnalyst interface {
	AnalyzeNeighborhood(ctx context.Context, sess *Session) (StageResult, error)
}

// SentimentAnalyst aggregates customer sentiment.
type SentimentAnalyst interface {
	AnalyzeSentiment(ctx context.Context, sess *Session) (StageResult, error)
}

// VisualGapAnalyst finds weaknesses in the visual presence.
type VisualGapAnalyst interface {
	AnalyzeVisualGaps(ctx context.Context, sess *Session) (StageResult, error)
}

// ContextProcessor merges prior stage outputs into one market context.
type ContextProcessor interface {
	ProcessContext(ctx context.Context, sess *Session) (StageResult, error)
}

// SalesProcessor normalizes the uploaded sales report.
type SalesProcessor interface {
	ProcessSales(ctx context.Context, sess *Session) (StageResult, error)
}

// PortfolioClassifier buckets menu items into BCG quadrants.
type PortfolioClassifier interface {
	ClassifyPortfolio(ctx context.Context, sess *Session) (StageResult, error)
}

// SalesForecaster predicts near-term item performance.
type SalesForecaster interface {
	ForecastSales(ctx context.Context, sess *Session) (StageResult, error)
}

// CampaignGenerator drafts marketing campaigns.
type CampaignGenerator interface {
	GenerateCampaigns(ctx context.Context, sess *Session) (StageResult, error)
}

// StrategicVerifier reviews the completed analysis for quality.
type StrategicVerifier interface {
	VerifyStrategy(ctx context.Context, sess *Session) (StageResult, error)
}

// Capabilities bundles the concrete handler for every pipeline stage.
type Capabilities struct {
	Menu         MenuExtractor
	Images       ImageScorer
	CompParser   CompetitorParser
	CompFinder   CompetitorFinder
	CompEnricher CompetitorEnricher
	CompVerifier CompetitorVerifier
	CompAnalyst  CompetitorAnalyst
	Neighborhood NeighborhoodAnalyst
	Sentiment    SentimentAnalyst
	VisualGaps   VisualGapAnalyst
	Context      ContextProcessor
	Sales        SalesProcessor
	Classifier   PortfolioClassifier
	Forecaster   SalesForecaster
	Campaigns    CampaignGenerator
	Verifier     StrategicVerifier
}

// stageFunc is the shape every capability call reduces to.
type stageFunc func(ctx context.Context, sess *Session) (StageResult, error)

// handlerFor maps a stage to its capability call. Returns false when no
// handler is configured for the stage.
func (c Capabilities) handlerFor(stage Stage) (stageFunc, bool) {
	switch stage {
	case StageMenuExtraction:
		if c.Menu != nil {
			return c.Menu.ExtractMenu, true
		}
	case StageImageAnalysis:
		if c.Images != nil {
			return c.Images.ScoreImages, true
		}
	case StageCompetitorParsing:
		if c.CompParser != nil {
			return c.CompParser.ParseCompetitors, true
		}
	case StageCompetitorDiscovery:
		if c.CompFinder != nil {
			return c.CompFinder.FindCompetitors, true
		}
	case StageCompetitorEnrichment:
		if c.CompEnricher != nil {
			return c.CompEnricher.EnrichCompetitors, true
		}
	case StageCompetitorVerification:
		if c.CompVerifier != nil {
			return c.CompVerifier.VerifyCompetitors, true
		}
	case StageCompetitorAnalysis:
		if c.CompAnalyst != nil {
			return c.CompAnalyst.AnalyzeCompetitors, true
		}
	case StageNeighborhoodAnalysis:
		if c.Neighborhood != nil {
			return c.Neighborhood.AnalyzeNeighborhood, true
		}
	case StageSentimentAnalysis:
		if c.Sentiment != nil {
			return c.Sentiment.AnalyzeSentiment, true
		}
	case StageVisualGapAnalysis:
		if c.VisualGaps != nil {
			return c.VisualGaps.AnalyzeVisualGaps, true
		}
	case StageContextProcessing:
		if c.Context != nil {
			return c.Context.ProcessContext, true
		}
	case StageSalesProcessing:
		if c.Sales != nil {
			return c.Sales.ProcessSales, true
		}
	case StageBCGClassification:
		if c.Classifier != nil {
			return c.Classifier.ClassifyPortfolio, true
		}
	case StageSalesPrediction:
		if c.Forecaster != nil {
			return c.Forecaster.ForecastSales, true
		}
	case StageCampaignGeneration:
		if c.Campaigns != nil {
			return c.Campaigns.GenerateCampaigns, true
		}
	case StageStrategicVerification:
		if c.Verifier != nil {
			return c.Verifier.VerifyStrategy, true
		}
	}
	return nil, false
}

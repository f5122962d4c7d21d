package analysis

// StageSpec describes one entry in the fixed pipeline: the stage, its
// failure policy, and the overall progress percentage reported when the
// stage starts. The registry is static configuration, not user data.
type StageSpec struct {
	Stage   Stage
	Policy  StagePolicy
	Percent int
}

// pipeline is the fixed, ordered stage list. Required stages halt the
// run on failure; Optional stages may fail or declare themselves not
// applicable without stopping the pipeline.
var pipeline = []StageSpec{
	{StageMenuExtraction, PolicyRequired, 5},
	{StageImageAnalysis, PolicyOptional, 11},
	{StageCompetitorParsing, PolicyOptional, 17},
	{StageCompetitorDiscovery, PolicyOptional, 23},
	{StageCompetitorEnrichment, PolicyOptional, 29},
	{StageCompetitorVerification, PolicyOptional, 35},
	{StageCompetitorAnalysis, PolicyOptional, 41},
	{StageNeighborhoodAnalysis, PolicyOptional, 47},
	{StageSentimentAnalysis, PolicyOptional, 53},
	{StageVisualGapAnalysis, PolicyOptional, 59},
	{StageContextProcessing, PolicyRequired, 65},
	{StageSalesProcessing, PolicyOptional, 71},
	{StageBCGClassification, PolicyRequired, 77},
	{StageSalesPrediction, PolicyRequired, 83},
	{StageCampaignGeneration, PolicyRequired, 90},
	{StageStrategicVerification, PolicyOptional, 96},
}

// Pipeline returns the ordered stage specs. Callers must not mutate the
// returned slice.
func PipelineSpecs() []StageSpec {
	return pipeline
}

// StageIndex returns a stage's position in registry order, or -1 for
// stages outside the pipeline (Initialized, Completed, Failed).
func StageIndex(stage Stage) int {
	for i, spec := range pipeline {
		if spec.Stage == stage {
			return i
		}
	}
	return -1
}

// SpecFor returns the registry entry for a stage.
func SpecFor(stage Stage) (StageSpec, bool) {
	i := StageIndex(stage)
	if i < 0 {
		return StageSpec{}, false
	}
	return pipeline[i], true
}

// IsTerminal reports whether a stage ends the pipeline.
func IsTerminal(stage Stage) bool {
	return stage == StageCompleted || stage == StageFailed
}

package models

import "context"

// Analyzer is the core interface every analysis backend must implement.
// Never call a specific backend directly — always inject this interface.
type Analyzer interface {
	// Analyze runs one image through the model and returns its risk result.
	// Errors are classified as retryable or permanent by the caller.
	Analyze(ctx context.Context, req AnalyzeRequest) (AnalysisResult, error)
	// Name returns the provider identifier (e.g., "aura", "mock").
	Name() string
}

// Risk levels produced by the model service.
const (
	RiskLow    = "Low"
	RiskMedium = "Medium"
	RiskHigh   = "High"
)

// AnalyzeRequest identifies one image to analyze.
type AnalyzeRequest struct {
	ImageURL  string
	ImageType string // Fundus or OCT
}

// AnalysisResult is the analyzer's output for one image. Ref is an opaque
// pointer to the full analysis record held by the model service.
type AnalysisResult struct {
	Ref          string
	RiskLevel    string
	RiskScore    float64
	Confidence   float64
	ModelVersion string
}

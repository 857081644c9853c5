// Package mock provides a canned analyzer for local development and tests.
package mock

import (
	"context"

	"github.com/aurahealth/retina-batch/pkg/models"
)

// Provider returns a fixed low-risk result unless AnalyzeFunc is set.
type Provider struct {
	AnalyzeFunc func(ctx context.Context, req models.AnalyzeRequest) (models.AnalysisResult, error)
}

func NewProvider() *Provider {
	return &Provider{}
}

// NewFailingProvider returns a provider whose Analyze always returns err.
func NewFailingProvider(err error) *Provider {
	return &Provider{
		AnalyzeFunc: func(context.Context, models.AnalyzeRequest) (models.AnalysisResult, error) {
			return models.AnalysisResult{}, err
		},
	}
}

// NewBlockingProvider returns a provider whose Analyze blocks until the
// context is cancelled. Useful for exercising inference timeouts.
func NewBlockingProvider() *Provider {
	return &Provider{
		AnalyzeFunc: func(ctx context.Context, _ models.AnalyzeRequest) (models.AnalysisResult, error) {
			<-ctx.Done()
			return models.AnalysisResult{}, ctx.Err()
		},
	}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) Analyze(ctx context.Context, req models.AnalyzeRequest) (models.AnalysisResult, error) {
	if p.AnalyzeFunc != nil {
		return p.AnalyzeFunc(ctx, req)
	}
	return models.AnalysisResult{
		Ref:          "mock-" + req.ImageURL,
		RiskLevel:    models.RiskLow,
		RiskScore:    0.12,
		Confidence:   0.95,
		ModelVersion: "mock-1.0",
	}, nil
}

var _ models.Analyzer = (*Provider)(nil)

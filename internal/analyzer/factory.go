// Package analyzer wires the configured analysis backend and classifies its
// failures as retryable or permanent.
package analyzer

import (
	"fmt"

	"github.com/aurahealth/retina-batch/internal/analyzer/aura"
	"github.com/aurahealth/retina-batch/internal/analyzer/mock"
	"github.com/aurahealth/retina-batch/internal/config"
	"github.com/aurahealth/retina-batch/pkg/models"
)

// New constructs the analyzer backend selected by config.
// Called once at server startup.
func New(cfg config.AnalyzerConfig) (models.Analyzer, error) {
	switch cfg.Provider {
	case "aura":
		return aura.NewProvider(cfg.Aura, cfg.InferenceTimeout), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown analyzer provider %q: must be one of aura, mock", cfg.Provider)
	}
}

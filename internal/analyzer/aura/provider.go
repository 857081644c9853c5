// Package aura implements the analyzer interface against the AURA AI-core
// model service.
package aura

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aurahealth/retina-batch/internal/analyzer/aerrors"
	"github.com/aurahealth/retina-batch/internal/config"
	"github.com/aurahealth/retina-batch/pkg/models"
)

// Provider implements models.Analyzer using the AURA AI-core HTTP API.
type Provider struct {
	baseURL      string
	modelVersion string
	client       *http.Client
}

func NewProvider(cfg config.AuraConfig, timeout time.Duration) *Provider {
	return &Provider{
		baseURL:      cfg.BaseURL,
		modelVersion: cfg.ModelVersion,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "aura" }

type analyzeRequest struct {
	ImageURL     string `json:"image_url"`
	ImageType    string `json:"image_type"`
	ModelVersion string `json:"model_version,omitempty"`
}

type analyzeResponse struct {
	AnalysisID   string  `json:"analysis_id"`
	RiskLevel    string  `json:"risk_level"`
	RiskScore    float64 `json:"risk_score"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

func (p *Provider) Analyze(ctx context.Context, req models.AnalyzeRequest) (models.AnalysisResult, error) {
	body, err := json.Marshal(analyzeRequest{
		ImageURL:     req.ImageURL,
		ImageType:    req.ImageType,
		ModelVersion: p.modelVersion,
	})
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("encoding analyze request: %w", err)
	}

	u := p.baseURL + "/api/analyze"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.AnalysisResult{}, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		// The model service rejects corrupt or undownloadable images with 4xx;
		// retrying the same image cannot succeed.
		return models.AnalysisResult{}, fmt.Errorf("%w: status %d", aerrors.ErrImageUnreadable, resp.StatusCode)
	default:
		return models.AnalysisResult{}, fmt.Errorf("%w: status %d", aerrors.ErrUnavailable, resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", aerrors.ErrInvalidResponse, err)
	}
	if out.AnalysisID == "" || out.RiskLevel == "" {
		return models.AnalysisResult{}, fmt.Errorf("%w: missing analysis_id or risk_level", aerrors.ErrInvalidResponse)
	}

	return models.AnalysisResult{
		Ref:          out.AnalysisID,
		RiskLevel:    out.RiskLevel,
		RiskScore:    clamp01(out.RiskScore),
		Confidence:   clamp01(out.Confidence),
		ModelVersion: out.ModelVersion,
	}, nil
}

// Ready probes the model service health endpoint. Used at startup only.
func (p *Provider) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", aerrors.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", aerrors.ErrInferenceTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", aerrors.ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", aerrors.ErrUnavailable, err)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ models.Analyzer = (*Provider)(nil)

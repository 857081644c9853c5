package analyzer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aurahealth/retina-batch/internal/analyzer"
	"github.com/aurahealth/retina-batch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Aura(t *testing.T) {
	cfg := config.AnalyzerConfig{
		Provider:         "aura",
		InferenceTimeout: 30 * time.Second,
		Aura:             config.AuraConfig{BaseURL: "http://localhost:8000", ModelVersion: "retina-2.1"},
	}
	p, err := analyzer.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "aura", p.Name())
}

func TestNew_Mock(t *testing.T) {
	cfg := config.AnalyzerConfig{Provider: "mock"}
	p, err := analyzer.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestNew_Unknown(t *testing.T) {
	_, err := analyzer.New(config.AnalyzerConfig{Provider: "tensorflow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown analyzer provider")
	assert.Contains(t, err.Error(), "tensorflow")
}

func TestNew_Empty(t *testing.T) {
	_, err := analyzer.New(config.AnalyzerConfig{Provider: ""})
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", analyzer.ErrUnavailable, true},
		{"inference timeout", analyzer.ErrInferenceTimeout, true},
		{"wrapped timeout", errors.New("x"), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"image unreadable", analyzer.ErrImageUnreadable, false},
		{"invalid response", analyzer.ErrInvalidResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, analyzer.IsRetryable(tt.err))
		})
	}
}

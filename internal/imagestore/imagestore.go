// Package imagestore resolves image identifiers against the platform's
// image service before a task is handed to the analyzer.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable means the image service could not be reached; the caller
// should retry rather than fail the task.
var ErrUnavailable = errors.New("image store unavailable")

// Store answers whether an uploaded image exists and where to fetch it.
type Store interface {
	Exists(ctx context.Context, imageID uuid.UUID) (bool, error)
	URL(imageID uuid.UUID) string
}

// HTTPStore talks to the image service over HTTP.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) URL(imageID uuid.UUID) string {
	return fmt.Sprintf("%s/images/%s", s.baseURL, imageID)
}

// Exists probes the image with a HEAD request. A 404 is a definitive "no";
// any other failure is reported as ErrUnavailable so the task is retried
// instead of being failed for an image that may well exist.
func (s *HTTPStore) Exists(ctx context.Context, imageID uuid.UUID) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL(imageID), nil)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

var _ Store = (*HTTPStore)(nil)

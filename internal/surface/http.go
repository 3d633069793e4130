package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/metrics"
)

// HTTPAdapter queries surfaces exposing a direct chat/completions API.
// One adapter serves every surface routed through the api method; the
// per-surface endpoint and key come from configuration.
type HTTPAdapter struct {
	endpoints  map[string]HTTPEndpoint
	httpClient *http.Client
}

// HTTPEndpoint holds per-surface API settings.
type HTTPEndpoint struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// NewHTTPAdapter creates the direct-API adapter.
func NewHTTPAdapter(endpoints map[string]HTTPEndpoint, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (a *HTTPAdapter) Method() domain.CollectionMethod {
	return domain.MethodAPI
}

func (a *HTTPAdapter) ExecuteQuery(ctx context.Context, surfaceID, query string, qc QueryContext) (*QueryResult, error) {
	endpoint, ok := a.endpoints[surfaceID]
	if !ok {
		return nil, &domain.ClassifiedError{
			Type:      domain.FailureUnknown,
			Code:      "no_endpoint",
			Message:   fmt.Sprintf("no api endpoint configured for surface %s", surfaceID),
			Retryable: false,
		}
	}

	start := time.Now()
	metrics.SurfaceCalls.WithLabelValues(surfaceID, string(domain.MethodAPI)).Inc()

	if qc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qc.Timeout)
		defer cancel()
	}

	reqBody := map[string]any{
		"query":    query,
		"location": qc.LocationID,
		"session":  qc.SessionID,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("surface call: %w", err)
	}
	defer resp.Body.Close()

	metrics.SurfaceLatency.WithLabelValues(surfaceID, string(domain.MethodAPI)).
		Observe(time.Since(start).Seconds())

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited (429), retry after: %s", resp.Header.Get("Retry-After"))
	case http.StatusForbidden:
		return nil, fmt.Errorf("blocked (403)")
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized (401)")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var apiResp struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	return &QueryResult{
		Content:     apiResp.Content,
		RetrievedAt: time.Now(),
	}, nil
}

package tracking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPConfig configures the tracking service client.
type HTTPConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultHTTPConfig returns default configuration for the tracking service
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:       baseURL,
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// HTTPSink posts points to a tracking service as JSON.
type HTTPSink struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPSink creates a new tracking service client
func NewHTTPSink(config HTTPConfig) *HTTPSink {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &HTTPSink{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type metricsRequest struct {
	Points []Point `json:"points"`
}

type metricsResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Write sends points, retrying failed attempts.
func (s *HTTPSink) Write(points []Point) error {
	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		if lastErr = s.send(points); lastErr == nil {
			return nil
		}
		if attempt < s.config.RetryAttempts-1 {
			time.Sleep(s.config.RetryDelay)
		}
	}
	return errors.Wrapf(lastErr, "failed to send metrics after %d attempts", s.config.RetryAttempts)
}

func (s *HTTPSink) send(points []Point) error {
	body, err := json.Marshal(metricsRequest{Points: points})
	if err != nil {
		return errors.Wrap(err, "failed to marshal metrics")
	}

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/metrics", s.config.BaseURL), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-latex-ocr")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode != http.StatusOK {
		var r metricsResponse
		_ = json.Unmarshal(respBody, &r)
		return errors.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, r.Message)
	}
	return nil
}

// CheckHealth checks if the tracking service is available
func (s *HTTPSink) CheckHealth() error {
	resp, err := s.httpClient.Get(fmt.Sprintf("%s/health", s.config.BaseURL))
	if err != nil {
		return errors.Wrap(err, "failed to send health check request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

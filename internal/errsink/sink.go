// Package errsink forwards operational errors to an external
// reporting service. Delivery is best-effort with its own bounded
// retry policy; the sink never fails or blocks the supervisor.
package errsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Sink posts error reports to a webhook-style endpoint as JSON.
type Sink struct {
	URL        string
	MaxRetries int
	RetryDelay time.Duration

	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a sink. An empty URL yields a sink that drops reports.
func New(url string, maxRetries int, retryDelay time.Duration, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		URL:        url,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type report struct {
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Report delivers one error report, retrying with a fixed delay up to
// MaxRetries extra attempts. Failures are logged and swallowed.
func (s *Sink) Report(ctx context.Context, message string, details map[string]any) {
	if s == nil || s.URL == "" {
		return
	}
	body, err := json.Marshal(report{
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("encoding error report failed", "error", err)
		return
	}

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.RetryDelay):
			}
		}
		if s.post(ctx, body) {
			return
		}
	}
	s.logger.Warn("error report dropped after retries", "message", message)
}

func (s *Sink) post(ctx context.Context, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("building error report request failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debug("error report delivery failed", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

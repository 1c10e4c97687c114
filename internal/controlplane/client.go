package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/taskwrap/internal/config"
)

// RequestClass selects which error-timeout budget applies to a request.
type RequestClass int

const (
	ClassGeneric RequestClass = iota
	ClassCreation
	ClassCreationConflict
	ClassFinalUpdate
)

// ErrorReporter forwards operational errors to the external sink,
// best-effort.
type ErrorReporter interface {
	Report(ctx context.Context, message string, details map[string]any)
}

// AbortError tells the supervisor to stop the whole run with a mapped
// exit code instead of degrading to offline mode.
type AbortError struct {
	ExitCode   int
	HTTPStatus int
	Reason     string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("control plane abort (%s, status %d, exit %d)", e.Reason, e.HTTPStatus, e.ExitCode)
}

// Client talks to the control plane with a per-request-class deadline,
// a fixed retry delay, and a circuit breaker that suppresses traffic
// for a resume delay once a deadline is exhausted.
//
// A (nil, nil) return means "no response": the caller proceeds in
// offline mode and the update stays best-effort.
type Client struct {
	BaseURL string
	APIKey  string

	RequestTimeout          time.Duration
	ErrorTimeout            time.Duration
	CreationErrorTimeout    time.Duration
	CreationConflictTimeout time.Duration
	FinalUpdateTimeout      time.Duration
	RetryDelay              time.Duration
	ConflictRetryDelay      time.Duration
	ResumeDelay             time.Duration
	StatusUpdateInterval    time.Duration
	PreventOfflineExecution bool

	httpClient *http.Client
	logger     *slog.Logger
	sink       ErrorReporter

	now   func() time.Time
	sleep func(time.Duration)

	retriesExhausted bool
	lastFailureAt    time.Time
	lastErrorBody    string
	conflictSeen     bool
	executionStarted bool
	lastStatusSentAt time.Time
}

// NewClient creates a control-plane client from the wrapper params.
func NewClient(p *config.Params, sink ErrorReporter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:                 strings.TrimRight(p.APIBaseURL, "/"),
		APIKey:                  p.APIKey,
		RequestTimeout:          p.APIRequestTimeout,
		ErrorTimeout:            p.APIErrorTimeout,
		CreationErrorTimeout:    p.APICreationErrorTimeout,
		CreationConflictTimeout: p.APICreationConflictTimeout,
		FinalUpdateTimeout:      p.APIFinalUpdateTimeout,
		RetryDelay:              p.APIRetryDelay,
		ConflictRetryDelay:      p.APICreationConflictRetryDelay,
		ResumeDelay:             p.APIResumeDelay,
		StatusUpdateInterval:    p.StatusUpdateInterval,
		PreventOfflineExecution: p.PreventOfflineExecution,
		httpClient:              &http.Client{Timeout: p.APIRequestTimeout},
		logger:                  logger,
		sink:                    sink,
		now:                     time.Now,
		sleep:                   time.Sleep,
	}
}

// MarkExecutionStarted records that the child process has launched: a
// creation conflict after this point can no longer be retried away.
func (c *Client) MarkExecutionStarted() { c.executionStarted = true }

// ConflictSeen reports whether the control plane ever answered a
// creation request with a conflict.
func (c *Client) ConflictSeen() bool { return c.conflictSeen }

// CreateExecution sends the creation request and applies the returned
// identity to the execution record.
func (c *Client) CreateExecution(ctx context.Context, ex *Execution, body map[string]any) (map[string]any, error) {
	resp, err := c.send(ctx, http.MethodPost, c.BaseURL+"/api/v1/task_executions/", body, ClassCreation)
	if err != nil || resp == nil {
		return resp, err
	}
	if id, ok := resp["uuid"].(string); ok && id != "" {
		ex.UUID = id
	}
	return resp, nil
}

// UpdateExecution sends a status update for the execution.
func (c *Client) UpdateExecution(ctx context.Context, ex *Execution, body map[string]any, class RequestClass) (map[string]any, error) {
	url := fmt.Sprintf("%s/api/v1/task_executions/%s/", c.BaseURL, ex.UUID)
	resp, err := c.send(ctx, http.MethodPatch, url, body, class)
	if resp != nil {
		c.lastStatusSentAt = c.now()
		ex.LastReportedAt = c.lastStatusSentAt
	}
	return resp, err
}

// ShouldSendStatus applies the heartbeat cadence: send when nothing
// was ever sent or the minimum interval elapsed. Important updates
// (counter changes, new pid) bypass the interval.
func (c *Client) ShouldSendStatus(important bool) bool {
	if important || c.lastStatusSentAt.IsZero() {
		return true
	}
	if c.StatusUpdateInterval <= 0 {
		return true
	}
	return c.now().Sub(c.lastStatusSentAt) >= c.StatusUpdateInterval
}

func (c *Client) timeoutFor(class RequestClass) time.Duration {
	switch class {
	case ClassCreation:
		return c.CreationErrorTimeout
	case ClassCreationConflict:
		return c.CreationConflictTimeout
	case ClassFinalUpdate:
		return c.FinalUpdateTimeout
	default:
		return c.ErrorTimeout
	}
}

// circuitOpen recomputes the retries-exhausted flag: it clears once
// the resume delay has passed since the last failure.
func (c *Client) circuitOpen() bool {
	if !c.retriesExhausted {
		return false
	}
	if c.now().Sub(c.lastFailureAt) > c.ResumeDelay {
		c.retriesExhausted = false
		c.logger.Info("resuming control plane communication")
		return false
	}
	return true
}

// send performs one logical request with retries bounded by the wall
// clock budget of the active request class, measured from the first
// attempt.
func (c *Client) send(ctx context.Context, method, url string, body any, class RequestClass) (map[string]any, error) {
	if c.circuitOpen() {
		c.logger.Debug("circuit breaker open, skipping request", "url", url)
		return nil, nil
	}

	firstAttempt := c.now()
	deadlineClass := class

	for {
		status, respBody, err := c.doOnce(ctx, method, url, body)

		switch {
		case err == nil && status >= 200 && status < 300:
			c.lastFailureAt = time.Time{}
			c.lastErrorBody = ""
			if class == ClassCreation {
				c.conflictSeen = false
			}
			var parsed map[string]any
			if len(respBody) > 0 {
				if uerr := json.Unmarshal(respBody, &parsed); uerr != nil {
					c.logger.Warn("unparseable control plane response", "error", uerr)
					parsed = map[string]any{}
				}
			} else {
				parsed = map[string]any{}
			}
			return parsed, nil

		case err != nil:
			// Transport-level failure: retryable without a status code.
			c.logger.Warn("control plane request failed", "url", url, "error", err)
			c.lastErrorBody = err.Error()

		case status == http.StatusConflict && class == ClassCreation:
			if c.executionStarted {
				// The control plane learned about the concurrency
				// conflict after the child already launched.
				c.conflictSeen = true
				return nil, &AbortError{
					ExitCode:   config.ExitCodeForStatus(status),
					HTTPStatus: status,
					Reason:     "creation conflict after start",
				}
			}
			if !c.conflictSeen {
				// First conflict: switch to the independent conflict
				// budget. Repeated conflicts do not re-extend it.
				c.conflictSeen = true
				deadlineClass = ClassCreationConflict
				c.logger.Info("creation conflict, switching to conflict retry budget")
			}

		case status == http.StatusInternalServerError,
			status == http.StatusBadGateway,
			status == http.StatusServiceUnavailable:
			c.logger.Warn("retryable control plane error", "url", url, "status", status)
			c.lastErrorBody = string(respBody)

		default:
			c.reportToSink(ctx, fmt.Sprintf("control plane rejected request (status %d)", status), map[string]any{
				"url":    url,
				"status": status,
				"body":   truncate(string(respBody), 1024),
			})
			if c.PreventOfflineExecution {
				return nil, &AbortError{
					ExitCode:   config.ExitCodeForStatus(status),
					HTTPStatus: status,
					Reason:     "non-retryable error with offline execution prevented",
				}
			}
			return nil, nil
		}

		budget := c.timeoutFor(deadlineClass)
		if budget >= 0 && c.now().Sub(firstAttempt) >= budget {
			c.retriesExhausted = true
			c.lastFailureAt = c.now()
			c.logger.Error("control plane retry budget exhausted", "url", url, "budget", budget)
			if class == ClassCreation && (c.PreventOfflineExecution || c.conflictSeen) {
				// The conflict exit code only applies when a conflict was
				// actually observed during creation.
				abort := &AbortError{
					ExitCode: config.ExitGeneric,
					Reason:   "creation retry budget exhausted",
				}
				if c.conflictSeen {
					abort.ExitCode = config.ExitCodeForStatus(http.StatusConflict)
					abort.HTTPStatus = http.StatusConflict
				}
				return nil, abort
			}
			return nil, nil
		}

		if ctx.Err() != nil {
			return nil, nil
		}
		delay := c.RetryDelay
		if deadlineClass == ClassCreationConflict {
			delay = c.ConflictRetryDelay
		}
		c.sleep(delay)
	}
}

// doOnce performs a single HTTP attempt.
func (c *Client) doOnce(ctx context.Context, method, url string, body any) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) reportToSink(ctx context.Context, message string, details map[string]any) {
	if c.sink == nil {
		return
	}
	c.sink.Report(ctx, message, details)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

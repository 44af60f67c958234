package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/kiln/iox"
)

// DefaultServiceTimeout is the default HTTP request timeout.
const DefaultServiceTimeout = 30 * time.Second

// DefaultServiceRetries is the default number of retry attempts.
const DefaultServiceRetries = 2

// ServiceConfig configures an HTTP transform service client.
type ServiceConfig struct {
	// URL is the transform endpoint (required). Requests are POSTed as
	// {"id": "<module id>"}.
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// Retries is the number of retry attempts on 5xx and network errors.
	Retries int
	// Backoff is the base retry delay (default 200ms), doubled per attempt.
	Backoff time.Duration
}

// Service is a Transformer that calls an HTTP transform service.
type Service struct {
	config ServiceConfig
	client *http.Client
}

// StatusError is returned for non-2xx responses that carry no transform
// error body.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// NewService creates a transform service client.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.URL == "" {
		return nil, errors.New("transform service requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultServiceTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	return &Service{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type serviceResponse struct {
	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

// Transform requests id from the service. Transform errors reported by the
// service are returned as *Error without retrying; 5xx and network errors
// are retried with exponential backoff.
func (s *Service) Transform(ctx context.Context, id string) (*Result, error) {
	body, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return nil, fmt.Errorf("transform: marshal request: %w", err)
	}

	var lastErr error
	attempts := 1 + s.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transform: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * s.config.Backoff
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("transform: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		res, err := s.doRequest(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var te *Error
		if errors.As(err, &te) {
			te.ID = id
			return nil, te
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return nil, fmt.Errorf("transform: non-retriable error: %w", err)
		}
	}

	return nil, fmt.Errorf("transform: failed after %d attempts: %w", attempts, lastErr)
}

func (s *Service) doRequest(ctx context.Context, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out serviceResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	if out.Result == nil {
		return nil, &Error{Message: "transform service returned no result", Code: CodeTransformError}
	}
	return out.Result, nil
}

// Close releases idle connections.
func (s *Service) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var (
	_ Transformer = (*Service)(nil)
	_ Transformer = (*Process)(nil)
	_ Transformer = Func(nil)
)

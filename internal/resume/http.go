package resume

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/sirupsen/logrus"
)

const (
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	maxErrorBody      = 4096
)

// HTTPError is a non-success response of the resume endpoint
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("resume %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("resume %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Temporary reports responses worth retrying
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Unwrap classifies client errors as ErrRejected
func (e *HTTPError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests {
		return ErrRejected
	}
	return nil
}

// HTTPResumer calls POST {base}/api/v1/{domain}/{entityId}/sync/resume
type HTTPResumer struct {
	baseURL    string
	token      string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *logrus.Entry
}

// NewHTTPResumer creates a resumer from cfg
func NewHTTPResumer(cfg *config.ResumeConfig, logger logrus.FieldLogger) *HTTPResumer {
	return &HTTPResumer{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: defaultRetryDelay,
		logger:     logger.WithField("component", "resume"),
	}
}

type resumeBody struct {
	PreviousJobID string `json:"previousJobId,omitempty"`
	Attempt       int    `json:"attempt"`
}

// servers answer either with the ack itself or wrapped in data
type resumeResponse struct {
	tracker.ResumeAck
	Data *tracker.ResumeAck `json:"data,omitempty"`
}

func (r *HTTPResumer) endpoint(req tracker.ResumeRequest) string {
	return fmt.Sprintf("%s/api/v1/%s/%s/sync/resume",
		r.baseURL, url.PathEscape(req.Domain.String()), url.PathEscape(req.EntityID))
}

// Resume posts the request, retrying throttled, server and network failures
func (r *HTTPResumer) Resume(ctx context.Context, req tracker.ResumeRequest) (tracker.ResumeAck, error) {
	payload, err := json.Marshal(resumeBody{PreviousJobID: string(req.PreviousJobID), Attempt: req.Attempt})
	if err != nil {
		return tracker.ResumeAck{}, fmt.Errorf("failed to marshal resume request: %w", err)
	}

	requestID := uuid.NewString()
	log := r.logger.WithFields(logrus.Fields{
		"domain":     req.Domain,
		"entity":     req.EntityID,
		"request_id": requestID,
	})

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt - 1)
			log.WithError(lastErr).WithField("delay", delay).Warn("Retrying resume request")
			select {
			case <-ctx.Done():
				return tracker.ResumeAck{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		ack, err := r.post(ctx, req, payload, requestID)
		if err == nil {
			log.WithField("job_id", ack.JobID).Info("Resume accepted")
			return ack, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	log.WithError(lastErr).Warn("Resume request failed")
	return tracker.ResumeAck{}, lastErr
}

func (r *HTTPResumer) post(ctx context.Context, req tracker.ResumeRequest, payload []byte, requestID string) (tracker.ResumeAck, error) {
	endpoint := r.endpoint(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return tracker.ResumeAck{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return tracker.ResumeAck{}, fmt.Errorf("resume %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return tracker.ResumeAck{}, &HTTPError{
			StatusCode: resp.StatusCode,
			URL:        endpoint,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var decoded resumeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
		return tracker.ResumeAck{}, fmt.Errorf("failed to decode resume response: %w", err)
	}
	if decoded.Data != nil {
		return *decoded.Data, nil
	}
	return decoded.ResumeAck, nil
}

func (r *HTTPResumer) delay(attempt int) time.Duration {
	d := r.retryDelay
	for i := 0; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

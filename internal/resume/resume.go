// Package resume implements the "resume sync" round trip used by retries.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/messaging"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrRejected means the server refused to resume the sync
var ErrRejected = errors.New("resume rejected by server")

// Requester sends a request and returns the reply payload
type Requester interface {
	Request(ctx context.Context, subject string, payload []byte) ([]byte, error)
}

// NATSResumer sends resume requests on sync.resume.<domain>
type NATSResumer struct {
	requester Requester
	timeout   time.Duration
	logger    *logrus.Entry
}

func NewNATSResumer(requester Requester, timeout time.Duration, logger logrus.FieldLogger) *NATSResumer {
	return &NATSResumer{
		requester: requester,
		timeout:   timeout,
		logger:    logger.WithField("component", "resume"),
	}
}

type natsReply struct {
	tracker.ResumeAck
	Error string `json:"error,omitempty"`
}

func (r *NATSResumer) Resume(ctx context.Context, req tracker.ResumeRequest) (tracker.ResumeAck, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return tracker.ResumeAck{}, fmt.Errorf("failed to marshal resume request: %w", err)
	}

	subject := messaging.ResumeSubject(req.Domain)
	data, err := r.requester.Request(ctx, subject, payload)
	if err != nil {
		return tracker.ResumeAck{}, err
	}

	var reply natsReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return tracker.ResumeAck{}, fmt.Errorf("failed to decode resume reply: %w", err)
	}
	if reply.Error != "" {
		return tracker.ResumeAck{}, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}

	r.logger.WithFields(logrus.Fields{
		"domain": req.Domain,
		"entity": req.EntityID,
		"job_id": reply.JobID,
	}).Info("Resume accepted")
	return reply.ResumeAck, nil
}

// New picks the resumer for cfg.Transport. requester may be nil unless the transport is nats.
func New(cfg *config.ResumeConfig, requester Requester, logger logrus.FieldLogger) (tracker.Resumer, error) {
	switch cfg.Transport {
	case "", "http":
		return NewHTTPResumer(cfg, logger), nil
	case "nats":
		if requester == nil {
			return nil, errors.New("nats resume transport requires a NATS connection")
		}
		return NewNATSResumer(requester, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown resume transport %q", cfg.Transport)
	}
}

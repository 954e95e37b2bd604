package tracker

import "errors"

var (
	// ErrMalformedEvent marks events without a type or entity id, or with an undecodable body
	ErrMalformedEvent = errors.New("malformed sync event")
	// ErrUnknownEventType marks event types outside every vocabulary
	ErrUnknownEventType = errors.New("unknown sync event type")
	// ErrControlEvent marks heartbeat and connection events, which carry no entity state
	ErrControlEvent = errors.New("control event")
	// ErrUnknownDomain is returned for domains without a registry
	ErrUnknownDomain = errors.New("unknown domain")

	ErrEntityNotFound     = errors.New("entity not found")
	ErrRetryLimitExceeded = errors.New("max retries reached")
	ErrResumeRejected     = errors.New("resume request rejected")
	ErrAmbiguousEntity    = errors.New("entity id exists in more than one domain")
)

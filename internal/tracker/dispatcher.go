package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// ResultKind classifies what the dispatcher did with an event
type ResultKind int

const (
	ResultTransition ResultKind = iota + 1
	ResultControl
	ResultIgnored
	ResultMalformed
)

func (k ResultKind) String() string {
	switch k {
	case ResultTransition:
		return "transition"
	case ResultControl:
		return "control"
	case ResultIgnored:
		return "ignored"
	case ResultMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DispatchResult describes the handling of one raw event
type DispatchResult struct {
	Kind     ResultKind
	Outcome  Outcome
	Domain   models.Domain
	EntityID string
	State    models.EntitySyncState
	Err      error
}

// DispatchStats are the dispatcher counters
type DispatchStats struct {
	Received  uint64 `json:"received"`
	Created   uint64 `json:"created"`
	Applied   uint64 `json:"applied"`
	Duplicate uint64 `json:"duplicate"`
	Stale     uint64 `json:"stale"`
	Rejected  uint64 `json:"rejected"`
	Ignored   uint64 `json:"ignored"`
	Malformed uint64 `json:"malformed"`
	Control   uint64 `json:"control"`
}

type dispatchCounters struct {
	received  atomic.Uint64
	created   atomic.Uint64
	applied   atomic.Uint64
	duplicate atomic.Uint64
	stale     atomic.Uint64
	rejected  atomic.Uint64
	ignored   atomic.Uint64
	malformed atomic.Uint64
	control   atomic.Uint64
}

// applier commits one normalized event to a registry
type applier interface {
	applyEvent(ev NormalizedEvent) (models.EntitySyncState, Outcome, error)
	now() time.Time
}

// Dispatcher validates raw events, resolves their registry and applies exactly one transition
type Dispatcher struct {
	target   applier
	logger   *logrus.Entry
	counters dispatchCounters
}

func newDispatcher(target applier, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		target: target,
		logger: logger.WithField("component", "dispatcher"),
	}
}

// Dispatch handles one event received on the stream of source. It never panics on bad input.
func (d *Dispatcher) Dispatch(source models.Domain, raw models.RawEvent) DispatchResult {
	d.counters.received.Add(1)

	ev, err := Normalize(raw, source, d.target.now())
	switch {
	case err == nil:
	case errors.Is(err, ErrControlEvent):
		d.counters.control.Add(1)
		return DispatchResult{Kind: ResultControl, Domain: source}
	case errors.Is(err, ErrUnknownEventType):
		d.counters.ignored.Add(1)
		d.logger.WithField("type", raw.Type).Debug("Ignoring unknown event type")
		return DispatchResult{Kind: ResultIgnored, Domain: source, Err: err}
	default:
		d.counters.malformed.Add(1)
		d.logger.WithError(err).WithField("source", source).Warn("Dropping malformed event")
		return DispatchResult{Kind: ResultMalformed, Domain: source, Err: err}
	}

	state, outcome, err := d.target.applyEvent(ev)
	if err != nil {
		d.counters.malformed.Add(1)
		d.logger.WithError(err).WithField("domain", ev.Domain).Warn("Dropping unroutable event")
		return DispatchResult{Kind: ResultMalformed, Domain: ev.Domain, EntityID: ev.EntityID, Err: err}
	}
	d.count(outcome)

	entry := d.logger.WithFields(logrus.Fields{
		"domain":  ev.Domain,
		"entity":  ev.EntityID,
		"status":  state.Status,
		"outcome": outcome,
	})
	if outcome.Mutated() {
		entry.WithField("progress", state.Progress).Debug("Applied sync event")
	} else {
		entry.WithField("job_id", ev.JobID).Debug("Discarded sync event")
	}

	return DispatchResult{
		Kind:     ResultTransition,
		Outcome:  outcome,
		Domain:   ev.Domain,
		EntityID: ev.EntityID,
		State:    state,
	}
}

// DispatchJSON decodes and dispatches one JSON encoded event
func (d *Dispatcher) DispatchJSON(source models.Domain, data []byte) DispatchResult {
	var raw models.RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		d.counters.received.Add(1)
		d.counters.malformed.Add(1)
		err = fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		d.logger.WithError(err).WithField("source", source).Warn("Dropping undecodable event")
		return DispatchResult{Kind: ResultMalformed, Domain: source, Err: err}
	}
	return d.Dispatch(source, raw)
}

// Stats returns a copy of the counters
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Received:  d.counters.received.Load(),
		Created:   d.counters.created.Load(),
		Applied:   d.counters.applied.Load(),
		Duplicate: d.counters.duplicate.Load(),
		Stale:     d.counters.stale.Load(),
		Rejected:  d.counters.rejected.Load(),
		Ignored:   d.counters.ignored.Load(),
		Malformed: d.counters.malformed.Load(),
		Control:   d.counters.control.Load(),
	}
}

func (d *Dispatcher) count(outcome Outcome) {
	switch outcome {
	case OutcomeCreated:
		d.counters.created.Add(1)
	case OutcomeApplied:
		d.counters.applied.Add(1)
	case OutcomeDuplicate:
		d.counters.duplicate.Add(1)
	case OutcomeStale:
		d.counters.stale.Add(1)
	case OutcomeRejected:
		d.counters.rejected.Add(1)
	}
}

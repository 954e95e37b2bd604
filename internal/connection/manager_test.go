package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/timer"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus/hooks/test"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock   *timer.Manual
	source  *ChanSource
	tracker *tracker.Tracker
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()
	clock := timer.NewManual(t0)
	tr := tracker.New(tracker.Options{Clock: clock, Logger: log})
	src := NewChanSource(16)
	m := NewManager(Options{
		Domain:           models.DomainCrypto,
		Source:           src,
		Dispatcher:       tr,
		Timer:            clock,
		HeartbeatTimeout: 30 * time.Second,
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
		OnStatus:         tr.SetConnectionStatus,
		Logger:           log,
	})
	t.Cleanup(m.Stop)
	return &harness{clock: clock, source: src, tracker: tr, manager: m}
}

func (h *harness) send(t *testing.T, payload string) {
	t.Helper()
	if !h.source.Send(context.Background(), models.DomainCrypto, []byte(payload)) {
		t.Fatalf("no open stream for %s", payload)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) connect(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := h.manager.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", h.manager.IsConnected)
	waitFor(t, "stream open", func() bool { return h.source.Connected(models.DomainCrypto) })
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(time.Second, 30*time.Second, tc.attempt); got != tc.want {
			t.Fatalf("Backoff(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestConnectDeliversEvents(t *testing.T) {
	h := newHarness(t)
	h.connect(t, context.Background())

	h.send(t, `{"type":"syncing_assets","walletId":"w1","progress":25}`)
	waitFor(t, "entity w1", func() bool {
		_, err := h.tracker.GetEntity(models.DomainCrypto, "w1")
		return err == nil
	})

	// second connect while connected is a no-op
	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := h.source.Opens(models.DomainCrypto); got != 1 {
		t.Fatalf("expected a single open, got %d", got)
	}
	if !h.tracker.GetAggregateSnapshot().IsConnected {
		t.Fatalf("tracker should see the domain connected")
	}
}

func TestHeartbeatExpiryDisconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t, context.Background())

	h.clock.Advance(20 * time.Second)
	h.send(t, `{"type":"heartbeat","totalConnections":3}`)
	waitFor(t, "heartbeat recorded", func() bool {
		return h.manager.Status().LastHeartbeat != nil
	})
	status := h.manager.Status()
	if !status.LastHeartbeat.Equal(t0.Add(20*time.Second)) || status.TotalConnections != 3 {
		t.Fatalf("unexpected heartbeat status %+v", status)
	}

	// window restarts at the heartbeat
	h.clock.Advance(20 * time.Second)
	if !h.manager.IsConnected() {
		t.Fatalf("heartbeat should have extended the watchdog")
	}

	h.clock.Advance(10 * time.Second)
	if h.manager.IsConnected() {
		t.Fatalf("expected disconnect after heartbeat timeout")
	}
	if h.tracker.GetAggregateSnapshot().IsConnected {
		t.Fatalf("aggregate still reports connected")
	}
	status = h.manager.Status()
	if status.LastError != ErrHeartbeatTimeout.Error() || status.ReconnectAttempts != 1 || status.ManuallyClosed {
		t.Fatalf("unexpected status after expiry %+v", status)
	}

	h.clock.Advance(time.Second)
	waitFor(t, "reconnected", h.manager.IsConnected)
	if got := h.source.Opens(models.DomainCrypto); got != 2 {
		t.Fatalf("expected reopen, got %d opens", got)
	}
	if got := h.manager.Status().ReconnectAttempts; got != 0 {
		t.Fatalf("attempts should reset on open, got %d", got)
	}
}

func TestOpenFailureBacksOff(t *testing.T) {
	h := newHarness(t)
	h.source.FailNext(models.DomainCrypto, errors.New("refused"))
	h.source.FailNext(models.DomainCrypto, errors.New("refused"))

	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "first failure", func() bool { return h.manager.Status().ReconnectAttempts == 1 })

	h.clock.Advance(999 * time.Millisecond)
	if got := h.source.Opens(models.DomainCrypto); got != 1 {
		t.Fatalf("reconnected before backoff elapsed: %d opens", got)
	}

	h.clock.Advance(time.Millisecond)
	waitFor(t, "second failure", func() bool { return h.manager.Status().ReconnectAttempts == 2 })

	h.clock.Advance(2 * time.Second)
	waitFor(t, "connected", h.manager.IsConnected)
	if got := h.source.Opens(models.DomainCrypto); got != 3 {
		t.Fatalf("expected 3 opens, got %d", got)
	}
}

func TestStreamBreakReconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t, context.Background())

	h.source.Break(models.DomainCrypto, errors.New("connection reset"))
	waitFor(t, "disconnect", func() bool { return !h.manager.IsConnected() })
	if got := h.manager.Status().LastError; got != "connection reset" {
		t.Fatalf("unexpected last error %q", got)
	}

	h.clock.Advance(time.Second)
	waitFor(t, "reconnected", h.manager.IsConnected)
}

func TestDisconnectIsABarrier(t *testing.T) {
	h := newHarness(t)
	h.connect(t, context.Background())

	h.manager.mu.Lock()
	gen := h.manager.generation
	h.manager.mu.Unlock()

	h.manager.Disconnect()

	if h.manager.deliver(gen, []byte(`{"type":"queued_crypto","entityId":"late"}`)) {
		t.Fatalf("delivery accepted after disconnect")
	}
	if _, err := h.tracker.GetEntity(models.DomainCrypto, "late"); !errors.Is(err, tracker.ErrEntityNotFound) {
		t.Fatalf("event reached the tracker after disconnect: %v", err)
	}

	status := h.manager.Status()
	if status.State != models.ConnectionDisconnected || !status.ManuallyClosed {
		t.Fatalf("unexpected status %+v", status)
	}

	h.clock.Advance(time.Hour)
	if got := h.source.Opens(models.DomainCrypto); got != 1 {
		t.Fatalf("manual close must not reconnect, got %d opens", got)
	}

	// explicit connect clears the manual flag
	h.connect(t, context.Background())
	if h.manager.Status().ManuallyClosed {
		t.Fatalf("connect should clear the manual close flag")
	}
}

func TestDisconnectCancelsPendingBackoff(t *testing.T) {
	h := newHarness(t)
	h.source.FailNext(models.DomainCrypto, errors.New("refused"))
	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "failure", func() bool { return h.manager.Status().ReconnectAttempts == 1 })

	h.manager.Disconnect()
	h.clock.Advance(time.Minute)
	if got := h.source.Opens(models.DomainCrypto); got != 1 {
		t.Fatalf("backoff fired after disconnect: %d opens", got)
	}
}

func TestContextCancelStopsReconnects(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.connect(t, ctx)

	cancel()
	waitFor(t, "disconnect", func() bool { return !h.manager.IsConnected() })
	h.clock.Advance(time.Minute)
	if got := h.source.Opens(models.DomainCrypto); got != 1 {
		t.Fatalf("cancelled session reconnected: %d opens", got)
	}
}

func TestMalformedPayloadIsCounted(t *testing.T) {
	h := newHarness(t)
	h.connect(t, context.Background())

	h.send(t, `not json`)
	h.send(t, `{"type":"completed_crypto"}`)
	waitFor(t, "malformed counted", func() bool { return h.tracker.Stats().Malformed == 2 })
	if !h.manager.IsConnected() {
		t.Fatalf("malformed input must not break the stream")
	}
}

func TestConnectRequiresSourceAndDispatcher(t *testing.T) {
	m := NewManager(Options{Domain: models.DomainBanking})
	if err := m.Connect(context.Background()); err == nil {
		t.Fatalf("expected error without a source")
	}
}

package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/noFAYZ/sync-tracker/internal/timer"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestSSEStreamParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connection_established\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"type\":\"syncing_crypto\",\n")
		fmt.Fprint(w, "data: \"entityId\":\"w1\"}\n\n")
		fmt.Fprint(w, "event: progress\ndata: {\"type\":\"sync_progress\",\"walletId\":\"w1\",\"progress\":40}\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata: {\"totalConnections\":3}\n\n")
		fmt.Fprint(w, "event: syncing_crypto\ndata: {\"walletId\":\"w1\",\"progress\":10}\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata: not json\n\n")
	}))
	defer srv.Close()

	src := NewSSESource(map[models.Domain]string{models.DomainCrypto: srv.URL}, "secret", nil)
	ctx := context.Background()
	stream, err := src.Open(ctx, models.DomainCrypto)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	want := []string{
		`{"type":"connection_established"}`,
		"{\"type\":\"syncing_crypto\",\n\"entityId\":\"w1\"}",
		`{"type":"sync_progress","walletId":"w1","progress":40}`,
		`{"totalConnections":3,"type":"heartbeat"}`,
		`{"progress":10,"type":"syncing_crypto","walletId":"w1"}`,
		`not json`,
	}
	for i, w := range want {
		got, err := stream.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != w {
			t.Fatalf("recv %d: got %q, want %q", i, got, w)
		}
	}
	if _, err := stream.Recv(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected end of stream, got %v", err)
	}
}

func TestSSEOpenRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := NewSSESource(map[models.Domain]string{models.DomainBanking: srv.URL}, "", nil)
	if _, err := src.Open(context.Background(), models.DomainBanking); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
	if _, err := src.Open(context.Background(), models.DomainCrypto); err == nil {
		t.Fatalf("expected error for a domain without url")
	}
}

func TestWebSocketStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"queued_bank","accountId":"b1"}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		// wait for the client close reply
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	}))
	defer srv.Close()

	src := NewWebSocketSource(map[models.Domain]string{models.DomainBanking: srv.URL}, "secret", time.Second)
	ctx := context.Background()
	stream, err := src.Open(ctx, models.DomainBanking)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	for _, want := range []string{`{"type":"heartbeat"}`, `{"type":"queued_bank","accountId":"b1"}`} {
		got, err := stream.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %s, want %s", got, want)
		}
	}
	if _, err := stream.Recv(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected close, got %v", err)
	}
}

func TestWebSocketHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	src := NewWebSocketSource(map[models.Domain]string{models.DomainCrypto: srv.URL}, "", time.Second)
	_, err := src.Open(context.Background(), models.DomainCrypto)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected handshake status error, got %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3000/stream": "ws://localhost:3000/stream",
		"https://api.example.com/s":    "wss://api.example.com/s",
		"ws://already.example.com/s":   "ws://already.example.com/s",
	}
	for in, want := range cases {
		if got := websocketURL(in); got != want {
			t.Fatalf("websocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChanSourceFailNext(t *testing.T) {
	src := NewChanSource(1)
	if src.Send(context.Background(), models.DomainCrypto, []byte(`{}`)) {
		t.Fatalf("send without a stream should fail")
	}

	boom := errors.New("boom")
	src.FailNext(models.DomainCrypto, boom)
	if _, err := src.Open(context.Background(), models.DomainCrypto); !errors.Is(err, boom) {
		t.Fatalf("expected queued failure, got %v", err)
	}
	stream, err := src.Open(context.Background(), models.DomainCrypto)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stream.Close()
	if _, err := stream.Recv(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected closed stream, got %v", err)
	}
	if src.Opens(models.DomainCrypto) != 2 {
		t.Fatalf("expected 2 opens")
	}
}

func TestManagerOverSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"connection_established\",\"totalConnections\":1}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"syncing_transactions_bank\",\"accountId\":\"b1\",\"jobId\":7,\"progress\":30}\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata: {\"totalConnections\":4}\n\n")
		fmt.Fprint(w, "event: failed_bank\ndata: {\"accountId\":\"b2\",\"error\":\"TELLER_UNAUTHORIZED\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	clock := timer.NewManual(t0)
	tr := tracker.New(tracker.Options{Clock: clock, Logger: log})
	m := NewManager(Options{
		Domain:     models.DomainBanking,
		Source:     NewSSESource(map[models.Domain]string{models.DomainBanking: srv.URL}, "", nil),
		Dispatcher: tr,
		Timer:      clock,
		OnStatus:   tr.SetConnectionStatus,
		Logger:     log,
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "entity b2", func() bool {
		s, err := tr.GetEntity(models.DomainBanking, "b2")
		return err == nil && s.Status == models.StatusFailed
	})
	if s, err := tr.GetEntity(models.DomainBanking, "b1"); err != nil || s.Progress != 30 {
		t.Fatalf("unexpected b1 %+v, err %v", s, err)
	}
	// the named heartbeat frame refreshed liveness
	if got := m.Status().TotalConnections; got != 4 {
		t.Fatalf("expected totalConnections 4, got %d", got)
	}
	if st := tr.Stats(); st.Malformed != 0 || st.Control != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}

	m.Stop()
	if m.IsConnected() {
		t.Fatalf("still connected after stop")
	}
}

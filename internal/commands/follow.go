package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/messaging"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/logger"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// followLine is one line of status --follow output
type followLine struct {
	Kind    string                   `json:"kind"`
	Domain  models.Domain            `json:"domain,omitempty"`
	State   *messaging.StateMessage  `json:"state,omitempty"`
	Summary *models.AggregateSummary `json:"summary,omitempty"`
}

// follower writes tracker broadcasts as JSON lines. With a positive limit it
// stops writing after limit lines and closes Done.
type follower struct {
	mu    sync.Mutex
	enc   *json.Encoder
	limit int
	seen  int
	done  chan struct{}
}

func newFollower(w io.Writer, limit int) *follower {
	return &follower{
		enc:   json.NewEncoder(w),
		limit: limit,
		done:  make(chan struct{}),
	}
}

// State handles one sync.state.<domain> broadcast
func (f *follower) State(msg messaging.StateMessage) {
	f.write(followLine{Kind: "state", Domain: msg.Domain, State: &msg})
}

// Summary handles one sync.summary broadcast
func (f *follower) Summary(summary models.AggregateSummary) {
	f.write(followLine{Kind: "summary", Summary: &summary})
}

// Done is closed once the line limit is reached
func (f *follower) Done() <-chan struct{} {
	return f.done
}

func (f *follower) write(line followLine) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.limit > 0 && f.seen >= f.limit {
		return
	}
	if err := f.enc.Encode(line); err != nil {
		return
	}
	f.seen++
	if f.limit > 0 && f.seen == f.limit {
		close(f.done)
	}
}

// runFollow prints the broadcasts of a running tracker until interrupted.
// It only reads: nothing is published and no tracker state is touched.
func runFollow(ctx context.Context, out io.Writer, limit int) error {
	if _, err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Discard()
	if verbose {
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.DebugLevel)
	}

	// Connect to NATS
	client, err := messaging.NewNATSClient(&cfg.NATS, log)
	if err != nil {
		return err
	}

	// Subscribe to state and summary broadcasts
	f := newFollower(out, limit)
	if err := client.SubscribeState(f.State); err != nil {
		client.Close()
		return err
	}
	if err := client.SubscribeSummary(f.Summary); err != nil {
		client.Close()
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	select {
	case <-interrupt:
	case <-f.Done():
	case <-ctx.Done():
	}

	// Stop delivery, then let in-flight messages finish
	for _, subject := range []string{messaging.StateWildcard, messaging.SummarySubject} {
		if err := client.Unsubscribe(subject); err != nil {
			log.WithError(err).WithField("subject", subject).Debug("Unsubscribe failed")
		}
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Drain(drainCtx)
}

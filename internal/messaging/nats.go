package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// StateMessage is broadcast on sync.state.<domain> after every registry change
type StateMessage struct {
	Domain      models.Domain            `json:"domain"`
	Entities    []models.EntitySyncState `json:"entities,omitempty"`
	Removed     []string                 `json:"removed,omitempty"`
	Connection  *models.ConnectionStatus `json:"connection,omitempty"`
	Summary     models.AggregateSummary  `json:"summary"`
	PublishedAt time.Time                `json:"publishedAt"`
}

// NATSClient handles NATS messaging operations
type NATSClient struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
	cfg    *config.NATSConfig

	// Subscriptions
	subs   map[string]*nats.Subscription
	subsMu sync.RWMutex
}

// NewNATSClient creates a new NATS client
func NewNATSClient(cfg *config.NATSConfig, logger logrus.FieldLogger) (*NATSClient, error) {
	log := logger.WithField("component", "nats")

	// Connection options
	opts := []nats.Option{
		nats.Name("sync-tracker"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	// Connect to NATS
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Create JetStream context
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	nc := &NATSClient{
		conn:   conn,
		js:     js,
		logger: log,
		cfg:    cfg,
		subs:   make(map[string]*nats.Subscription),
	}

	// Initialize streams
	if err := nc.initializeStreams(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	return nc, nil
}

// Close closes the NATS connection
func (nc *NATSClient) Close() error {
	nc.subsMu.Lock()
	for _, sub := range nc.subs {
		sub.Unsubscribe()
	}
	nc.subs = make(map[string]*nats.Subscription)
	nc.subsMu.Unlock()

	nc.conn.Close()
	return nil
}

// IsConnected checks if NATS is connected
func (nc *NATSClient) IsConnected() bool {
	return nc.conn.IsConnected()
}

// Health reports an error while the connection is down
func (nc *NATSClient) Health(ctx context.Context) error {
	if !nc.IsConnected() {
		return fmt.Errorf("nats %s", nc.conn.Status())
	}
	return nil
}

// initializeStreams keeps the broadcast subjects replayable for late readers.
// Event and resume subjects stay on core NATS: a stream on the resume subject
// would answer requests with its own publish acks.
func (nc *NATSClient) initializeStreams() error {
	// State stream for registry and summary broadcasts
	_, err := nc.js.AddStream(&nats.StreamConfig{
		Name:              "SYNC_STATE",
		Subjects:          []string{StateWildcard, SummarySubject},
		Storage:           nats.MemoryStorage,
		MaxAge:            1 * time.Hour,
		MaxMsgsPerSubject: 1000,
		Replicas:          1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create SYNC_STATE stream: %w", err)
	}
	return nil
}

// Sync event source

// ChanSubscribe delivers messages of subject into ch
func (nc *NATSClient) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	sub, err := nc.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	nc.logger.WithField("subject", subject).Debug("Subscribed to sync events")
	return sub, nil
}

// PublishEvent publishes one raw sync event, as the backend would
func (nc *NATSClient) PublishEvent(domain models.Domain, event models.RawEvent) error {
	return nc.PublishJSON(EventSubject(domain), event)
}

// Broadcast operations

// PublishUpdate broadcasts one tracker update and the summary that followed it.
// Core publish: callers may hold the connection lock, so nothing here waits for acks.
func (nc *NATSClient) PublishUpdate(u tracker.Update) error {
	msg := StateMessage{
		Domain:      u.Domain,
		Entities:    u.Entities,
		Removed:     u.Removed,
		Connection:  u.Connection,
		Summary:     u.Summary,
		PublishedAt: time.Now(),
	}
	// Per domain state first, then the summary it produced
	if err := nc.PublishJSON(StateSubject(u.Domain), msg); err != nil {
		return err
	}
	return nc.PublishJSON(SummarySubject, u.Summary)
}

// SubscribeSummary subscribes to aggregate broadcasts
func (nc *NATSClient) SubscribeSummary(handler func(models.AggregateSummary)) error {
	return nc.subscribe(SummarySubject, func(msg *nats.Msg) {
		var summary models.AggregateSummary
		if err := json.Unmarshal(msg.Data, &summary); err != nil {
			nc.logger.WithError(err).Error("Failed to unmarshal sync summary")
			return
		}
		handler(summary)
	})
}

// SubscribeState subscribes to registry broadcasts of every domain
func (nc *NATSClient) SubscribeState(handler func(StateMessage)) error {
	return nc.subscribe(StateWildcard, func(msg *nats.Msg) {
		var state StateMessage
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			nc.logger.WithError(err).WithField("subject", msg.Subject).Error("Failed to unmarshal sync state")
			return
		}
		// Older publishers left the domain to the subject
		if state.Domain == "" {
			if d, err := DomainFromSubject(msg.Subject); err == nil {
				state.Domain = d
			}
		}
		handler(state)
	})
}

// Request-Reply operations

// Request sends payload to subject and returns the raw reply
func (nc *NATSClient) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok && nc.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nc.cfg.RequestTimeout)
		defer cancel()
	}
	msg, err := nc.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// PublishJSON publishes arbitrary JSON data to a subject
func (nc *NATSClient) PublishJSON(subject string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := nc.conn.Publish(subject, jsonData); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (nc *NATSClient) subscribe(subject string, cb nats.MsgHandler) error {
	sub, err := nc.conn.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	nc.subsMu.Lock()
	if old, exists := nc.subs[subject]; exists {
		old.Unsubscribe()
	}
	nc.subs[subject] = sub
	nc.subsMu.Unlock()
	return nil
}

// Unsubscribe unsubscribes from a subject
func (nc *NATSClient) Unsubscribe(subject string) error {
	nc.subsMu.Lock()
	defer nc.subsMu.Unlock()

	if sub, exists := nc.subs[subject]; exists {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
		delete(nc.subs, subject)
	}

	return nil
}

// Drain lets pending messages of every subscription finish, then closes the
// connection. The connection is closed outright once ctx is done.
func (nc *NATSClient) Drain(ctx context.Context) error {
	nc.subsMu.Lock()
	nc.subs = make(map[string]*nats.Subscription)
	nc.subsMu.Unlock()

	if err := nc.conn.Drain(); err != nil {
		nc.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	// Wait for the closed state
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !nc.conn.IsClosed() {
		select {
		case <-ctx.Done():
			nc.conn.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// GetStats returns NATS connection statistics
func (nc *NATSClient) GetStats() nats.Statistics {
	return nc.conn.Stats()
}

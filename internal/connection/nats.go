package connection

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/noFAYZ/sync-tracker/internal/messaging"
	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// ChanSubscriber is satisfied by *nats.Conn and messaging.NATSClient
type ChanSubscriber interface {
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// NATSSource reads events published on sync.events.<domain>
type NATSSource struct {
	conn   ChanSubscriber
	buffer int
}

func NewNATSSource(conn ChanSubscriber, buffer int) *NATSSource {
	if buffer <= 0 {
		buffer = 256
	}
	return &NATSSource{conn: conn, buffer: buffer}
}

func (s *NATSSource) Open(ctx context.Context, domain models.Domain) (Stream, error) {
	ch := make(chan *nats.Msg, s.buffer)
	subject := messaging.EventSubject(domain)
	sub, err := s.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsStream{sub: sub, ch: ch}, nil
}

type natsStream struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

func (n *natsStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-n.ch:
		if !ok {
			return nil, ErrStreamClosed
		}
		return msg.Data, nil
	}
}

func (n *natsStream) Close() error {
	return n.sub.Unsubscribe()
}

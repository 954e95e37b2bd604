package connection

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// WebSocketSource reads JSON text frames from a per-domain websocket endpoint
type WebSocketSource struct {
	urls   map[models.Domain]string
	token  string
	dialer *websocket.Dialer
}

// NewWebSocketSource creates a source. http(s) URLs are dialed as ws(s).
func NewWebSocketSource(urls map[models.Domain]string, token string, handshakeTimeout time.Duration) *WebSocketSource {
	return &WebSocketSource{
		urls:  urls,
		token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
	}
}

func (s *WebSocketSource) Open(ctx context.Context, domain models.Domain) (Stream, error) {
	url, ok := s.urls[domain]
	if !ok || url == "" {
		return nil, fmt.Errorf("no stream url for domain %s", domain)
	}
	url = websocketURL(url)

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake returned status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	st := &wsStream{conn: conn, done: make(chan struct{})}
	// ReadMessage has no context; closing the conn unblocks it
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-st.done:
		}
	}()
	return st, nil
}

type wsStream struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (w *wsStream) Recv(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrStreamClosed
			}
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (w *wsStream) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}

func websocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

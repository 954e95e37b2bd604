package connection

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

const maxSSELine = 256 * 1024

// SSESource reads a text/event-stream per domain
type SSESource struct {
	urls   map[models.Domain]string
	token  string
	client *http.Client
}

// NewSSESource creates a source. A nil client gets one without a timeout.
func NewSSESource(urls map[models.Domain]string, token string, client *http.Client) *SSESource {
	if client == nil {
		client = &http.Client{
			Timeout: 0, // streaming
			Transport: &http.Transport{
				Proxy:              http.ProxyFromEnvironment,
				DisableCompression: true,
			},
		}
	}
	return &SSESource{urls: urls, token: token, client: client}
}

func (s *SSESource) Open(ctx context.Context, domain models.Domain) (Stream, error) {
	url, ok := s.urls[domain]
	if !ok || url == "" {
		return nil, fmt.Errorf("no stream url for domain %s", domain)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv returns the data of the next dispatched event. The event name becomes
// the type of a JSON object payload that carries none, and an event with a
// name but no data (e.g. "event: heartbeat") becomes {"type":"<name>"}.
func (s *sseStream) Recv(ctx context.Context) ([]byte, error) {
	var (
		name string
		data []string
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				return withEventName([]byte(strings.Join(data, "\n")), name), nil
			}
			if name != "" {
				return json.Marshal(map[string]string{"type": name})
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("event stream read: %w", err)
	}
	return nil, ErrStreamClosed
}

// withEventName copies name into the type field of an object payload.
// Payloads with their own type, or that are not objects, are returned as is.
func withEventName(payload []byte, name string) []byte {
	if name == "" {
		return payload
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return payload
	}
	if _, ok := fields["type"]; ok {
		return payload
	}

	encoded, err := json.Marshal(name)
	if err != nil {
		return payload
	}
	fields["type"] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

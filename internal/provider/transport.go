package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/gorilla/websocket"
)

// WebSocketFetcher is a Fetcher backed by a long-lived WebSocket
// connection to a telemetry gateway (§3 "transport diversity" —
// miner-telemetry). The connection is established lazily on first Fetch
// and kept open across calls; Fetch blocks until the next frame arrives or
// ctx is done.
type WebSocketFetcher struct {
	URL    string
	Dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketFetcher constructs a fetcher that dials url on first use.
func NewWebSocketFetcher(url string) *WebSocketFetcher {
	return &WebSocketFetcher{URL: url, Dialer: websocket.DefaultDialer}
}

func (f *WebSocketFetcher) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn, nil
	}
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: websocket dial %s: %w", f.URL, err)
	}
	f.conn = conn
	return conn, nil
}

// Fetch reads the next telemetry frame. A read error drops the cached
// connection so the next call redials, giving the retry/breaker layer a
// clean slate instead of a poisoned socket.
func (f *WebSocketFetcher) Fetch(ctx context.Context, params map[string]string) ([]byte, string, error) {
	conn, err := f.ensureConn(ctx)
	if err != nil {
		return nil, "", Retryable(err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		f.mu.Lock()
		_ = f.conn.Close()
		f.conn = nil
		f.mu.Unlock()
		return nil, "", Retryable(err)
	}
	return msg, "", nil
}

// Close tears down the underlying connection, if open.
func (f *WebSocketFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

// SSEFetcher is a Fetcher backed by a Server-Sent-Events stream (§3
// "transport diversity" — network-stats/btc-price push feeds). It gives
// the fallback chain a different failure mode than a polling HTTP
// fetcher: a dropped SSE stream surfaces as a retryable error on the next
// Fetch rather than silently stalling.
type SSEFetcher struct {
	URL    string
	Client *http.Client

	mu     sync.Mutex
	stream *eventsource.Stream
}

// NewSSEFetcher constructs a fetcher that subscribes to url on first use.
func NewSSEFetcher(url string) *SSEFetcher {
	return &SSEFetcher{URL: url, Client: http.DefaultClient}
}

func (f *SSEFetcher) ensureStream() (*eventsource.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stream != nil {
		return f.stream, nil
	}
	s, err := eventsource.Subscribe(f.URL, "")
	if err != nil {
		return nil, fmt.Errorf("provider: sse subscribe %s: %w", f.URL, err)
	}
	f.stream = s
	return s, nil
}

// Fetch blocks until the next SSE event arrives, ctx is cancelled, or the
// stream reports an error.
func (f *SSEFetcher) Fetch(ctx context.Context, params map[string]string) ([]byte, string, error) {
	s, err := f.ensureStream()
	if err != nil {
		return nil, "", Retryable(err)
	}
	select {
	case ev, ok := <-s.Events:
		if !ok {
			f.reset()
			return nil, "", Retryable(fmt.Errorf("provider: sse stream closed"))
		}
		return []byte(ev.Data()), ev.Id(), nil
	case err, ok := <-s.Errors:
		if ok && err != nil && err != io.EOF {
			f.reset()
			return nil, "", Retryable(err)
		}
		return nil, "", Retryable(fmt.Errorf("provider: sse stream error"))
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (f *SSEFetcher) reset() {
	f.mu.Lock()
	f.stream = nil
	f.mu.Unlock()
}

package audit

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSSubprotocol is negotiated with the audit collector.
const WSSubprotocol = "aegis.audit.v1"

// WebSocketSink streams events as JSON frames to a collector. The connection
// is dialed lazily and re-dialed on the next write after a failure.
type WebSocketSink struct {
	url    string
	header http.Header

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink targets a ws:// or wss:// collector URL.
func NewWebSocketSink(url string, header http.Header) *WebSocketSink {
	return &WebSocketSink{url: url, header: header}
}

// Write implements Sink.
func (s *WebSocketSink) Write(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
			HTTPHeader:   s.header,
			Subprotocols: []string{WSSubprotocol},
		})
		if err != nil {
			return err
		}
		if conn.Subprotocol() != WSSubprotocol {
			_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
			return errors.New("audit collector did not accept " + WSSubprotocol)
		}
		s.conn = conn
	}

	if err := wsjson.Write(ctx, s.conn, e); err != nil {
		_ = s.conn.Close(websocket.StatusAbnormalClosure, "write failed")
		s.conn = nil
		return err
	}
	return nil
}

// Close implements io.Closer.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "bye")
	s.conn = nil
	return err
}

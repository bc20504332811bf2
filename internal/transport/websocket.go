package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
)

const wsHandshakeTimeout = 10 * time.Second

// WebSocketLink reaches the shore gateway over local wireless. Frames go out
// as binary messages; the gateway replies with a JSON text message:
// {"ack":"<id>"}, {"nak":"<reason>"} or {"signal":<0-100>}.
type WebSocketLink struct {
	ackTimeout time.Duration
	header     http.Header

	mu     sync.Mutex
	url    string
	conn   *websocket.Conn
	parser fastjson.Parser
	signal int
	known  bool
}

// NewWebSocketLink builds a link to url. The url may be left blank and set
// after discovery.
func NewWebSocketLink(url string, ackTimeout time.Duration, header http.Header) *WebSocketLink {
	if ackTimeout <= 0 {
		ackTimeout = streamAckTimeout
	}
	return &WebSocketLink{url: url, ackTimeout: ackTimeout, header: header}
}

// Target returns the gateway URL.
func (l *WebSocketLink) Target() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

// SetTarget points the link at a discovered gateway.
func (l *WebSocketLink) SetTarget(url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.url = url
}

func (l *WebSocketLink) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	if l.url == "" {
		return errors.New("websocket: no gateway url")
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", l.url, err)
	}
	l.conn = conn
	return nil
}

// Configure performs the gateway handshake, announcing params as a JSON
// hello and waiting for its ack.
func (l *WebSocketLink) Configure(ctx context.Context, params map[string]string) error {
	hello, err := json.Marshal(map[string]any{"hello": params})
	if err != nil {
		return fmt.Errorf("websocket: hello: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	if _, err := l.exchange(ctx, websocket.TextMessage, hello); err != nil {
		return fmt.Errorf("websocket: handshake: %w", err)
	}
	return nil
}

func (l *WebSocketLink) Transmit(ctx context.Context, frame []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return "", ErrNotConnected
	}
	return l.exchange(ctx, websocket.BinaryMessage, frame)
}

func (l *WebSocketLink) Signal() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signal, l.known
}

func (l *WebSocketLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := l.conn.Close()
	l.conn = nil
	return err
}

// exchange writes one message and reads replies until an ack or nak.
// Callers hold l.mu.
func (l *WebSocketLink) exchange(ctx context.Context, typ int, body []byte) (string, error) {
	deadline := time.Now().Add(l.ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := l.conn
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteMessage(typ, body); err != nil {
		l.drop()
		return "", err
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// gorilla connections are unusable after a read error.
			l.drop()
			var ne net.Error
			switch {
			case ctx.Err() != nil:
				return "", ctx.Err()
			case errors.As(err, &ne) && ne.Timeout():
				return "", ErrNoAck
			default:
				return "", err
			}
		}
		v, err := l.parser.ParseBytes(msg)
		if err != nil {
			continue
		}
		switch {
		case v.Exists("ack"):
			return string(v.GetStringBytes("ack")), nil
		case v.Exists("nak"):
			reason := string(v.GetStringBytes("nak"))
			if strings.Contains(reason, "too large") {
				return "", fmt.Errorf("%w: %s", ErrPayloadRejected, reason)
			}
			return "", fmt.Errorf("%w: nak: %s", ErrNoAck, reason)
		case v.Exists("signal"):
			l.signal, l.known = v.GetInt("signal"), true
		}
	}
}

func (l *WebSocketLink) drop() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Modem bridge frame types. Every frame on the wire is a 4-byte big-endian
// length followed by a type byte and its body.
const (
	frameData   byte = 'D'
	frameConfig byte = 'C'
	frameStatus byte = 'S'
	frameAck    byte = 'A'
	frameNak    byte = 'N'
	frameSignal byte = 'Q'
)

const (
	streamDialTimeout = 5 * time.Second
	streamAckTimeout  = 10 * time.Second
	streamMaxFrame    = 512 * 1024
)

// StreamLink talks to a modem bridge over TCP. The bridge answers each data
// or config frame with an ack or nak and may interleave signal reports.
type StreamLink struct {
	addr       string
	ackTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	signal int
	known  bool
}

// NewStreamLink builds a link to the bridge at addr. A zero ackTimeout uses
// the default.
func NewStreamLink(addr string, ackTimeout time.Duration) *StreamLink {
	if ackTimeout <= 0 {
		ackTimeout = streamAckTimeout
	}
	return &StreamLink{addr: addr, ackTimeout: ackTimeout}
}

// Open dials the bridge and asks for a first signal report.
func (l *StreamLink) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: streamDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("stream: dial %s: %w", l.addr, err)
	}
	l.conn = conn
	if _, err := l.exchange(ctx, frameStatus, nil); err != nil {
		l.drop()
		return fmt.Errorf("stream: status: %w", err)
	}
	return nil
}

// Configure sends channel parameters as sorted key=value lines.
func (l *StreamLink) Configure(ctx context.Context, params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, params[k])
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	if _, err := l.exchange(ctx, frameConfig, []byte(b.String())); err != nil {
		return fmt.Errorf("stream: configure: %w", err)
	}
	return nil
}

func (l *StreamLink) Transmit(ctx context.Context, frame []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return "", ErrNotConnected
	}
	return l.exchange(ctx, frameData, frame)
}

func (l *StreamLink) Signal() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signal, l.known
}

func (l *StreamLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// exchange writes one frame and reads until the bridge answers it. A status
// request is answered by its signal report. Callers hold l.mu.
func (l *StreamLink) exchange(ctx context.Context, typ byte, body []byte) (string, error) {
	deadline := time.Now().Add(l.ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() { _ = l.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeFrame(l.conn, typ, body); err != nil {
		l.drop()
		return "", err
	}
	for {
		rt, rb, err := readFrame(l.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
				// The frame left but the bridge never answered; the
				// connection stays usable.
				return "", ErrNoAck
			}
			l.drop()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		switch rt {
		case frameSignal:
			if len(rb) == 1 {
				l.signal, l.known = int(rb[0]), true
			}
			if typ == frameStatus {
				return "", nil
			}
		case frameAck:
			return string(rb), nil
		case frameNak:
			if strings.Contains(string(rb), "too large") {
				return "", fmt.Errorf("%w: %s", ErrPayloadRejected, rb)
			}
			return "", fmt.Errorf("%w: nak: %s", ErrNoAck, rb)
		default:
			return "", fmt.Errorf("stream: unexpected frame type %q", rt)
		}
	}
}

func (l *StreamLink) drop() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

func writeFrame(w io.Writer, typ byte, body []byte) error {
	buf := make([]byte, 5+len(body))
	binary.BigEndian.PutUint32(buf, uint32(1+len(body)))
	buf[4] = typ
	copy(buf[5:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > streamMaxFrame {
		return 0, nil, fmt.Errorf("stream: invalid frame size %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

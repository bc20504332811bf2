package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge answers status requests with signal, config frames with an ack
// and data frames according to reply.
func fakeBridge(t *testing.T, signal byte, reply func(body []byte) (byte, []byte, bool)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					typ, body, err := readFrame(c)
					if err != nil {
						return
					}
					switch typ {
					case frameStatus:
						_ = writeFrame(c, frameSignal, []byte{signal})
					case frameConfig:
						_ = writeFrame(c, frameAck, []byte("cfg"))
					case frameData:
						_ = writeFrame(c, frameSignal, []byte{signal - 1})
						rt, rb, ok := reply(body)
						if ok {
							_ = writeFrame(c, rt, rb)
						}
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestStreamLink_Ack(t *testing.T) {
	addr := fakeBridge(t, 70, func(body []byte) (byte, []byte, bool) {
		return frameAck, []byte("ok-" + string(body)), true
	})
	l := NewStreamLink(addr, time.Second)
	ctx := context.Background()

	require.NoError(t, l.Open(ctx))
	defer l.Close()
	q, known := l.Signal()
	assert.True(t, known)
	assert.Equal(t, 70, q)

	require.NoError(t, l.Configure(ctx, map[string]string{"frequency_mhz": "868.1"}))

	ack, err := l.Transmit(ctx, []byte("42"))
	require.NoError(t, err)
	assert.Equal(t, "ok-42", ack)
	q, _ = l.Signal()
	assert.Equal(t, 69, q)
}

func TestStreamLink_NakAndSilence(t *testing.T) {
	addr := fakeBridge(t, 50, func(body []byte) (byte, []byte, bool) {
		switch string(body) {
		case "big":
			return frameNak, []byte("frame too large"), true
		case "bad":
			return frameNak, []byte("crc"), true
		default:
			return 0, nil, false
		}
	})
	l := NewStreamLink(addr, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, l.Open(ctx))
	defer l.Close()

	_, err := l.Transmit(ctx, []byte("big"))
	assert.ErrorIs(t, err, ErrPayloadRejected)

	_, err = l.Transmit(ctx, []byte("bad"))
	assert.ErrorIs(t, err, ErrNoAck)

	_, err = l.Transmit(ctx, []byte("quiet"))
	assert.ErrorIs(t, err, ErrNoAck)
}

func TestStreamLink_ThroughRadioDriver(t *testing.T) {
	addr := fakeBridge(t, 90, func(body []byte) (byte, []byte, bool) {
		return frameAck, []byte("a1"), true
	})
	d, err := NewRadio(RadioOptions{Common: Common{Name: "lora", MinSignal: 20, Link: NewStreamLink(addr, time.Second)}})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Connect(context.Background()))
	r, err := d.Send(context.Background(), []byte(strings.Repeat("x", 100)))
	require.NoError(t, err)
	assert.Equal(t, "a1", r.AckID)
	assert.Equal(t, 100, r.Bytes)
}

func TestStreamLink_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	l := NewStreamLink(addr, time.Second)
	require.Error(t, l.Open(context.Background()))
	_, err = l.Transmit(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

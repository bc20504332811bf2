// Package wire frames an encoded payload for transmission. The envelope is
// protobuf wire format so the shore backend can decode it with a generated
// message:
//
//	message Envelope {
//	  bytes  id            = 1; // 16-byte message UUID
//	  uint32 priority      = 2;
//	  string method        = 3;
//	  int64  created_ms    = 4;
//	  bytes  payload       = 5;
//	  uint32 original_size = 6;
//	}
//
// The id lets the backend drop duplicate copies of a broadcast message that
// arrived over more than one link.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxOverhead is an upper bound on the bytes Encode adds around a payload
// of up to 2 MiB with a method name of up to 8 bytes.
const MaxOverhead = 48

const (
	fieldID           protowire.Number = 1
	fieldPriority     protowire.Number = 2
	fieldMethod       protowire.Number = 3
	fieldCreated      protowire.Number = 4
	fieldPayload      protowire.Number = 5
	fieldOriginalSize protowire.Number = 6
)

// ErrMalformed is returned for frames that do not parse.
var ErrMalformed = errors.New("wire: malformed envelope")

// Envelope is the decoded form of a frame.
type Envelope struct {
	ID           uuid.UUID
	Priority     int
	Method       string
	Created      time.Time
	Payload      []byte
	OriginalSize int
}

// Encode serializes e.
func Encode(e Envelope) []byte {
	b := make([]byte, 0, len(e.Payload)+MaxOverhead)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, e.ID[:])
	b = protowire.AppendTag(b, fieldPriority, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Priority))
	b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, e.Method)
	b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Created.UnixMilli()))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldOriginalSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.OriginalSize))
	return b
}

// Decode parses a frame produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != len(e.ID) {
				return Envelope{}, fmt.Errorf("%w: id", ErrMalformed)
			}
			copy(e.ID[:], v)
			b = b[n:]
		case num == fieldMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: method", ErrMalformed)
			}
			e.Method = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: payload", ErrMalformed)
			}
			e.Payload = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldPriority || num == fieldCreated || num == fieldOriginalSize):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d", ErrMalformed, num)
			}
			switch num {
			case fieldPriority:
				e.Priority = int(v)
			case fieldCreated:
				e.Created = time.UnixMilli(int64(v)).UTC()
			case fieldOriginalSize:
				e.OriginalSize = int(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d", ErrMalformed, num)
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Overhead returns the exact framing cost for a payload of size n with the
// given method name.
func Overhead(n int, method string, created time.Time, priority int) int {
	return len(Encode(Envelope{Method: method, Created: created, Priority: priority, OriginalSize: n, Payload: make([]byte, n)})) - n
}

package ping

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Frame kinds.
const (
	KindRequest  byte = 1
	KindResponse byte = 2
)

const (
	lengthPrefix = 4
	headerSize   = 1 + 8 + 16
	// maxFrameSize bounds the payload a peer may announce.
	maxFrameSize = 64 * 1024
)

var errShortFrame = errors.New("ping: short frame")

// Message is one ping exchange frame. Requests carry the application id and
// access token; responses echo the request timestamp and id.
type Message struct {
	Kind        byte
	TimestampMs int64
	ID          uuid.UUID
	AppID       string
	Token       string
}

// Encode serialises m as a length-prefixed binary frame:
//
//	u32 length | u8 kind | i64 timestamp | 16B id | u16+appID | u16+token
//
// All integers are big-endian. Responses omit the two string fields.
func Encode(m Message) ([]byte, error) {
	if len(m.AppID) > math.MaxUint16 || len(m.Token) > math.MaxUint16 {
		return nil, errors.New("ping: field too long")
	}
	size := headerSize
	if m.Kind == KindRequest {
		size += 2 + len(m.AppID) + 2 + len(m.Token)
	}

	buf := make([]byte, lengthPrefix+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	p := buf[lengthPrefix:]
	p[0] = m.Kind
	binary.BigEndian.PutUint64(p[1:], uint64(m.TimestampMs))
	copy(p[9:25], m.ID[:])
	if m.Kind == KindRequest {
		off := headerSize
		off = putString(p, off, m.AppID)
		putString(p, off, m.Token)
	}
	return buf, nil
}

// Decode parses a single frame produced by Encode.
func Decode(frame []byte) (Message, error) {
	if len(frame) < lengthPrefix {
		return Message{}, errShortFrame
	}
	size := binary.BigEndian.Uint32(frame)
	if size > maxFrameSize {
		return Message{}, fmt.Errorf("ping: frame of %d bytes exceeds limit", size)
	}
	if uint32(len(frame)-lengthPrefix) != size {
		return Message{}, fmt.Errorf("ping: length prefix %d does not match payload %d", size, len(frame)-lengthPrefix)
	}
	p := frame[lengthPrefix:]
	if len(p) < headerSize {
		return Message{}, errShortFrame
	}

	m := Message{
		Kind:        p[0],
		TimestampMs: int64(binary.BigEndian.Uint64(p[1:])),
	}
	copy(m.ID[:], p[9:25])

	switch m.Kind {
	case KindResponse:
		return m, nil
	case KindRequest:
		var err error
		off := headerSize
		if m.AppID, off, err = readString(p, off); err != nil {
			return Message{}, err
		}
		if m.Token, _, err = readString(p, off); err != nil {
			return Message{}, err
		}
		return m, nil
	default:
		return Message{}, fmt.Errorf("ping: unknown frame kind %d", m.Kind)
	}
}

// ResponseTo builds the response a peer sends for req.
func ResponseTo(req Message) Message {
	return Message{Kind: KindResponse, TimestampMs: req.TimestampMs, ID: req.ID}
}

func putString(p []byte, off int, s string) int {
	binary.BigEndian.PutUint16(p[off:], uint16(len(s)))
	off += 2
	copy(p[off:], s)
	return off + len(s)
}

func readString(p []byte, off int) (string, int, error) {
	if len(p) < off+2 {
		return "", off, errShortFrame
	}
	n := int(binary.BigEndian.Uint16(p[off:]))
	off += 2
	if len(p) < off+n {
		return "", off, errShortFrame
	}
	return string(p[off : off+n]), off + n, nil
}

package ping

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	in := Message{Kind: KindRequest, TimestampMs: 1700000000123, ID: uuid.New(), AppID: "app-1", Token: "secret"}
	frame, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(frame)-4), binary.BigEndian.Uint32(frame))

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestResponseEchoesRequest(t *testing.T) {
	req := Message{Kind: KindRequest, TimestampMs: 42, ID: uuid.New(), AppID: "a", Token: "t"}
	frame, err := Encode(ResponseTo(req))
	require.NoError(t, err)
	assert.Len(t, frame, 4+headerSize)

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, out.Kind)
	assert.Equal(t, req.TimestampMs, out.TimestampMs)
	assert.Equal(t, req.ID, out.ID)
	assert.Empty(t, out.Token)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	valid, err := Encode(Message{Kind: KindRequest, ID: uuid.New(), AppID: "app", Token: "tok"})
	require.NoError(t, err)

	unknown := make([]byte, 4+headerSize)
	binary.BigEndian.PutUint32(unknown, headerSize)
	unknown[4] = 9

	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, maxFrameSize+1)

	cases := map[string][]byte{
		"empty":           nil,
		"prefix only":     {0, 0},
		"length mismatch": valid[:len(valid)-1],
		"truncated token": func() []byte {
			f := append([]byte(nil), valid[:len(valid)-2]...)
			binary.BigEndian.PutUint32(f, uint32(len(f)-4))
			return f
		}(),
		"unknown kind": unknown,
		"oversized":    oversized,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			assert.Error(t, err)
		})
	}
}

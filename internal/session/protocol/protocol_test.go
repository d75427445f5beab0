package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{
		Tag: TagSys,
		Payload: []any{
			int64(42),
			"login",
			[]any{int64(1), "x"},
			map[string]any{"a": int64(1), "b": "two"},
			3.5,
			true,
			nil,
			[]byte{0x01, 0x02, 0x03},
		},
	}

	wire, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, TagSys, got.Tag)
	require.Len(t, got.Payload, len(msg.Payload))
	assert.Equal(t, int64(42), got.Payload[0])
	assert.Equal(t, "login", got.Payload[1])
	assert.Equal(t, []any{int64(1), "x"}, got.Payload[2])
	assert.Equal(t, map[string]any{"a": int64(1), "b": "two"}, got.Payload[3])
	assert.Equal(t, 3.5, got.Payload[4])
	assert.Equal(t, true, got.Payload[5])
	assert.Nil(t, got.Payload[6])
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.Payload[7])
}

func TestDecodeEmptyFrameErrors(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
}

func TestDecodeTruncatedValueErrors(t *testing.T) {
	wire, err := Encode(Message{Tag: TagSys, Payload: []any{"hello"}})
	require.NoError(t, err)
	_, err = Decode(wire[:len(wire)-2])
	require.Error(t, err)
}

func TestTagStrings(t *testing.T) {
	assert.Equal(t, "sys", TagSys.String())
	assert.Equal(t, "sub", TagSub.String())
	assert.Equal(t, "unsub", TagUnsub.String())
	assert.Equal(t, "rsp", TagRsp.String())
	assert.Equal(t, "snap", TagSnap.String())
	assert.Equal(t, "delta", TagDelta.String())
	assert.Equal(t, "evt", TagEvt.String())
	assert.Equal(t, "close", TagClose.String())
}

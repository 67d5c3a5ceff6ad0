package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/domain"
)

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest(7, domain.Request{
		Method:  "PUT",
		Path:    "/v1/messages",
		Headers: []domain.Header{{Name: "content-type", Value: "application/octet-stream"}},
		Body:    []byte{0x01, 0x02},
	})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FrameTypeRequest, f.Type)
	assert.Equal(t, uint64(7), f.ID)
	assert.Equal(t, "PUT", f.Method)
	assert.Equal(t, "/v1/messages", f.Path)
	assert.Equal(t, []byte{0x01, 0x02}, f.Payload)
	v, ok := domain.HeaderValue(f.Headers, "content-type")
	assert.True(t, ok)
	assert.Equal(t, "application/octet-stream", v)
}

func TestEncodeAck(t *testing.T) {
	data, err := EncodeAck(1000)
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FrameTypeRequest, f.Type)
	assert.Equal(t, "ACK", f.Method)
	assert.Equal(t, uint64(1000), f.Timestamp)
	assert.Zero(t, f.ID, "acks carry no correlation id")
}

func TestDecodeFrame_Response(t *testing.T) {
	raw, err := json.Marshal(Frame{
		Type:    FrameTypeResponse,
		ID:      42,
		Status:  200,
		Message: "OK",
		Payload: []byte("body"),
	})
	require.NoError(t, err)

	df, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, kindResponse, df.kind)
	assert.Equal(t, uint64(42), df.id)
	require.NotNil(t, df.response)
	assert.Equal(t, uint16(200), df.response.Status)
	assert.Equal(t, "OK", df.response.Message)
	assert.Equal(t, []byte("body"), df.response.Body)
}

func TestDecodeFrame_Event(t *testing.T) {
	raw, err := json.Marshal(Frame{
		Type:      FrameTypeEvent,
		Payload:   []byte{0xE8, 0x03},
		Timestamp: 1000,
	})
	require.NoError(t, err)

	df, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, kindEvent, df.kind)
	assert.Equal(t, []byte{0xE8, 0x03}, df.payload)
	assert.Equal(t, uint64(1000), df.timestamp)
}

func TestDecodeFrame_QueueEmpty(t *testing.T) {
	raw, err := json.Marshal(Frame{Type: FrameTypeEvent, QueueEmpty: true})
	require.NoError(t, err)

	df, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, kindQueueEmpty, df.kind)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte("\x00\x01garbage")},
		{"truncated", []byte(`{"type":"resp`)},
		{"response without id", []byte(`{"type":"response","status":200}`)},
		{"inbound request", []byte(`{"type":"request","id":1,"method":"GET"}`)},
		{"unknown type", []byte(`{"type":"push","id":3}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrProtocol)
			assert.Equal(t, domain.CodeProtocol, domain.ErrorCodeOf(err))
		})
	}
}

func TestFrameRoundTrip_BinaryPayload(t *testing.T) {
	// Payloads are opaque bytes; arbitrary binary survives the JSON envelope.
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}

	data, err := EncodeRequest(1, domain.Request{Method: "PUT", Path: "/echo", Body: payload})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, payload, f.Payload)
}

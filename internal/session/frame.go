package session

import (
	"encoding/json"
	"fmt"

	"chatlink/internal/domain"
)

// FrameType identifies the kind of frame exchanged over the connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the JSON envelope carried in each websocket message. Request and
// response frames share a client-assigned correlation id; event frames carry
// none (they are not answers to anything).
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Path    string          `json:"path,omitempty"`
	Headers []domain.Header `json:"headers,omitempty"`
	Status  uint16          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload []byte          `json:"payload,omitempty"`

	// Event-only fields.
	Timestamp  uint64 `json:"timestamp,omitempty"`
	QueueEmpty bool   `json:"queue_empty,omitempty"`
}

// decodedKind classifies an inbound frame after decoding.
type decodedKind int

const (
	kindResponse decodedKind = iota
	kindEvent
	kindQueueEmpty
)

// decodedFrame is the result of decoding one inbound frame.
type decodedFrame struct {
	kind decodedKind

	// kindResponse
	id       uint64
	response *domain.Response

	// kindEvent
	payload   []byte
	timestamp uint64
}

// EncodeRequest encodes an outbound request under the given correlation id.
func EncodeRequest(id uint64, req domain.Request) ([]byte, error) {
	f := Frame{
		Type:    FrameTypeRequest,
		ID:      id,
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Payload: req.Body,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, domain.WrapOp("encode request", err)
	}
	return data, nil
}

// EncodeAck encodes the fire-and-forget acknowledgment for one delivered
// event. Ack frames carry no correlation id; the server does not answer them.
func EncodeAck(timestamp uint64) ([]byte, error) {
	f := Frame{
		Type:      FrameTypeRequest,
		Method:    "ACK",
		Timestamp: timestamp,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, domain.WrapOp("encode ack", err)
	}
	return data, nil
}

// DecodeFrame decodes one inbound frame. Decoding is pure: a malformed frame
// yields an error wrapping domain.ErrProtocol and nothing else happens; the
// caller drops the frame and keeps the connection alive.
func DecodeFrame(data []byte) (decodedFrame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return decodedFrame{}, domain.NewSessionError("DecodeFrame", domain.ErrProtocol, err.Error())
	}

	switch f.Type {
	case FrameTypeResponse:
		if f.ID == 0 {
			return decodedFrame{}, domain.NewSessionError("DecodeFrame", domain.ErrProtocol, "response frame without correlation id")
		}
		return decodedFrame{
			kind: kindResponse,
			id:   f.ID,
			response: &domain.Response{
				Status:  f.Status,
				Message: f.Message,
				Headers: f.Headers,
				Body:    f.Payload,
			},
		}, nil

	case FrameTypeEvent:
		if f.QueueEmpty {
			return decodedFrame{kind: kindQueueEmpty}, nil
		}
		return decodedFrame{
			kind:      kindEvent,
			payload:   f.Payload,
			timestamp: f.Timestamp,
		}, nil

	case FrameTypeRequest:
		// The server never sends requests to a client.
		return decodedFrame{}, domain.NewSessionError("DecodeFrame", domain.ErrProtocol, "unexpected request frame from server")

	default:
		return decodedFrame{}, domain.NewSessionError("DecodeFrame", domain.ErrProtocol, fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

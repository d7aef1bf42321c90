package api

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates socket frames.
type FrameType string

const (
	// FrameRequest is a client (or server) request expecting an ack.
	FrameRequest FrameType = "req"
	// FrameAck answers the request with the same ID.
	FrameAck FrameType = "ack"
	// FrameEvent is a one-way push.
	FrameEvent FrameType = "evt"
)

// Frame is the JSON envelope carried by each websocket text message.
type Frame struct {
	Type  FrameType       `json:"t"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"ev,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
}

// NewFrame encodes payload into a frame. A nil payload leaves Data empty.
func NewFrame(typ FrameType, id, event string, payload any) (Frame, error) {
	frame := Frame{Type: typ, ID: id, Event: event}
	if payload == nil {
		return frame, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		frame.Data = raw
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("dblive: encode %s frame: %w", event, err)
	}
	frame.Data = data
	return frame, nil
}

// DecodeFrame parses one websocket message.
func DecodeFrame(msg []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return Frame{}, fmt.Errorf("dblive: decode frame: %w", err)
	}
	switch frame.Type {
	case FrameRequest, FrameAck, FrameEvent:
	default:
		return Frame{}, fmt.Errorf("dblive: unknown frame type %q", frame.Type)
	}
	return frame, nil
}

// Package protocol maps chat text to websocket frames and back.
//
// The relay speaks raw text frames; that is the default framing and the only
// one the existing relay understands. Envelope framing wraps each message in
// a protobuf struct carried by a binary frame and is opt-in.
package protocol

import (
	"fmt"
	"strings"
)

// Framing selects how text is put on the wire.
type Framing string

const (
	FramingText     Framing = "text"
	FramingEnvelope Framing = "envelope"
)

// ParseFraming parses a framing name, case-insensitively.
func ParseFraming(s string) (Framing, error) {
	switch f := Framing(strings.ToLower(strings.TrimSpace(s))); f {
	case FramingText, FramingEnvelope:
		return f, nil
	case "":
		return FramingText, nil
	default:
		return "", fmt.Errorf("unknown framing %q (want %q or %q)", s, FramingText, FramingEnvelope)
	}
}

// Frame is a single websocket data message.
type Frame struct {
	Binary  bool
	Payload []byte
}

// TextFrame returns a text frame holding s.
func TextFrame(s string) Frame {
	return Frame{Payload: []byte(s)}
}

// Codec converts between chat text and frames.
type Codec interface {
	Encode(text string) (Frame, error)
	Decode(f Frame) (string, error)
}

// NewCodec returns the codec for framing f. sender is only used by
// envelope framing.
func NewCodec(f Framing, sender string) (Codec, error) {
	switch f {
	case FramingText, "":
		return TextCodec{}, nil
	case FramingEnvelope:
		return EnvelopeCodec{Sender: sender}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", f)
	}
}

// TextCodec sends text frames and hands every inbound payload through
// unchanged, binary or not.
type TextCodec struct{}

// Encode implements Codec.
func (TextCodec) Encode(text string) (Frame, error) {
	return TextFrame(text), nil
}

// Decode implements Codec.
func (TextCodec) Decode(f Frame) (string, error) {
	return string(f.Payload), nil
}

// EnvelopeCodec sends binary frames holding an encoded Message. Inbound text
// frames are passed through so plain relays stay readable.
type EnvelopeCodec struct {
	Sender string
}

// Encode implements Codec.
func (c EnvelopeCodec) Encode(text string) (Frame, error) {
	msg := Message{Sender: c.Sender, Content: text}
	data, err := msg.Encode()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Binary: true, Payload: data}, nil
}

// Decode implements Codec.
func (EnvelopeCodec) Decode(f Frame) (string, error) {
	if !f.Binary {
		return string(f.Payload), nil
	}
	var msg Message
	if err := msg.Decode(f.Payload); err != nil {
		return "", err
	}
	if msg.Sender == "" {
		return msg.Content, nil
	}
	return msg.Sender + ": " + msg.Content, nil
}

package protocol

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldSender  = "sender"
	fieldContent = "content"
)

// Message is the envelope carried by binary frames in envelope framing.
type Message struct {
	Sender  string
	Content string
}

// Encode encodes the message into bytes using protobuf
func (m *Message) Encode() ([]byte, error) {
	pbMsg, err := m.toProto()
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	data, err := proto.Marshal(pbMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes bytes into a message using protobuf
func (m *Message) Decode(data []byte) error {
	pbMsg := &structpb.Struct{}
	if err := proto.Unmarshal(data, pbMsg); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return m.fromProto(pbMsg)
}

// toProto converts the Message to a protobuf Struct.
// This conversion isolates protobuf implementation details from the public API.
func (m *Message) toProto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldSender:  m.Sender,
		fieldContent: m.Content,
	})
}

// fromProto populates the Message from a protobuf Struct.
// A struct without a string content field is rejected; the sender is optional.
func (m *Message) fromProto(pbMsg *structpb.Struct) error {
	fields := pbMsg.GetFields()
	content, ok := fields[fieldContent]
	if !ok {
		return fmt.Errorf("failed to decode message: missing %q field", fieldContent)
	}
	if _, isString := content.GetKind().(*structpb.Value_StringValue); !isString {
		return fmt.Errorf("failed to decode message: %q is not a string", fieldContent)
	}
	m.Content = content.GetStringValue()
	m.Sender = fields[fieldSender].GetStringValue()
	return nil
}

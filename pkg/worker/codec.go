package worker

import (
	"encoding/json"
	"fmt"

	"hookgate/internal"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec decodes a broker message into a Message.
type Codec interface {
	Decode(topic string, msg *message.Message) (*Message, error)
}

// NoticeCodec decodes the JSON notices written by the hookgate publisher.
// Envelope fields missing from the body are taken from metadata.
type NoticeCodec struct{}

func (NoticeCodec) Decode(topic string, msg *message.Message) (*Message, error) {
	var notice internal.Notice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		return nil, fmt.Errorf("decode notice: %w", err)
	}
	if notice.DeliveryID == "" {
		notice.DeliveryID = msg.Metadata.Get("delivery_id")
	}
	if notice.Event == "" {
		notice.Event = msg.Metadata.Get("event")
	}
	if notice.Action == "" {
		notice.Action = msg.Metadata.Get("action")
	}
	if notice.DeliveryID == "" || notice.Event == "" {
		return nil, fmt.Errorf("decode notice: delivery_id and event are required")
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}
	return &Message{Topic: topic, Metadata: metadata, Notice: notice}, nil
}

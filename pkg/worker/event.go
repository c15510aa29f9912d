package worker

import "hookgate/internal"

// Message is a delivery notice received on a topic.
type Message struct {
	// Topic is the topic the notice was received on.
	Topic string
	// Metadata carries the broker metadata, including delivery_id, event and
	// action as set by the publisher, and driver for multi-driver consumers.
	Metadata map[string]string
	Notice   internal.Notice
}

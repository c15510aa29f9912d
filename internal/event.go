package internal

import (
	"encoding/json"
	"time"
)

// Notice announces an accepted webhook delivery to downstream subscribers.
type Notice struct {
	DeliveryID     string          `json:"delivery_id"`
	Event          string          `json:"event"`
	Action         string          `json:"action,omitempty"`
	InstallationID int64           `json:"installation_id,omitempty"`
	RepositoryID   int64           `json:"repository_id,omitempty"`
	Routed         bool            `json:"routed"`
	ReceivedAt     time.Time       `json:"received_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Fields exposes the notice to rule expressions. Payload keys are flattened
// and the envelope fields are added as event, action and delivery_id.
func (n Notice) Fields() (map[string]interface{}, interface{}) {
	var object interface{}
	fields := map[string]interface{}{}
	if len(n.Payload) > 0 && json.Unmarshal(n.Payload, &object) == nil {
		if typed, ok := object.(map[string]interface{}); ok {
			fields = Flatten(typed)
		}
	}
	fields["event"] = n.Event
	fields["action"] = n.Action
	fields["delivery_id"] = n.DeliveryID
	return fields, object
}

package types

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// Envelope is the unit handed to the bus: a generated message ID, the resolved
// topic and the serialized reading.
type Envelope struct {
	MessageID   string
	Topic       string
	Payload     []byte
	PublishedAt time.Time
	Attributes  map[string]string
}

type envelopeJSON struct {
	MessageID   string            `json:"message_id"`
	Topic       string            `json:"topic"`
	Payload     json.RawMessage   `json:"payload"`
	PublishedAt time.Time         `json:"published_at"`
	Attributes  map[string]string `json:"attributes"`
}

// MarshalJSON embeds the payload as JSON when it is valid JSON and as a hex
// string under "raw_data" otherwise.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload := json.RawMessage(e.Payload)
	if !json.Valid(e.Payload) {
		raw, err := json.Marshal(map[string]string{"raw_data": hex.EncodeToString(e.Payload)})
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return json.Marshal(envelopeJSON{
		MessageID:   e.MessageID,
		Topic:       e.Topic,
		Payload:     payload,
		PublishedAt: e.PublishedAt,
		Attributes:  attrs,
	})
}

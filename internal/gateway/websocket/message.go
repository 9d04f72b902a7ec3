// Package websocket fans widget change events out to dashboard clients.
package websocket

import "encoding/json"

// WSMessage is the envelope of every message on the socket.
type WSMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BroadcastMessage wraps an encoded message with its topic. An empty topic
// reaches every client.
type BroadcastMessage struct {
	Topic string
	Data  []byte
}

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"

	// TypeWidgetUpdated carries fresh cached data for one instance.
	TypeWidgetUpdated = "widget_updated"
	// TypeRefreshRequested announces a pending agent refresh request.
	TypeRefreshRequested = "refresh_requested"
	// TypeDefinitionChanged announces a created, updated, imported or
	// deleted widget definition.
	TypeDefinitionChanged = "definition_changed"
)

// NewMessage encodes a typed message for topic with payload as its data.
func NewMessage(messageType, topic string, payload any) ([]byte, error) {
	msg := WSMessage{Type: messageType, Topic: topic}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}

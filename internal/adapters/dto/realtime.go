package dto

import "encoding/json"

// Realtime event names exchanged over the websocket channel
const (
	EventSubscribePages = "subscribe-pages"
	EventPing           = "ping"

	EventConnected       = "connected"
	EventPagesSubscribed = "pages-subscribed"
	EventPong            = "pong"
	EventError           = "error"
)

// Frame is the universal websocket message: {"event": name, "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SubscribePagesRequest is the data of a subscribe-pages frame
type SubscribePagesRequest struct {
	PageIDs []string `json:"pageIds"`
}

// ErrorData is the data of an error frame
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFrame marshals data into a frame and returns its wire bytes
func NewFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

package relay

import "github.com/kxc663/translation-client/internal/poll"

// Message types sent to the peer.
const (
	TypeStatus   = "status"
	TypeError    = "error"
	TypeComplete = "complete"
)

// Control message types accepted from the peer.
const (
	TypeStart  = "start"
	TypeCancel = "cancel"
)

// Message is one frame written to the websocket.
type Message struct {
	Type          string      `json:"type"`
	Status        poll.Status `json:"status,omitempty"`
	Raw           string      `json:"raw,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Epoch         uint64      `json:"epoch,omitempty"`
	Attempt       int         `json:"attempt,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Control is a frame read from the websocket.
type Control struct {
	Type string `json:"type"`
}

func statusMessage(ev poll.Event) Message {
	return Message{
		Type:          TypeStatus,
		Status:        ev.Status,
		Raw:           ev.Raw,
		CorrelationID: ev.CorrelationID,
		Epoch:         ev.Epoch,
		Attempt:       ev.Attempt,
	}
}

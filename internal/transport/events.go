package transport

import (
	"encoding/json"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// Transaction is one homeserver-pushed batch of events, whether it
// arrived over the AS HTTP endpoint or the websocket sync connection.
// To-device events ride alongside the timeline under the MSC2409 key.
type Transaction struct {
	Events   []*RoomEvent     `json:"events"`
	ToDevice []*ToDeviceEvent `json:"de.sorunome.msc2409.to_device,omitempty"`
}

// RoomEvent is a timeline or state event as pushed by the homeserver.
type RoomEvent struct {
	ID             string          `json:"event_id"`
	Type           string          `json:"type"`
	RoomID         crypto.RoomID   `json:"room_id"`
	Sender         crypto.UserID   `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
}

// ToDeviceEvent is an out-of-band event addressed to this device.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  crypto.UserID   `json:"sender"`
	Content json.RawMessage `json:"content"`
}

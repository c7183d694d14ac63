// Package crypto holds the types and external contracts shared by the
// olm, megolm, keyshare, and pipeline sub-packages: the identifiers that
// flow between them, the device-registry and transport facades those
// packages are driven through, and the error taxonomy callers match on.
package crypto

import (
	"context"
	"time"
)

// RoomID identifies a Matrix room.
type RoomID string

// UserID identifies a Matrix user, e.g. "@alice:example.org".
type UserID string

// DeviceID identifies one of a user's devices.
type DeviceID string

// SessionID identifies an Olm or Megolm session.
type SessionID string

// Curve25519Key is a base64-unpadded Curve25519 public key.
type Curve25519Key string

// Ed25519Key is a base64-unpadded Ed25519 public key.
type Ed25519Key string

// Algorithm is a wire algorithm identifier, dispatched by the pipeline's
// per-room algorithm registry (see pipeline.RoomConfig). Unknown values round-trip as plain
// strings so an unrecognized algorithm yields ErrUnsupportedAlgorithm
// instead of a parse failure.
type Algorithm string

const (
	AlgorithmMegolmV1 Algorithm = "m.megolm.v1.aes-sha2"
	AlgorithmOlmV1    Algorithm = "m.olm.v1.curve25519-aes-sha2"
)

// DeviceInfo is the subset of a device's key material and trust state
// the engine needs. Owned by the device registry; the engine never
// mutates it.
type DeviceInfo struct {
	UserID      UserID
	DeviceID    DeviceID
	IdentityKey Curve25519Key
	SigningKey  Ed25519Key
	Blocked     bool
	Verified    bool
	Algorithms  []Algorithm
}

// DeviceSet is the target device set for a room: user -> device -> info,
// already filtered to the devices eligible to receive room keys.
type DeviceSet map[UserID]map[DeviceID]*DeviceInfo

// DeviceRegistry is the external, read-only view of device keys and trust
// (component C6 in the design). The engine never downloads or persists
// device keys itself; it is driven through this contract.
type DeviceRegistry interface {
	// DownloadKeys returns current device info for the given users,
	// forcing a refresh of stale entries when force is true.
	DownloadKeys(ctx context.Context, users []UserID, force bool) (DeviceSet, error)
	// GetStoredDevice returns a single cached device, or nil if unknown.
	GetStoredDevice(ctx context.Context, user UserID, device DeviceID) (*DeviceInfo, error)
}

// DeviceKey pairs a user and device for batched registry/transport calls.
type DeviceKey struct {
	User   UserID
	Device DeviceID
}

// ClaimedOneTimeKey is a single one-time key returned by a claim call,
// still carrying its signature for verification against the owning
// device's signing key.
type ClaimedOneTimeKey struct {
	KeyID      string
	Key        string
	Signatures map[UserID]map[string]string // user -> "ed25519:<device>" -> signature
}

// ToDeviceContent is an arbitrary to-device payload, keyed by recipient
// below the event type.
type ToDeviceContent map[string]interface{}

// Transport is the external facade over the homeserver's to-device RPCs
// (component C7). The engine only ever claims keys and sends to-device
// messages through it; it never speaks HTTP directly.
type Transport interface {
	// ClaimOneTimeKeys claims one key per requested device, returning
	// only the devices for which a key was successfully claimed.
	ClaimOneTimeKeys(ctx context.Context, devices []DeviceKey, keyAlgorithm string, timeout time.Duration) (map[UserID]map[DeviceID]ClaimedOneTimeKey, error)
	// SendToDevice delivers a to-device event of the given type to each
	// (user, device) named in contentMap.
	SendToDevice(ctx context.Context, eventType string, contentMap map[UserID]map[DeviceID]ToDeviceContent) error
}

package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/crypto/pipeline"
	"github.com/n42/matrix-crypto-engine/internal/transport"
)

// encryptionContent is the m.room.encryption state event content.
type encryptionContent struct {
	Algorithm          crypto.Algorithm `json:"algorithm"`
	RotationPeriodMS   int64            `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs uint32           `json:"rotation_period_msgs,omitempty"`
}

// memberContent is the m.room.member state event content.
type memberContent struct {
	Membership string `json:"membership"`
}

// olmCiphertextBody is one recipient's entry in an Olm to-device
// event's ciphertext map on the wire.
type olmCiphertextBody struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// encryptedContent is the m.room.encrypted event content, covering both
// the Megolm timeline shape (ciphertext is a base64 string) and the Olm
// to-device shape (ciphertext is a per-recipient map).
type encryptedContent struct {
	Algorithm  crypto.Algorithm     `json:"algorithm"`
	SenderKey  crypto.Curve25519Key `json:"sender_key"`
	SessionID  crypto.SessionID     `json:"session_id,omitempty"`
	DeviceID   crypto.DeviceID      `json:"device_id,omitempty"`
	Ciphertext json.RawMessage      `json:"ciphertext"`
}

// HandleTransaction processes one homeserver-pushed batch: timeline and
// state events first, then to-device events, then a state persist so a
// crash never loses more than the batch in flight.
func (e *Engine) HandleTransaction(ctx context.Context, txn *transport.Transaction) {
	for _, evt := range txn.Events {
		if err := e.HandleRoomEvent(ctx, evt); err != nil {
			e.Log.Error("failed to handle room event", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}
	for _, evt := range txn.ToDevice {
		if err := e.HandleToDevice(ctx, evt); err != nil {
			e.Log.Error("failed to handle to-device event", "type", evt.Type, "sender", evt.Sender, "error", err)
		}
	}
	e.persistCryptoState(ctx)
}

// HandleRoomEvent dispatches a single timeline or state event:
// m.room.encryption configures the room's algorithm, m.room.member
// drives membership tracking and outbound-session discarding, and
// m.room.encrypted is decrypted through the pipeline.
func (e *Engine) HandleRoomEvent(ctx context.Context, evt *transport.RoomEvent) error {
	switch evt.Type {
	case "m.room.encryption":
		return e.handleEncryptionState(evt)
	case "m.room.member":
		return e.handleMemberEvent(evt)
	case "m.room.encrypted":
		_, _, err := e.DecryptRoomEvent(evt)
		if err != nil {
			var decErr *crypto.DecryptionError
			if errors.As(err, &decErr) && decErr.Soft() {
				// Queued awaiting its key; the pending drain will pick
				// it up when the m.room_key arrives.
				return nil
			}
			return err
		}
		return nil
	default:
		return nil
	}
}

func (e *Engine) handleEncryptionState(evt *transport.RoomEvent) error {
	var content encryptionContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("parse m.room.encryption content: %w", err)
	}
	if content.Algorithm == "" {
		return fmt.Errorf("m.room.encryption without algorithm in %s", evt.RoomID)
	}

	cfg := pipeline.RoomConfig{
		Algorithm:          content.Algorithm,
		RotationPeriodMS:   content.RotationPeriodMS,
		RotationPeriodMsgs: content.RotationPeriodMsgs,
	}
	if cfg.RotationPeriodMS == 0 {
		cfg.RotationPeriodMS = e.Config.Engine.RotationPeriodMS
	}
	if cfg.RotationPeriodMsgs == 0 {
		cfg.RotationPeriodMsgs = e.Config.Engine.RotationPeriodMsgs
	}
	e.pipeline.SetRoomConfig(evt.RoomID, cfg)
	e.Log.Info("room encryption configured", "room", evt.RoomID, "algorithm", content.Algorithm)
	return nil
}

func (e *Engine) handleMemberEvent(evt *transport.RoomEvent) error {
	if evt.StateKey == nil {
		return fmt.Errorf("m.room.member without state_key in %s", evt.RoomID)
	}
	member := crypto.UserID(*evt.StateKey)

	var content memberContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("parse m.room.member content: %w", err)
	}

	switch content.Membership {
	case "join":
		// No immediate crypto action: the next encrypt observes the new
		// member in the target set and share-adds or rotates per policy.
		e.addMember(evt.RoomID, member)
	case "leave", "ban":
		if e.removeMember(evt.RoomID, member) {
			e.pipeline.OnMembersRemoved(evt.RoomID)
			e.Metrics.IncrSessionsDiscarded()
			e.Log.Info("outbound session discarded on member removal", "room", evt.RoomID, "user", member)
		}
	}
	return nil
}

func (e *Engine) addMember(room crypto.RoomID, user crypto.UserID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.members[room] == nil {
		e.members[room] = make(map[crypto.UserID]struct{})
	}
	e.members[room][user] = struct{}{}
}

// removeMember reports whether the user was actually tracked in the
// room, so a duplicate leave event does not discard a fresh session.
func (e *Engine) removeMember(room crypto.RoomID, user crypto.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.members[room][user]; !ok {
		return false
	}
	delete(e.members[room], user)
	return true
}

// roomMembers returns the currently tracked members of a room.
func (e *Engine) roomMembers(room crypto.RoomID) []crypto.UserID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]crypto.UserID, 0, len(e.members[room]))
	for user := range e.members[room] {
		out = append(out, user)
	}
	return out
}

// IsEncrypted returns whether a room has encryption enabled.
func (e *Engine) IsEncrypted(room crypto.RoomID) bool {
	_, ok := e.pipeline.RoomConfig(room)
	return ok
}

// targetDeviceSet computes the devices eligible to receive a room's
// session key: every tracked member's devices, minus blocked devices
// and our own.
func (e *Engine) targetDeviceSet(ctx context.Context, room crypto.RoomID) (crypto.DeviceSet, error) {
	users := e.roomMembers(room)
	if len(users) == 0 {
		return crypto.DeviceSet{}, nil
	}

	devices, err := e.Registry.DownloadKeys(ctx, users, false)
	if err != nil {
		return nil, fmt.Errorf("download device keys for %s: %w", room, err)
	}

	ourKey := e.identity.Identity().IdentityKey()
	out := make(crypto.DeviceSet, len(devices))
	for user, byDevice := range devices {
		for deviceID, info := range byDevice {
			if info.Blocked {
				continue
			}
			if info.IdentityKey == ourKey {
				continue
			}
			if out[user] == nil {
				out[user] = make(map[crypto.DeviceID]*crypto.DeviceInfo)
			}
			out[user][deviceID] = info
		}
	}
	return out, nil
}

// EncryptRoomEvent encrypts an event for a room, ensuring the outbound
// session exists and its key is shared first. Unencrypted rooms pass
// the event through unchanged.
func (e *Engine) EncryptRoomEvent(ctx context.Context, room crypto.RoomID, eventType string, content map[string]interface{}) (string, map[string]interface{}, error) {
	if !e.IsEncrypted(room) {
		return eventType, content, nil
	}

	targets, err := e.targetDeviceSet(ctx, room)
	if err != nil {
		return "", nil, err
	}

	enc, err := e.pipeline.EncryptEvent(ctx, room, eventType, content, targets)
	if err != nil {
		e.Metrics.IncrKeyShareFailures()
		return "", nil, err
	}
	e.Metrics.IncrEventsEncrypted()
	e.Metrics.IncrKeySharesSent()
	e.persistCryptoState(ctx)

	ciphertext, _ := json.Marshal(base64.RawStdEncoding.EncodeToString(enc.Ciphertext))
	wire := map[string]interface{}{
		"algorithm":  enc.Algorithm,
		"sender_key": enc.SenderKey,
		"session_id": enc.SessionID,
		"device_id":  e.Config.Engine.DeviceID,
		"ciphertext": json.RawMessage(ciphertext),
	}
	return "m.room.encrypted", wire, nil
}

// PrepareToEncrypt warms a room ahead of user input: the device list is
// downloaded in the background and the next encrypt on the room uses the
// longer prepared claim timeout. The returned cancel function halts the
// warm-up; it never touches a session already being built.
func (e *Engine) PrepareToEncrypt(ctx context.Context, room crypto.RoomID) (cancel func()) {
	warmCtx, stopWarm := context.WithCancel(ctx)
	go func() {
		if _, err := e.targetDeviceSet(warmCtx, room); err != nil && warmCtx.Err() == nil {
			e.Log.Warn("prepare-to-encrypt device warm-up failed", "room", room, "error", err)
		}
	}()

	clearPrepared := e.pipeline.Prepare(room)
	return func() {
		stopWarm()
		clearPrepared()
	}
}

// DecryptRoomEvent decrypts an m.room.encrypted timeline event,
// returning the cleartext event type and content. Soft failures
// (unknown session or index) leave the event queued in the pipeline and
// return the wrapped DecryptionError for the caller to render a
// placeholder against.
func (e *Engine) DecryptRoomEvent(evt *transport.RoomEvent) (string, json.RawMessage, error) {
	var content encryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return "", nil, fmt.Errorf("parse m.room.encrypted content: %w", err)
	}
	if content.Algorithm != crypto.AlgorithmMegolmV1 {
		return "", nil, fmt.Errorf("timeline event algorithm %s: %w", content.Algorithm, crypto.ErrUnsupportedAlgorithm)
	}

	var ciphertextB64 string
	if err := json.Unmarshal(content.Ciphertext, &ciphertextB64); err != nil {
		return "", nil, fmt.Errorf("parse megolm ciphertext: %w", err)
	}
	raw, err := base64.RawStdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", nil, fmt.Errorf("decode megolm ciphertext: %w", err)
	}

	plain, decErr := e.pipeline.DecryptEvent(pipeline.MegolmEnvelope{
		RoomID:     evt.RoomID,
		SenderKey:  content.SenderKey,
		SessionID:  content.SessionID,
		Ciphertext: raw,
		EventID:    evt.ID,
		OriginTS:   evt.OriginServerTS,
	})
	if decErr != nil {
		e.Metrics.IncrDecryptFailures()
		e.Metrics.IncrDecryptFailuresByCode(decErr.Code)
		switch decErr.Code {
		case "REPLAY":
			e.Metrics.IncrReplaysDetected()
			e.Log.Error("replayed megolm message detected", "event_id", evt.ID, "room", evt.RoomID, "sender_key", content.SenderKey)
		default:
			if decErr.Soft() {
				e.Metrics.IncrEventsQueued()
			}
		}
		return "", nil, decErr
	}

	var payload struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(plain, &payload); err != nil {
		return "", nil, fmt.Errorf("parse decrypted payload: %w", err)
	}
	e.Metrics.IncrEventsDecrypted()
	return payload.Type, payload.Content, nil
}

// HandleToDevice dispatches an incoming to-device event. Olm-encrypted
// envelopes are decrypted through the pipeline, which installs room
// keys and records key requests as a side effect.
func (e *Engine) HandleToDevice(ctx context.Context, evt *transport.ToDeviceEvent) error {
	if evt.Type != "m.room.encrypted" {
		return nil
	}

	var content encryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("parse to-device m.room.encrypted content: %w", err)
	}
	if content.Algorithm != crypto.AlgorithmOlmV1 {
		return fmt.Errorf("to-device algorithm %s: %w", content.Algorithm, crypto.ErrUnsupportedAlgorithm)
	}

	var bodies map[crypto.Curve25519Key]olmCiphertextBody
	if err := json.Unmarshal(content.Ciphertext, &bodies); err != nil {
		return fmt.Errorf("parse olm ciphertext map: %w", err)
	}
	ciphertext := make(map[crypto.Curve25519Key]pipeline.OlmCiphertext, len(bodies))
	for key, body := range bodies {
		ciphertext[key] = pipeline.OlmCiphertext{Type: body.Type, Body: body.Body}
	}

	decrypted, err := e.pipeline.DecryptToDevice(pipeline.OlmEnvelope{
		Sender:     evt.Sender,
		SenderKey:  content.SenderKey,
		Ciphertext: ciphertext,
	})
	if err != nil {
		e.Metrics.IncrDecryptFailures()
		return fmt.Errorf("decrypt to-device from %s: %w", evt.Sender, err)
	}

	if decrypted.Type == "m.room_key_request" {
		e.Metrics.IncrKeyRequestsReceived()
	}
	e.Log.Debug("to-device event decrypted", "sender", decrypted.Sender, "device", decrypted.SenderDevice, "type", decrypted.Type)
	return nil
}

// PendingKeyRequests exposes the pipeline's recorded, uncancelled
// m.room_key_request bookkeeping for an external re-share policy.
func (e *Engine) PendingKeyRequests() []*pipeline.KeyRequest {
	return e.pipeline.PendingKeyRequests()
}

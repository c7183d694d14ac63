// Package pipeline implements the event encryption/decryption pipeline
// (component C5): the single entry point the engine calls to encrypt an
// outgoing room event or decrypt an incoming one. It owns no ratchet
// state itself — it dispatches to C1 (olm), C2/C3 (megolm), and C4
// (keyshare) — and keeps the bookkeeping those components don't: the
// per-room algorithm registry, the pending-event queue for events that
// arrive before their Megolm key, and membership-driven outbound-session
// discarding.
//
// The algorithm registry is the tagged-variant dispatch the design notes
// call for: a room's configured Algorithm selects Megolm or Olm handling,
// and an unrecognized wire string is ErrUnsupportedAlgorithm rather than
// a parse failure.
package pipeline

import (
	"context"
	stded25519 "crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/crypto/keyshare"
	"github.com/n42/matrix-crypto-engine/internal/crypto/megolm"
	"github.com/n42/matrix-crypto-engine/internal/crypto/olm"
)

// RoomConfig is the decoded m.room.encryption state event for a room.
type RoomConfig struct {
	Algorithm          crypto.Algorithm
	RotationPeriodMS   int64
	RotationPeriodMsgs uint32
}

// EncryptedEvent is the wire shape of an encrypt_event result: a
// Megolm-encrypted m.room.encrypted timeline event.
type EncryptedEvent struct {
	RoomID     crypto.RoomID
	Algorithm  crypto.Algorithm
	SenderKey  crypto.Curve25519Key
	SessionID  crypto.SessionID
	Ciphertext []byte
}

// MegolmEnvelope is an incoming m.room.encrypted timeline event's
// Megolm-relevant fields.
type MegolmEnvelope struct {
	RoomID     crypto.RoomID
	SenderKey  crypto.Curve25519Key
	SessionID  crypto.SessionID
	Ciphertext []byte
	EventID    string
	OriginTS   int64
}

// OlmCiphertext is one recipient's entry in an m.room.encrypted to-device
// event's ciphertext map.
type OlmCiphertext struct {
	Type int
	Body string // base64
}

// OlmEnvelope is an incoming m.room.encrypted to-device event's
// Olm-relevant fields.
type OlmEnvelope struct {
	Sender     crypto.UserID
	SenderKey  crypto.Curve25519Key
	Ciphertext map[crypto.Curve25519Key]OlmCiphertext
}

// DecryptedToDevice is the parsed, verified payload of an Olm-wrapped
// to-device message.
type DecryptedToDevice struct {
	Sender       crypto.UserID
	SenderKey    crypto.Curve25519Key
	SenderDevice crypto.DeviceID
	Type         string
	Content      json.RawMessage
}

// olmPayload is the cleartext JSON an Olm message decrypts to, per
// spec.md §6: sender/recipient bound into the payload itself so a
// relaying homeserver cannot forge the envelope.
type olmPayload struct {
	Sender        crypto.UserID   `json:"sender"`
	SenderDevice  crypto.DeviceID `json:"sender_device"`
	Keys          olmEventKeys    `json:"keys"`
	Recipient     crypto.UserID   `json:"recipient"`
	RecipientKeys olmEventKeys    `json:"recipient_keys"`
	RoomID        crypto.RoomID   `json:"room_id,omitempty"`
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
}

type olmEventKeys struct {
	Ed25519 crypto.Ed25519Key `json:"ed25519"`
}

type roomKeyContent struct {
	Algorithm  crypto.Algorithm `json:"algorithm"`
	RoomID     crypto.RoomID    `json:"room_id"`
	SessionID  crypto.SessionID `json:"session_id"`
	SessionKey string           `json:"session_key"`
	ChainIndex uint32           `json:"chain_index"`
}

// KeyRequestState tracks an m.room_key_request's lifecycle.
type KeyRequestState int

const (
	KeyRequestPending KeyRequestState = iota
	KeyRequestCancelled
)

// KeyRequest records an incoming m.room_key_request for an external
// policy decision (the engine decides whether and how to re-share; the
// pipeline only remembers the ask, per spec.md §12's supplemented
// bookkeeping — re-share policy itself is out of scope).
type KeyRequest struct {
	RequestID        string
	RequestingUser   crypto.UserID
	RequestingDevice crypto.DeviceID
	RoomID           crypto.RoomID
	SenderKey        crypto.Curve25519Key
	SessionID        crypto.SessionID
	State            KeyRequestState
}

type keyRequestContent struct {
	Action             string          `json:"action"`
	RequestingDeviceID crypto.DeviceID `json:"requesting_device_id"`
	RequestID          string          `json:"request_id"`
	Body               *struct {
		Algorithm crypto.Algorithm     `json:"algorithm"`
		RoomID    crypto.RoomID        `json:"room_id"`
		SenderKey crypto.Curve25519Key `json:"sender_key"`
		SessionID crypto.SessionID     `json:"session_id"`
	} `json:"body,omitempty"`
}

type pendingKey struct {
	senderKey crypto.Curve25519Key
	sessionID crypto.SessionID
}

type pendingEvent struct {
	env MegolmEnvelope
}

// Pipeline is the event encrypt/decrypt entry point (component C5).
type Pipeline struct {
	log              *slog.Logger
	ourUserID        crypto.UserID
	identity         *olm.Manager
	inbound          *megolm.Inbound
	outbound         *megolm.Outbound
	share            *keyshare.Coordinator
	pendingMax       int
	destroyOnCorrupt bool
	onDrain          func(eventID string, cleartext []byte)

	mu          sync.Mutex
	rooms       map[crypto.RoomID]RoomConfig
	roomLocks   map[crypto.RoomID]*sync.Mutex
	pending     map[pendingKey][]*pendingEvent
	keyRequests map[string]*KeyRequest
	prepared    map[crypto.RoomID]bool
}

// Config holds a Pipeline's collaborators and tunables.
type Config struct {
	Log                       *slog.Logger
	OurUserID                 crypto.UserID
	Identity                  *olm.Manager
	Inbound                   *megolm.Inbound
	Outbound                  *megolm.Outbound
	Share                     *keyshare.Coordinator
	PendingQueueMaxPerSession int // default 128
	DestroyOnCorruptSession   bool
	// OnDrain, if set, is called once per pending event that newly
	// decrypts successfully when its key arrives, so a caller can
	// replace an "unable to decrypt" placeholder already rendered.
	OnDrain func(eventID string, cleartext []byte)
}

// New builds a Pipeline from its collaborators.
func New(cfg Config) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	max := cfg.PendingQueueMaxPerSession
	if max <= 0 {
		max = 128
	}
	return &Pipeline{
		log:              log,
		ourUserID:        cfg.OurUserID,
		identity:         cfg.Identity,
		inbound:          cfg.Inbound,
		outbound:         cfg.Outbound,
		share:            cfg.Share,
		pendingMax:       max,
		destroyOnCorrupt: cfg.DestroyOnCorruptSession,
		onDrain:          cfg.OnDrain,
		rooms:            make(map[crypto.RoomID]RoomConfig),
		roomLocks:        make(map[crypto.RoomID]*sync.Mutex),
		pending:          make(map[pendingKey][]*pendingEvent),
		keyRequests:      make(map[string]*KeyRequest),
		prepared:         make(map[crypto.RoomID]bool),
	}
}

// Prepare marks a room as warmed ahead of user input: the next
// EncryptEvent on it uses the longer prepared claim timeout. The
// returned cancel function clears the mark; cancelling never touches a
// session already being built, it only stops the next encrypt from
// treating itself as prepared.
func (p *Pipeline) Prepare(room crypto.RoomID) (cancel func()) {
	p.mu.Lock()
	p.prepared[room] = true
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.prepared, room)
		p.mu.Unlock()
	}
}

// takePrepared consumes a room's prepared mark.
func (p *Pipeline) takePrepared(room crypto.RoomID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.prepared[room]
	delete(p.prepared, room)
	return was
}

// SetRoomConfig records a room's m.room.encryption state.
func (p *Pipeline) SetRoomConfig(room crypto.RoomID, cfg RoomConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[room] = cfg
}

// RoomConfig returns a room's configured algorithm, if any.
func (p *Pipeline) RoomConfig(room crypto.RoomID) (RoomConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.rooms[room]
	return cfg, ok
}

// roomLock returns the per-room mutex serializing encrypt_event's
// compound ensure-outbound/share/encrypt sequence, implementing the
// "per-room setup promise" ordering guarantee: concurrent encrypts on the
// same room never race to start two outbound sessions.
func (p *Pipeline) roomLock(room crypto.RoomID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.roomLocks[room]
	if !ok {
		l = &sync.Mutex{}
		p.roomLocks[room] = l
	}
	return l
}

// EncryptEvent implements the encrypt path: resolve the room's algorithm,
// ensure an outbound Megolm session exists and is shared with
// targetDevices, and encrypt. targetDevices is the caller's already
// membership-filtered device set (device-list download and membership
// tracking are the device registry's and engine's concern, not C5's).
func (p *Pipeline) EncryptEvent(ctx context.Context, room crypto.RoomID, eventType string, content interface{}, targetDevices crypto.DeviceSet) (*EncryptedEvent, error) {
	cfg, ok := p.RoomConfig(room)
	if !ok {
		return nil, fmt.Errorf("encrypt in %s: %w", room, crypto.ErrUnencryptedRoom)
	}
	if cfg.Algorithm != crypto.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("encrypt in %s with algorithm %s: %w", room, cfg.Algorithm, crypto.ErrUnsupportedAlgorithm)
	}

	lock := p.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	policy := megolm.RotationPolicy{
		MaxAge:      time.Duration(cfg.RotationPeriodMS) * time.Millisecond,
		MaxMessages: cfg.RotationPeriodMsgs,
	}
	if p.outbound.Get(room) == nil || p.outbound.ShouldRotate(room, policy, now, targetDevices) {
		p.outbound.Discard(room)
		if _, err := p.outbound.StartSession(room, now); err != nil {
			return nil, fmt.Errorf("start outbound session for %s: %w", room, err)
		}
	}

	result, err := p.share.Share(ctx, room, targetDevices, p.takePrepared(room))
	if err != nil {
		return nil, fmt.Errorf("share session key for %s: %w", room, err)
	}
	for _, skipped := range result.Skipped {
		p.log.Warn("skipped device in key share", "room", room, "user", skipped.Device.User, "device", skipped.Device.Device, "reason", skipped.Reason)
	}
	if !p.anyUnshared(room, targetDevices) {
		p.outbound.MarkFullyShared(room)
	}

	plaintext, err := json.Marshal(struct {
		Type    string      `json:"type"`
		Content interface{} `json:"content"`
	}{Type: eventType, Content: content})
	if err != nil {
		return nil, fmt.Errorf("marshal event for %s: %w", room, err)
	}

	ciphertext, _, err := p.outbound.Encrypt(room, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt event for %s: %w", room, err)
	}

	return &EncryptedEvent{
		RoomID:     room,
		Algorithm:  crypto.AlgorithmMegolmV1,
		SenderKey:  p.identity.Identity().IdentityKey(),
		SessionID:  p.outbound.Get(room).SessionID,
		Ciphertext: ciphertext,
	}, nil
}

// anyUnshared reports whether any target device still lacks the room's
// current outbound session key, for deciding whether the session has
// reached SetupActive.
func (p *Pipeline) anyUnshared(room crypto.RoomID, targetDevices crypto.DeviceSet) bool {
	sess := p.outbound.Get(room)
	if sess == nil {
		return true
	}
	for user, devices := range targetDevices {
		for device := range devices {
			if !sess.SharedWith(user, device) {
				return true
			}
		}
	}
	return false
}

// DecryptEvent implements the Megolm decrypt path. On ErrUnknownSession
// or ErrUnknownIndex (key not yet received) the event is enqueued under
// (sender_key, session_id) and a soft DecryptionError is returned;
// Replay/RoomMismatch/MacFailure are hard failures, never queued.
func (p *Pipeline) DecryptEvent(env MegolmEnvelope) ([]byte, *crypto.DecryptionError) {
	plain, _, err := p.inbound.Decrypt(env.RoomID, env.SenderKey, env.SessionID, env.Ciphertext, env.EventID, env.OriginTS)
	if err == nil {
		return plain, nil
	}

	decErr := crypto.NewDecryptionError(decryptionCode(err), err)
	if decErr.Soft() {
		p.enqueuePending(env)
	}
	return nil, decErr
}

func decryptionCode(err error) string {
	switch {
	case errors.Is(err, crypto.ErrUnknownSession):
		return "UNKNOWN_SESSION"
	case errors.Is(err, crypto.ErrUnknownIndex):
		return "UNKNOWN_INDEX"
	case errors.Is(err, crypto.ErrRoomMismatch):
		return "ROOM_MISMATCH"
	case errors.Is(err, crypto.ErrReplay):
		return "REPLAY"
	case errors.Is(err, crypto.ErrMacFailure):
		return "MAC_FAILURE"
	default:
		return "DECRYPT_FAILED"
	}
}

func (p *Pipeline) enqueuePending(env MegolmEnvelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pendingKey{env.SenderKey, env.SessionID}
	queue := p.pending[key]
	if len(queue) >= p.pendingMax {
		p.log.Warn("pending queue full, dropping event", "sender_key", env.SenderKey, "session_id", env.SessionID, "event_id", env.EventID)
		return
	}
	p.pending[key] = append(queue, &pendingEvent{env: env})
}

// DecryptToDevice implements the Olm decrypt path: unwrap the ciphertext
// addressed to our identity key, verify the payload's sender/recipient
// binding, and react to m.room_key, m.forwarded_room_key, and
// m.room_key_request payloads.
func (p *Pipeline) DecryptToDevice(env OlmEnvelope) (*DecryptedToDevice, error) {
	ours := p.identity.Identity().IdentityKey()
	ct, ok := env.Ciphertext[ours]
	if !ok {
		return nil, fmt.Errorf("olm to-device not addressed to us: %w", crypto.ErrRecipientMismatch)
	}
	body, err := base64.RawStdEncoding.DecodeString(ct.Body)
	if err != nil {
		return nil, fmt.Errorf("decode olm ciphertext body: %w", err)
	}

	plain, err := p.identity.Decrypt(env.SenderKey, olm.MessageType(ct.Type), body)
	if err != nil {
		if p.destroyOnCorrupt && errors.Is(err, crypto.ErrCorruptSession) {
			p.identity.DiscardSessions(env.SenderKey)
		}
		return nil, fmt.Errorf("decrypt olm to-device: %w", err)
	}

	var payload olmPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("parse olm payload: %w", err)
	}
	if payload.Sender != env.Sender {
		return nil, fmt.Errorf("olm payload sender %s != envelope sender %s: %w", payload.Sender, env.Sender, crypto.ErrSenderMismatch)
	}
	if payload.Recipient != p.ourUserID {
		return nil, fmt.Errorf("olm payload recipient %s != our user id: %w", payload.Recipient, crypto.ErrRecipientMismatch)
	}
	if payload.RecipientKeys.Ed25519 != p.identity.Identity().SigningKey() {
		return nil, fmt.Errorf("olm payload recipient signing key mismatch: %w", crypto.ErrRecipientMismatch)
	}

	switch payload.Type {
	case "m.room_key":
		if err := p.installRoomKey(env.SenderKey, payload.Content, false); err != nil {
			p.log.Warn("install room key failed", "room", payload.RoomID, "error", err)
		}
	case "m.forwarded_room_key":
		if err := p.installRoomKey(env.SenderKey, payload.Content, true); err != nil {
			p.log.Warn("install forwarded room key failed", "room", payload.RoomID, "error", err)
		}
	case "m.room_key_request":
		p.handleKeyRequestContent(payload.Sender, payload.Content)
	}

	return &DecryptedToDevice{
		Sender:       payload.Sender,
		SenderKey:    env.SenderKey,
		SenderDevice: payload.SenderDevice,
		Type:         payload.Type,
		Content:      payload.Content,
	}, nil
}

// installRoomKey installs a received m.room_key / m.forwarded_room_key
// payload into the inbound store and drains any events that were queued
// waiting for it.
func (p *Pipeline) installRoomKey(senderKey crypto.Curve25519Key, raw json.RawMessage, forwarded bool) error {
	var rk roomKeyContent
	if err := json.Unmarshal(raw, &rk); err != nil {
		return fmt.Errorf("parse m.room_key content: %w", err)
	}
	if rk.Algorithm != crypto.AlgorithmMegolmV1 {
		return fmt.Errorf("room key algorithm %s: %w", rk.Algorithm, crypto.ErrUnsupportedAlgorithm)
	}

	chainKeyB64, index, signingKey, err := keyshare.DecodeSessionKey(rk.SessionKey)
	if err != nil {
		return fmt.Errorf("decode session_key: %w", err)
	}
	if index != rk.ChainIndex {
		return fmt.Errorf("session_key index %d does not match chain_index %d", index, rk.ChainIndex)
	}
	chainKey, err := megolm.DecodeChainKey(chainKeyB64)
	if err != nil {
		return fmt.Errorf("decode chain key: %w", err)
	}

	if err := p.inbound.Install(rk.RoomID, senderKey, rk.SessionID, stded25519.PublicKey(signingKey), chainKey, index, forwarded); err != nil {
		return err
	}
	p.drainPending(senderKey, rk.SessionID)
	return nil
}

// drainPending re-attempts every queued event for (senderKey, sessionID)
// now that its key has arrived, invoking onDrain for each that newly
// succeeds. Events still undecryptable (e.g. an index below this key's
// starting point) stay queued; a second call after no new install is a
// no-op, satisfying the pending-drain idempotence law.
func (p *Pipeline) drainPending(senderKey crypto.Curve25519Key, sessionID crypto.SessionID) {
	key := pendingKey{senderKey, sessionID}
	p.mu.Lock()
	queued := p.pending[key]
	delete(p.pending, key)
	p.mu.Unlock()

	var remaining []*pendingEvent
	for _, pe := range queued {
		plain, _, err := p.inbound.Decrypt(pe.env.RoomID, pe.env.SenderKey, pe.env.SessionID, pe.env.Ciphertext, pe.env.EventID, pe.env.OriginTS)
		if err != nil {
			if errors.Is(err, crypto.ErrUnknownSession) || errors.Is(err, crypto.ErrUnknownIndex) {
				remaining = append(remaining, pe)
			} else {
				p.log.Error("pending event failed to decrypt after key install", "event_id", pe.env.EventID, "error", err)
			}
			continue
		}
		if p.onDrain != nil {
			p.onDrain(pe.env.EventID, plain)
		}
	}
	if len(remaining) > 0 {
		p.mu.Lock()
		p.pending[key] = remaining
		p.mu.Unlock()
	}
}

// OnMembersRemoved reacts to a member leaving or a device disappearing:
// the room's current outbound session is discarded so the next encrypt
// starts a fresh one rather than continuing to share with a device that
// should no longer receive the key. Any in-flight share for the
// discarded session simply has nothing left to mark shared against once
// a new session replaces it.
func (p *Pipeline) OnMembersRemoved(room crypto.RoomID) {
	p.outbound.Discard(room)
}

func (p *Pipeline) handleKeyRequestContent(requester crypto.UserID, raw json.RawMessage) {
	var kr keyRequestContent
	if err := json.Unmarshal(raw, &kr); err != nil {
		p.log.Warn("malformed m.room_key_request", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch kr.Action {
	case "request":
		req := &KeyRequest{
			RequestID:        kr.RequestID,
			RequestingUser:   requester,
			RequestingDevice: kr.RequestingDeviceID,
			State:            KeyRequestPending,
		}
		if kr.Body != nil {
			req.RoomID = kr.Body.RoomID
			req.SenderKey = kr.Body.SenderKey
			req.SessionID = kr.Body.SessionID
		}
		p.keyRequests[kr.RequestID] = req
	case "request_cancellation":
		if req, ok := p.keyRequests[kr.RequestID]; ok {
			req.State = KeyRequestCancelled
		}
	}
}

// PendingKeyRequests returns every m.room_key_request not yet cancelled,
// sorted by request id, for an external collaborator to decide re-share
// policy against.
func (p *Pipeline) PendingKeyRequests() []*KeyRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*KeyRequest, 0, len(p.keyRequests))
	for _, req := range p.keyRequests {
		if req.State == KeyRequestPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

package megolm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// SetupState is where an outbound session sits in its share lifecycle.
// The zero value, SetupIdle, means no session exists yet for the room.
type SetupState int

const (
	SetupIdle SetupState = iota
	SetupPreparing                   // a fresh ratchet and session id were generated, not yet shared with anyone
	SetupSharing                     // m.room_key is being sent to some subset of the target device set
	SetupActive                      // every target device (as of the last share round) has the key
)

func (s SetupState) String() string {
	switch s {
	case SetupIdle:
		return "idle"
	case SetupPreparing:
		return "preparing"
	case SetupSharing:
		return "sharing"
	case SetupActive:
		return "active"
	default:
		return "unknown"
	}
}

// OutboundSession is the sender-side state for one room: the forward
// ratchet used to encrypt, plus which devices have been given the
// current session key (component C3's unit of work).
type OutboundSession struct {
	RoomID     crypto.RoomID
	SessionID  crypto.SessionID
	SigningKey ed25519.PrivateKey
	CreatedAt  time.Time

	state      SetupState
	ratchet    *ratchet
	messages   uint32 // messages encrypted with this session, for rotation-by-count
	sharedWith map[crypto.UserID]map[crypto.DeviceID]uint32 // device -> chain index it was given
}

// State reports the session's current setup-lifecycle state.
func (o *OutboundSession) State() SetupState { return o.state }

// MessageCount returns how many messages have been encrypted with this
// session's current ratchet.
func (o *OutboundSession) MessageCount() uint32 { return o.messages }

// SharedWith reports whether a device has already been given this
// session's key at or before its current ratchet position.
func (o *OutboundSession) SharedWith(user crypto.UserID, device crypto.DeviceID) bool {
	devices, ok := o.sharedWith[user]
	if !ok {
		return false
	}
	_, ok = devices[device]
	return ok
}

// Outbound owns the one outbound Megolm session per room a device is
// actively sending into (component C3). ShouldRotate evaluates rotation
// by elapsed time, message count and device eligibility against a
// caller-supplied RotationPolicy; the caller decides when to ask and
// calls Discard on membership changes.
type Outbound struct {
	mu       sync.Mutex
	sessions map[crypto.RoomID]*OutboundSession
}

// RotationPolicy bounds how long and how many messages a session may be
// reused for before ShouldRotate reports true.
type RotationPolicy struct {
	MaxAge      time.Duration
	MaxMessages uint32
}

// NewOutbound returns an empty outbound session table.
func NewOutbound() *Outbound {
	return &Outbound{sessions: make(map[crypto.RoomID]*OutboundSession)}
}

// Get returns the current outbound session for a room, or nil if none
// has been started (or it was discarded by Discard).
func (out *Outbound) Get(roomID crypto.RoomID) *OutboundSession {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.sessions[roomID]
}

// StartSession replaces any existing session for the room with a fresh
// one in SetupPreparing, generating a new ratchet and a new per-session
// ed25519 signing key pair (Megolm message authentication is signature
// based, not MAC based, so every session needs its own key pair).
func (out *Outbound) StartSession(roomID crypto.RoomID, now time.Time) (*OutboundSession, error) {
	out.mu.Lock()
	defer out.mu.Unlock()

	r, err := newRatchet()
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", roomID, err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session signing key: %w", err)
	}

	sess := &OutboundSession{
		RoomID:     roomID,
		SessionID:  newSessionID(pub),
		SigningKey: priv,
		CreatedAt:  now,
		state:      SetupPreparing,
		ratchet:    r,
		sharedWith: make(map[crypto.UserID]map[crypto.DeviceID]uint32),
	}
	out.sessions[roomID] = sess
	return sess, nil
}

func newSessionID(signingPub ed25519.PublicKey) crypto.SessionID {
	return crypto.SessionID(base64.RawStdEncoding.EncodeToString(signingPub))
}

// Discard removes the room's outbound session, forcing StartSession on
// the next encrypt attempt. Called on membership changes that shrink
// the target device set (a user leaving, or a device no longer trusted).
func (out *Outbound) Discard(roomID crypto.RoomID) {
	out.mu.Lock()
	defer out.mu.Unlock()
	delete(out.sessions, roomID)
}

// MarkShared records that a device has been given the session key at
// its current ratchet index, and advances the session out of
// SetupPreparing into SetupSharing.
func (out *Outbound) MarkShared(roomID crypto.RoomID, user crypto.UserID, device crypto.DeviceID) error {
	out.mu.Lock()
	defer out.mu.Unlock()

	sess, ok := out.sessions[roomID]
	if !ok {
		return fmt.Errorf("mark shared for %s: %w", roomID, crypto.ErrUnknownSession)
	}
	if sess.state == SetupIdle {
		sess.state = SetupSharing
	} else if sess.state == SetupPreparing {
		sess.state = SetupSharing
	}
	if sess.sharedWith[user] == nil {
		sess.sharedWith[user] = make(map[crypto.DeviceID]uint32)
	}
	sess.sharedWith[user][device] = sess.ratchet.counter
	return nil
}

// MarkFullyShared transitions a session to SetupActive once every
// target device (as evaluated by the caller against the current device
// set) has been sent the key.
func (out *Outbound) MarkFullyShared(roomID crypto.RoomID) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if sess, ok := out.sessions[roomID]; ok {
		sess.state = SetupActive
	}
}

// Encrypt encrypts plaintext with the room's current outbound session,
// advancing its forward ratchet and message counter. Returns
// ErrNoSession if no session has been started yet.
func (out *Outbound) Encrypt(roomID crypto.RoomID, plaintext []byte) ([]byte, uint32, error) {
	out.mu.Lock()
	defer out.mu.Unlock()

	sess, ok := out.sessions[roomID]
	if !ok {
		return nil, 0, fmt.Errorf("encrypt for %s: %w", roomID, crypto.ErrNoSession)
	}

	index := sess.ratchet.counter
	mk := sess.ratchet.messageKeyAt()
	ct, err := encryptPayload(mk, plaintext)
	if err != nil {
		return nil, 0, err
	}
	_, hmacKey, _, err := messageCipherKeys(mk)
	if err != nil {
		return nil, 0, err
	}
	raw := encodeMessage(index, ct, hmacKey, sess.SigningKey)

	sess.ratchet.advanceTo(index + 1)
	sess.messages++
	return raw, index, nil
}

// ShouldRotate reports whether the room's session must be replaced
// before the next encrypt: the policy's age or message-count bound has
// been reached, or a device the key was already shared with is no
// longer in eligible (blocked, unverified, or otherwise dropped from
// the target set — the key cannot be revoked, so the session is
// abandoned instead). A room with no session yet always needs one
// started.
func (out *Outbound) ShouldRotate(roomID crypto.RoomID, policy RotationPolicy, now time.Time, eligible crypto.DeviceSet) bool {
	out.mu.Lock()
	defer out.mu.Unlock()

	sess, ok := out.sessions[roomID]
	if !ok {
		return true
	}
	if policy.MaxMessages > 0 && sess.messages >= policy.MaxMessages {
		return true
	}
	if policy.MaxAge > 0 && now.Sub(sess.CreatedAt) >= policy.MaxAge {
		return true
	}
	for user, devices := range sess.sharedWith {
		for device := range devices {
			if _, ok := eligible[user][device]; !ok {
				return true
			}
		}
	}
	return false
}

// SessionKeyFor builds the m.room_key payload fields for sharing this
// session's current ratchet position with a device: the chain key, the
// index to start from, and the session's signing key so recipients can
// verify messages. Only valid while the session exists; callers should
// hold the result only as long as MarkShared has not yet been called
// for the targets being shared with in the same round.
func SessionKeyFor(sess *OutboundSession) (chainKeyBase64 string, index uint32, signingKey ed25519.PublicKey) {
	return encodeKey(sess.ratchet.chain[:]), sess.ratchet.counter, sess.SigningKey.Public().(ed25519.PublicKey)
}

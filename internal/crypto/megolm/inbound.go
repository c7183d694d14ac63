package megolm

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// InboundSession is one sender's group ratchet as installed on a
// recipient device from an m.room_key (or m.forwarded_room_key) event.
// It owns replay detection for its own (sender_key, session_id) pair.
type InboundSession struct {
	RoomID          crypto.RoomID
	SenderKey       crypto.Curve25519Key
	SessionID       crypto.SessionID
	SigningKey      ed25519.PublicKey
	Forwarded       bool // installed via m.forwarded_room_key rather than m.room_key
	FirstKnownIndex uint32

	// initialChain is the chain key at FirstKnownIndex, kept so message
	// keys for indices the advancing ratchet has already passed can be
	// re-derived (out-of-order delivery, redecryption of a seen event).
	initialChain [32]byte
	ratchet      *ratchet
	seen         map[uint32]seenEvent // index -> event identity, for replay detection
}

// seenEvent is the (event_id, origin_ts) pair recorded per decrypted
// message index. A later decrypt at the same index is admitted only if
// both fields match the recorded pair.
type seenEvent struct {
	eventID  string
	originTS int64
}

// ExportedSession is the portable form of an inbound session: what
// session export/import and m.forwarded_room_key payloads carry.
type ExportedSession struct {
	RoomID         crypto.RoomID
	SenderKey      crypto.Curve25519Key
	SessionID      crypto.SessionID
	SigningKey     ed25519.PublicKey
	ChainKeyBase64 string
	Index          uint32
	Forwarded      bool
}

// Inbound is the store of inbound Megolm sessions for one device
// (component C2): keyed by (sender_key, session_id), with replay
// detection and room binding enforced on every decrypt.
type Inbound struct {
	mu                    sync.Mutex
	sessions              map[inboundKey]*InboundSession
	seenEvictionThreshold int
}

type inboundKey struct {
	senderKey crypto.Curve25519Key
	sessionID crypto.SessionID
}

const defaultSeenEvictionThreshold = 2048

// NewInbound returns an empty inbound session store. evictionThreshold
// bounds how many replay-detection entries a single session accumulates
// before the oldest are dropped; pass 0 for the default.
func NewInbound(evictionThreshold int) *Inbound {
	if evictionThreshold <= 0 {
		evictionThreshold = defaultSeenEvictionThreshold
	}
	return &Inbound{
		sessions:              make(map[inboundKey]*InboundSession),
		seenEvictionThreshold: evictionThreshold,
	}
}

// Install adds a session from a received m.room_key or
// m.forwarded_room_key event. Installing the same (sender_key,
// session_id) again is a no-op unless the new copy has an earlier
// first-known-index, which is accepted only when the session has not
// yet decrypted anything (so it cannot reduce what replay detection has
// already recorded).
func (in *Inbound) Install(roomID crypto.RoomID, senderKey crypto.Curve25519Key, sessionID crypto.SessionID, signingKey ed25519.PublicKey, chainKey [32]byte, index uint32, forwarded bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	key := inboundKey{senderKey, sessionID}
	if existing, ok := in.sessions[key]; ok {
		if existing.RoomID != roomID {
			return fmt.Errorf("%w: session %s already bound to room %s", crypto.ErrRoomMismatch, sessionID, existing.RoomID)
		}
		if index < existing.FirstKnownIndex && len(existing.seen) == 0 {
			existing.FirstKnownIndex = index
			existing.initialChain = chainKey
			existing.ratchet = ratchetAtIndex(chainKey, index)
		}
		return nil
	}

	in.sessions[key] = &InboundSession{
		RoomID:          roomID,
		SenderKey:       senderKey,
		SessionID:       sessionID,
		SigningKey:      signingKey,
		Forwarded:       forwarded,
		FirstKnownIndex: index,
		initialChain:    chainKey,
		ratchet:         ratchetAtIndex(chainKey, index),
		seen:            make(map[uint32]seenEvent),
	}
	return nil
}

// Has reports whether a session is already installed.
func (in *Inbound) Has(senderKey crypto.Curve25519Key, sessionID crypto.SessionID) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.sessions[inboundKey{senderKey, sessionID}]
	return ok
}

// Decrypt verifies and decrypts a Megolm wire message against the
// matching session. roomID must match the session's bound room.
// Indices below the session's first known index are rejected as
// ErrUnknownIndex (a forwarded key shared a later starting point than
// the sender used). Each decrypted index records the event's
// (event_id, origin_ts); a later decrypt at the same index is admitted
// only when both match the recorded pair (the same event redelivered or
// redecrypted) and is ErrReplay otherwise.
func (in *Inbound) Decrypt(roomID crypto.RoomID, senderKey crypto.Curve25519Key, sessionID crypto.SessionID, raw []byte, eventID string, originTS int64) ([]byte, uint32, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	sess, ok := in.sessions[inboundKey{senderKey, sessionID}]
	if !ok {
		return nil, 0, fmt.Errorf("decrypt %s: %w", sessionID, crypto.ErrUnknownSession)
	}
	if sess.RoomID != roomID {
		return nil, 0, fmt.Errorf("%w: session %s bound to %s, event claims %s", crypto.ErrRoomMismatch, sessionID, sess.RoomID, roomID)
	}

	decoded, err := decodeMessage(raw, sess.SigningKey)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", crypto.ErrMacFailure, err)
	}
	if decoded.Index < sess.FirstKnownIndex {
		return nil, 0, fmt.Errorf("%w: index %d before first known index %d", crypto.ErrUnknownIndex, decoded.Index, sess.FirstKnownIndex)
	}

	event := seenEvent{eventID: eventID, originTS: originTS}
	if prior, seen := sess.seen[decoded.Index]; seen && prior != event {
		return nil, 0, fmt.Errorf("%w: index %d already decrypted event %s at %d", crypto.ErrReplay, decoded.Index, prior.eventID, prior.originTS)
	}

	mk := sess.messageKeyFor(decoded.Index)

	_, hmacKey, _, err := messageCipherKeys(mk)
	if err != nil {
		return nil, 0, err
	}
	if !verifyTag(hmacKey, decoded.Body, decoded.Tag) {
		return nil, 0, crypto.ErrMacFailure
	}

	plain, err := decryptPayload(mk, decoded.Ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", crypto.ErrMacFailure, err)
	}

	sess.seen[decoded.Index] = event
	evictSeen(sess, in.seenEvictionThreshold)
	return plain, decoded.Index, nil
}

// messageKeyFor derives the message key at index, which the caller has
// already checked is >= FirstKnownIndex. Indices at or past the
// advancing ratchet advance it; earlier ones are re-derived by walking
// a throwaway copy forward from the initial chain key, so out-of-order
// and redecrypted messages stay readable.
func (sess *InboundSession) messageKeyFor(index uint32) [32]byte {
	if index >= sess.ratchet.counter {
		sess.ratchet.advanceTo(index)
		return sess.ratchet.messageKeyAt()
	}
	r := ratchetAtIndex(sess.initialChain, sess.FirstKnownIndex)
	r.advanceTo(index)
	return r.messageKeyAt()
}

// evictSeen drops the oldest (lowest-index) replay-detection entries
// once a session's seen set grows past threshold. A replayed message at
// an evicted index is simply re-decrypted and re-admitted rather than
// rejected — bounded memory is worth the narrowed replay window for
// sessions long past their rotation period.
func evictSeen(sess *InboundSession, threshold int) {
	if len(sess.seen) <= threshold {
		return
	}
	drop := len(sess.seen) - threshold
	indices := make([]uint32, 0, len(sess.seen))
	for idx := range sess.seen {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices[:drop] {
		delete(sess.seen, idx)
	}
}

// Export returns the portable form of a session at its current ratchet
// position, for m.forwarded_room_key or an explicit key-backup export.
func (in *Inbound) Export(senderKey crypto.Curve25519Key, sessionID crypto.SessionID) (*ExportedSession, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	sess, ok := in.sessions[inboundKey{senderKey, sessionID}]
	if !ok {
		return nil, fmt.Errorf("export %s: %w", sessionID, crypto.ErrUnknownSession)
	}
	return &ExportedSession{
		RoomID:         sess.RoomID,
		SenderKey:      sess.SenderKey,
		SessionID:      sess.SessionID,
		SigningKey:     sess.SigningKey,
		ChainKeyBase64: encodeKey(sess.ratchet.chain[:]),
		Index:          sess.ratchet.counter,
		Forwarded:      sess.Forwarded,
	}, nil
}

// Import installs a session from an ExportedSession, e.g. received as
// an m.forwarded_room_key payload after a key-share request.
func (in *Inbound) Import(exp *ExportedSession) error {
	raw, err := decodeKey(exp.ChainKeyBase64)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("import %s: invalid chain key", exp.SessionID)
	}
	var chainKey [32]byte
	copy(chainKey[:], raw)
	return in.Install(exp.RoomID, exp.SenderKey, exp.SessionID, exp.SigningKey, chainKey, exp.Index, true)
}

package megolm

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// OutboundPickle is the portable form of an OutboundSession, for the
// persistence layer's opaque per-room blob.
type OutboundPickle struct {
	RoomID     crypto.RoomID
	SessionID  crypto.SessionID
	SigningKey ed25519.PrivateKey
	CreatedAt  time.Time

	State      SetupState
	Counter    uint32
	Chain      [32]byte
	Messages   uint32
	SharedWith map[crypto.UserID]map[crypto.DeviceID]uint32
}

// Export returns the portable form of an outbound session.
func (o *OutboundSession) Export() *OutboundPickle {
	shared := make(map[crypto.UserID]map[crypto.DeviceID]uint32, len(o.sharedWith))
	for user, devices := range o.sharedWith {
		d := make(map[crypto.DeviceID]uint32, len(devices))
		for dev, idx := range devices {
			d[dev] = idx
		}
		shared[user] = d
	}
	return &OutboundPickle{
		RoomID:     o.RoomID,
		SessionID:  o.SessionID,
		SigningKey: o.SigningKey,
		CreatedAt:  o.CreatedAt,
		State:      o.state,
		Counter:    o.ratchet.counter,
		Chain:      o.ratchet.chain,
		Messages:   o.messages,
		SharedWith: shared,
	}
}

// ImportOutbound reconstructs an OutboundSession from its pickle.
func ImportOutbound(p *OutboundPickle) *OutboundSession {
	return &OutboundSession{
		RoomID:     p.RoomID,
		SessionID:  p.SessionID,
		SigningKey: p.SigningKey,
		CreatedAt:  p.CreatedAt,
		state:      p.State,
		ratchet:    &ratchet{counter: p.Counter, chain: p.Chain},
		messages:   p.Messages,
		sharedWith: p.SharedWith,
	}
}

// Install inserts a session loaded from persistence, e.g. at startup
// before the pipeline's first EnsureOutbound call for the room.
func (out *Outbound) Install(sess *OutboundSession) error {
	if sess.RoomID == "" {
		return fmt.Errorf("install outbound session: empty room id")
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	out.sessions[sess.RoomID] = sess
	return nil
}

// All returns every outbound session currently held, for a persistence
// checkpoint.
func (out *Outbound) All() map[crypto.RoomID]*OutboundSession {
	out.mu.Lock()
	defer out.mu.Unlock()
	dup := make(map[crypto.RoomID]*OutboundSession, len(out.sessions))
	for k, v := range out.sessions {
		dup[k] = v
	}
	return dup
}

// All returns every inbound session's export, for a persistence
// checkpoint.
func (in *Inbound) All() []*ExportedSession {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*ExportedSession, 0, len(in.sessions))
	for key := range in.sessions {
		sess := in.sessions[key]
		out = append(out, &ExportedSession{
			RoomID:         sess.RoomID,
			SenderKey:      sess.SenderKey,
			SessionID:      sess.SessionID,
			SigningKey:     sess.SigningKey,
			ChainKeyBase64: encodeKey(sess.ratchet.chain[:]),
			Index:          sess.ratchet.counter,
			Forwarded:      sess.Forwarded,
		})
	}
	return out
}

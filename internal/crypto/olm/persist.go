package olm

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"fmt"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// AccountPickle is the portable form of an Identity: its key material
// and one-time-key pool, for the persistence layer's opaque account
// blob.
type AccountPickle struct {
	CurvePrivate []byte
	EdPrivate    []byte
	OTKCounter   uint64
	OneTimeKeys  []OneTimeKeyPickle
	FallbackKey  *OneTimeKeyPickle
}

// OneTimeKeyPickle is the portable form of a single one-time key.
type OneTimeKeyPickle struct {
	ID      string
	Private []byte
	State   OneTimeKeyState
}

// Export returns the portable form of the identity for storage.
func (id *Identity) Export() *AccountPickle {
	id.mu.Lock()
	defer id.mu.Unlock()

	p := &AccountPickle{
		CurvePrivate: id.curvePriv.Bytes(),
		EdPrivate:    []byte(id.edPriv),
		OTKCounter:   id.otkCounter,
	}
	for _, k := range id.otks {
		p.OneTimeKeys = append(p.OneTimeKeys, OneTimeKeyPickle{ID: k.id, Private: k.priv.Bytes(), State: k.state})
	}
	if id.fallbackKey != nil {
		p.FallbackKey = &OneTimeKeyPickle{ID: id.fallbackKey.id, Private: id.fallbackKey.priv.Bytes(), State: id.fallbackKey.state}
	}
	return p
}

// ImportIdentity reconstructs an Identity from its pickle, e.g. when the
// engine starts up and loads the account blob from the persistence
// contract instead of calling NewIdentity.
func ImportIdentity(p *AccountPickle) (*Identity, error) {
	curvePriv, err := ecdh.X25519().NewPrivateKey(p.CurvePrivate)
	if err != nil {
		return nil, fmt.Errorf("import identity curve key: %w", err)
	}
	if len(p.EdPrivate) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("import identity: bad ed25519 key size %d", len(p.EdPrivate))
	}

	id := &Identity{
		curvePriv:  curvePriv,
		edPriv:     ed25519.PrivateKey(p.EdPrivate),
		otks:       make(map[string]*oneTimeKey, len(p.OneTimeKeys)),
		otkCounter: p.OTKCounter,
	}
	for _, k := range p.OneTimeKeys {
		priv, err := ecdh.X25519().NewPrivateKey(k.Private)
		if err != nil {
			return nil, fmt.Errorf("import one-time key %s: %w", k.ID, err)
		}
		id.otks[k.ID] = &oneTimeKey{id: k.ID, priv: priv, state: k.State}
	}
	if p.FallbackKey != nil {
		priv, err := ecdh.X25519().NewPrivateKey(p.FallbackKey.Private)
		if err != nil {
			return nil, fmt.Errorf("import fallback key %s: %w", p.FallbackKey.ID, err)
		}
		id.fallbackKey = &oneTimeKey{id: p.FallbackKey.ID, priv: priv, state: p.FallbackKey.State}
	}
	return id, nil
}

// SessionPickle is the portable form of a single Olm session.
type SessionPickle struct {
	RemoteIdentityKey crypto.Curve25519Key
	OurIdentityKey    crypto.Curve25519Key
	UsedOneTimeKeyID  string
	HasReceivedMsg    bool

	DHSPrivate []byte
	DHRPublic  []byte // nil if no DH ratchet received yet
	RK         []byte
	CKS        []byte // nil if never sent
	CKR        []byte // nil if never received
	NS, NR, PN uint32
}

// Export returns the portable form of a session, keyed externally by
// its SessionID (the persistence contract addresses sessions by
// (remote identity key, session id), so the id itself is not repeated
// here).
func (s *Session) Export() *SessionPickle {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &SessionPickle{
		RemoteIdentityKey: s.remoteIdentityKey,
		OurIdentityKey:    s.ourIdentityKey,
		UsedOneTimeKeyID:  s.usedOneTimeKeyID,
		HasReceivedMsg:    s.hasReceivedMessage,
		DHSPrivate:        s.ratchet.dhs.Bytes(),
		RK:                append([]byte{}, s.ratchet.rk...),
		CKS:               append([]byte{}, s.ratchet.cks...),
		CKR:               append([]byte{}, s.ratchet.ckr...),
		NS:                s.ratchet.ns,
		NR:                s.ratchet.nr,
		PN:                s.ratchet.pn,
	}
	if s.ratchet.dhr != nil {
		p.DHRPublic = s.ratchet.dhr.Bytes()
	}
	return p
}

// ImportSession reconstructs a Session from its pickle and the
// SessionID it was stored under.
func ImportSession(id crypto.SessionID, p *SessionPickle) (*Session, error) {
	dhs, err := ecdh.X25519().NewPrivateKey(p.DHSPrivate)
	if err != nil {
		return nil, fmt.Errorf("import session %s: dhs: %w", id, err)
	}
	var dhr *ecdh.PublicKey
	if len(p.DHRPublic) > 0 {
		dhr, err = ecdh.X25519().NewPublicKey(p.DHRPublic)
		if err != nil {
			return nil, fmt.Errorf("import session %s: dhr: %w", id, err)
		}
	}
	return &Session{
		id:                 id,
		remoteIdentityKey:  p.RemoteIdentityKey,
		ourIdentityKey:     p.OurIdentityKey,
		usedOneTimeKeyID:   p.UsedOneTimeKeyID,
		hasReceivedMessage: p.HasReceivedMsg,
		ratchet: &ratchetState{
			dhs: dhs,
			dhr: dhr,
			rk:  p.RK,
			cks: p.CKS,
			ckr: p.CKR,
			ns:  p.NS,
			nr:  p.NR,
			pn:  p.PN,
		},
	}, nil
}

// Sessions returns every session currently held, for the persistence
// layer to export on a checkpoint.
func (m *Manager) Sessions() map[crypto.Curve25519Key][]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[crypto.Curve25519Key][]*Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = append([]*Session{}, v...)
	}
	return out
}

// InstallSession inserts a session loaded from persistence, keeping the
// per-remote-identity selection ordering intact.
func (m *Manager) InstallSession(remoteIdentityKey crypto.Curve25519Key, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(remoteIdentityKey, sess)
}

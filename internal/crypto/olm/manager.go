package olm

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// Manager owns one device's Identity and every OlmSession keyed by
// remote identity key (component C1). All mutating operations take the
// manager's single-writer lock; Olm primitive state is never safe for
// concurrent use, per the shared-resource policy.
type Manager struct {
	mu       sync.Mutex
	identity *Identity
	sessions map[crypto.Curve25519Key][]*Session // kept sorted by session id ascending
}

// NewManager wraps an existing identity (load it from persistence first,
// or call NewIdentity for a fresh device).
func NewManager(identity *Identity) *Manager {
	return &Manager{
		identity: identity,
		sessions: make(map[crypto.Curve25519Key][]*Session),
	}
}

// Identity exposes the underlying device identity (for one-time-key
// management and publishing the device's own keys).
func (m *Manager) Identity() *Identity { return m.identity }

// CreateOutbound establishes a new outbound session with a peer using a
// one-time key claimed from them, and returns its id.
func (m *Manager) CreateOutbound(remoteIdentityKey crypto.Curve25519Key, otkID string, otkPub crypto.Curve25519Key) (crypto.SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, _, err := newOutboundSession(m.identity, remoteIdentityKey, otkID, otkPub)
	if err != nil {
		return "", fmt.Errorf("create outbound session: %w", err)
	}
	m.insertLocked(remoteIdentityKey, sess)
	return sess.id, nil
}

// insertLocked inserts a session into its remote identity's slot,
// keeping the slice sorted by session id ascending (the selection
// ordering the design mandates).
func (m *Manager) insertLocked(remoteIdentityKey crypto.Curve25519Key, sess *Session) {
	list := append(m.sessions[remoteIdentityKey], sess)
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	m.sessions[remoteIdentityKey] = list
}

// Encrypt selects the current session for remoteIdentityKey (the lowest
// session id) and encrypts plaintext with it. Returns ErrNoSession if no
// session exists yet; the caller (the key-sharing coordinator) is
// expected to claim a one-time key and call CreateOutbound.
func (m *Manager) Encrypt(remoteIdentityKey crypto.Curve25519Key, plaintext []byte) (MessageType, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.sessions[remoteIdentityKey]
	if len(list) == 0 {
		return 0, nil, fmt.Errorf("encrypt to %s: %w", remoteIdentityKey, crypto.ErrNoSession)
	}
	return list[0].Encrypt(plaintext)
}

// Decrypt attempts to decrypt a message from remoteIdentityKey. For a
// prekey message it also attempts inbound session creation if no
// existing session matches; the new session is only committed to the
// manager's session table once decryption with it succeeds.
func (m *Manager) Decrypt(remoteIdentityKey crypto.Curve25519Key, msgType MessageType, body []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.sessions[remoteIdentityKey]

	if msgType == MessageTypePreKey {
		var pre preKeyBody
		if err := json.Unmarshal(body, &pre); err != nil {
			return nil, fmt.Errorf("decode prekey message: %w", err)
		}

		for _, sess := range list {
			if !sess.MatchesInboundPrekey(remoteIdentityKey, &pre) {
				continue
			}
			plain, err := sess.Decrypt(&messageBody{RatchetKey: pre.RatchetKey, N: pre.N, PN: pre.PN, Ciphertext: pre.Ciphertext})
			if err != nil {
				// Matching prekey message that fails to decrypt is fatal,
				// not retried against a fresh session (CorruptSession).
				return nil, fmt.Errorf("%w: %v", crypto.ErrCorruptSession, err)
			}
			return plain, nil
		}

		// No existing session matches: attempt to create one. A session
		// that fails to decrypt is never committed to m.sessions.
		sess, err := tryCreateInboundSession(m.identity, remoteIdentityKey, &pre)
		if err != nil {
			return nil, fmt.Errorf("create inbound session: %w", err)
		}
		plain, err := sess.Decrypt(&messageBody{RatchetKey: pre.RatchetKey, N: pre.N, PN: pre.PN, Ciphertext: pre.Ciphertext})
		if err != nil {
			return nil, fmt.Errorf("decrypt with new inbound session: %w", err)
		}
		m.insertLocked(remoteIdentityKey, sess)
		return plain, nil
	}

	var msg messageBody
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	for _, sess := range list {
		plain, err := sess.Decrypt(&msg)
		if err == nil {
			return plain, nil
		}
	}
	return nil, fmt.Errorf("decrypt from %s: %w", remoteIdentityKey, crypto.ErrUnknownSession)
}

// DiscardSessions drops every session held for remoteIdentityKey. Used
// for the unwedging path: a prekey message that matches an existing
// session by one-time-key id but fails to decrypt (ErrCorruptSession) is
// left in place by default (see Decrypt), but a caller configured to
// destroy on corruption calls this so the next prekey message starts a
// fresh session instead of repeatedly hitting the same broken one.
func (m *Manager) DiscardSessions(remoteIdentityKey crypto.Curve25519Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, remoteIdentityKey)
}

// HasSession reports whether any session exists for remoteIdentityKey,
// used by the key-sharing coordinator to decide whether a device needs
// a one-time key claimed for it.
func (m *Manager) HasSession(remoteIdentityKey crypto.Curve25519Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[remoteIdentityKey]) > 0
}

// GenerateOneTimeKeys generates n new one-time keys.
func (m *Manager) GenerateOneTimeKeys(n int) ([]string, error) {
	return m.identity.GenerateOneTimeKeys(n)
}

// PublishOneTimeKeys returns the unpublished one-time keys and marks
// them published.
func (m *Manager) PublishOneTimeKeys() []PublishedOneTimeKey {
	return m.identity.PublishOneTimeKeys()
}

// MarkKeysPublished marks the given key ids as published.
func (m *Manager) MarkKeysPublished(ids []string) {
	m.identity.MarkKeysPublished(ids)
}

package olm

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// MessageType is the Olm wire message type: 0 for a prekey message that
// can establish an inbound session, 1 for a regular ratchet message.
type MessageType int

const (
	MessageTypePreKey  MessageType = 0
	MessageTypeMessage MessageType = 1
)

// preKeyBody is the JSON body of a type-0 (prekey) Olm message.
type preKeyBody struct {
	IdentityKey crypto.Curve25519Key `json:"identity_key"`
	OneTimeKey  string                `json:"one_time_key_id"`
	RatchetKey  crypto.Curve25519Key  `json:"ratchet_key"`
	N           uint32                `json:"n"`
	PN          uint32                `json:"pn"`
	Ciphertext  []byte                `json:"ciphertext"`
}

// messageBody is the JSON body of a type-1 (regular) Olm message.
type messageBody struct {
	RatchetKey crypto.Curve25519Key `json:"ratchet_key"`
	N          uint32                `json:"n"`
	PN         uint32                `json:"pn"`
	Ciphertext []byte                `json:"ciphertext"`
}

// Session is a single pairwise Olm session: the double-ratchet state
// plus the bookkeeping needed to reproduce the session selection rule
// and prekey-message matching described in the design.
type Session struct {
	mu sync.Mutex

	id                 crypto.SessionID
	remoteIdentityKey  crypto.Curve25519Key
	ourIdentityKey     crypto.Curve25519Key // only set for outbound sessions, to stamp prekey message headers
	usedOneTimeKeyID   string // set when this session was created from/for a prekey exchange
	ratchet            *ratchetState
	hasReceivedMessage bool // true once a message from the peer has been decrypted; until then Encrypt emits prekey-type messages
}

// ID returns the session's identifier.
func (s *Session) ID() crypto.SessionID { return s.id }

func computeSessionID(sharedSecret []byte, otkPub, ratchetPub *ecdh.PublicKey) crypto.SessionID {
	h := sha256.New()
	h.Write(sharedSecret)
	h.Write(otkPub.Bytes())
	h.Write(ratchetPub.Bytes())
	sum := h.Sum(nil)[:16]
	return crypto.SessionID(base64.RawStdEncoding.EncodeToString(sum))
}

// newOutboundSession creates a session as the initiator, using our
// identity key pair, the remote's identity key, and a one-time key we
// claimed from them.
func newOutboundSession(ourIdentity *Identity, remoteIdentityKey crypto.Curve25519Key, otkID string, otkPub crypto.Curve25519Key) (*Session, *preKeyBody, error) {
	remoteIdentityPub, err := decodeCurveKey(remoteIdentityKey)
	if err != nil {
		return nil, nil, err
	}
	remoteOTKPub, err := decodeCurveKey(otkPub)
	if err != nil {
		return nil, nil, err
	}

	ratchetPriv, err := newRandomRatchetKeyPair()
	if err != nil {
		return nil, nil, err
	}

	dh1, err := ourIdentity.curvePriv.ECDH(remoteOTKPub)
	if err != nil {
		return nil, nil, fmt.Errorf("dh1: %w", err)
	}
	dh2, err := ratchetPriv.ECDH(remoteIdentityPub)
	if err != nil {
		return nil, nil, fmt.Errorf("dh2: %w", err)
	}
	dh3, err := ratchetPriv.ECDH(remoteOTKPub)
	if err != nil {
		return nil, nil, fmt.Errorf("dh3: %w", err)
	}

	sharedSecret, err := hkdfSHA256(nil, append(append(append([]byte{}, dh1...), dh2...), dh3...), []byte("MATRIX_OLM_X3DH"), 32)
	if err != nil {
		return nil, nil, err
	}

	rk, cks, err := rootKDF(sharedSecret, dh3)
	if err != nil {
		return nil, nil, err
	}

	sess := &Session{
		id:                computeSessionID(sharedSecret, remoteOTKPub, ratchetPriv.PublicKey()),
		remoteIdentityKey: remoteIdentityKey,
		ourIdentityKey:    ourIdentity.IdentityKey(),
		usedOneTimeKeyID:  otkID,
		ratchet: &ratchetState{
			dhs: ratchetPriv,
			dhr: remoteOTKPub,
			rk:  rk,
			cks: cks,
		},
	}

	header := &preKeyBody{
		IdentityKey: ourIdentity.IdentityKey(),
		OneTimeKey:  otkID,
		RatchetKey:  curvePubKey(ratchetPriv.PublicKey()),
	}
	return sess, header, nil
}

// tryCreateInboundSession attempts to establish a session from a
// received prekey message. It does NOT mutate the identity's one-time
// key pool on failure paths beyond the initial claim of the one-time
// key id named in the message (matching "a created-but-unused inbound
// session is not committed if decryption fails": the caller only keeps
// this session around once Decrypt below has succeeded).
func tryCreateInboundSession(ourIdentity *Identity, senderIdentityKey crypto.Curve25519Key, body *preKeyBody) (*Session, error) {
	otkPriv, ok := ourIdentity.takeOneTimeKey(body.OneTimeKey)
	if !ok {
		return nil, fmt.Errorf("%w: one-time key %q not available", crypto.ErrNoSession, body.OneTimeKey)
	}

	senderIdentityPub, err := decodeCurveKey(senderIdentityKey)
	if err != nil {
		return nil, err
	}
	senderRatchetPub, err := decodeCurveKey(body.RatchetKey)
	if err != nil {
		return nil, err
	}

	dh1, err := otkPriv.ECDH(senderIdentityPub)
	if err != nil {
		return nil, fmt.Errorf("dh1: %w", err)
	}
	dh2, err := ourIdentity.curvePriv.ECDH(senderRatchetPub)
	if err != nil {
		return nil, fmt.Errorf("dh2: %w", err)
	}
	dh3, err := otkPriv.ECDH(senderRatchetPub)
	if err != nil {
		return nil, fmt.Errorf("dh3: %w", err)
	}

	sharedSecret, err := hkdfSHA256(nil, append(append(append([]byte{}, dh1...), dh2...), dh3...), []byte("MATRIX_OLM_X3DH"), 32)
	if err != nil {
		return nil, err
	}

	rk, ckr, err := rootKDF(sharedSecret, dh3)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:                computeSessionID(sharedSecret, otkPriv.PublicKey(), senderRatchetPub),
		remoteIdentityKey: senderIdentityKey,
		usedOneTimeKeyID:  body.OneTimeKey,
		ratchet: &ratchetState{
			dhs: otkPriv,
			dhr: senderRatchetPub,
			rk:  rk,
			ckr: ckr,
		},
	}, nil
}

// MatchesInboundPrekey reports whether a type-0 message was addressed to
// this session: same remote identity and same claimed one-time key.
func (s *Session) MatchesInboundPrekey(senderIdentityKey crypto.Curve25519Key, body *preKeyBody) bool {
	return s.remoteIdentityKey == senderIdentityKey && s.usedOneTimeKeyID == body.OneTimeKey
}

// Encrypt advances the sending chain and returns a wire message.
func (s *Session) Encrypt(plaintext []byte) (MessageType, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ratchet.cks) == 0 {
		// First send on an inbound session: start the sending chain from a
		// fresh ratchet key and the peer's current ratchet key.
		if s.ratchet.dhr == nil {
			return 0, nil, fmt.Errorf("%w: no sending chain established", crypto.ErrNoSession)
		}
		newPriv, err := newRandomRatchetKeyPair()
		if err != nil {
			return 0, nil, err
		}
		dhOut, err := newPriv.ECDH(s.ratchet.dhr)
		if err != nil {
			return 0, nil, fmt.Errorf("dh ratchet (send): %w", err)
		}
		rk, cks, err := rootKDF(s.ratchet.rk, dhOut)
		if err != nil {
			return 0, nil, err
		}
		s.ratchet.rk, s.ratchet.cks, s.ratchet.dhs = rk, cks, newPriv
		s.ratchet.pn, s.ratchet.ns = s.ratchet.ns, 0
	}

	mk, nextCK := chainKDF(s.ratchet.cks)
	s.ratchet.cks = nextCK
	n := s.ratchet.ns
	s.ratchet.ns++

	ct, err := ratchetEncrypt(mk, plaintext)
	if err != nil {
		return 0, nil, err
	}

	if !s.hasReceivedMessage {
		body := &preKeyBody{
			IdentityKey: s.ourIdentityKey,
			OneTimeKey:  s.usedOneTimeKeyID,
			RatchetKey:  curvePubKey(s.ratchet.dhs.PublicKey()),
			N:           n,
			PN:          s.ratchet.pn,
			Ciphertext:  ct,
		}
		buf, err := json.Marshal(body)
		return MessageTypePreKey, buf, err
	}

	body := &messageBody{
		RatchetKey: curvePubKey(s.ratchet.dhs.PublicKey()),
		N:          n,
		PN:         s.ratchet.pn,
		Ciphertext: ct,
	}
	buf, err := json.Marshal(body)
	return MessageTypeMessage, buf, err
}

// Decrypt decrypts a regular (type-1) message against this session,
// performing a DH ratchet step if the header names a new remote ratchet
// key.
func (s *Session) Decrypt(body *messageBody) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remotePub, err := decodeCurveKey(body.RatchetKey)
	if err != nil {
		return nil, err
	}

	if s.ratchet.dhr == nil || !bytesEqual(s.ratchet.dhr.Bytes(), remotePub.Bytes()) {
		if err := s.ratchet.dhRatchetStep(remotePub); err != nil {
			return nil, err
		}
	}

	if body.N < s.ratchet.nr {
		return nil, fmt.Errorf("%w: message number %d before receiving chain position %d", crypto.ErrMacFailure, body.N, s.ratchet.nr)
	}

	ckr := s.ratchet.ckr
	var mk []byte
	for i := s.ratchet.nr; i <= body.N; i++ {
		mk, ckr = chainKDF(ckr)
	}
	s.ratchet.ckr = ckr
	s.ratchet.nr = body.N + 1

	plain, err := ratchetDecrypt(mk, body.Ciphertext)
	if err != nil {
		return nil, err
	}
	s.hasReceivedMessage = true
	return plain, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

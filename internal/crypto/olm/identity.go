// Package olm implements the pairwise double-ratchet session manager
// (component C1): the device's long-lived identity, its one-time-key
// pool, and the set of Olm sessions keyed by remote identity key.
//
// The ratchet math follows the OMEMO / Signal double ratchet: X25519 for
// Diffie-Hellman, HKDF-SHA-256 for the root and chain KDFs, AES-256-CBC
// with an HMAC-SHA-256 tag for the message cipher (the AEAD construction
// Megolm and Olm both use on the wire, as opposed to the AES-GCM variant
// OMEMO itself picked).
package olm

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// OneTimeKeyState tracks the lifecycle of a published one-time key.
type OneTimeKeyState int

const (
	OTKUnpublished OneTimeKeyState = iota
	OTKPublished
	OTKClaimed
)

func (s OneTimeKeyState) String() string {
	switch s {
	case OTKUnpublished:
		return "unpublished"
	case OTKPublished:
		return "published"
	case OTKClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// oneTimeKey is a single Curve25519 one-time prekey owned by the device.
type oneTimeKey struct {
	id    string
	priv  *ecdh.PrivateKey
	state OneTimeKeyState
}

// Identity owns the device's long-lived identity key pair, signing key
// pair, and one-time-key pool (the OlmIdentity of the data model). It is
// created once per device and persisted; one-time keys are topped up on
// demand.
type Identity struct {
	mu sync.Mutex

	curvePriv *ecdh.PrivateKey
	edPriv    ed25519.PrivateKey

	otks        map[string]*oneTimeKey // key id -> key
	otkCounter  uint64
	fallbackKey *oneTimeKey
}

// NewIdentity generates a fresh identity key pair and signing key pair.
func NewIdentity() (*Identity, error) {
	curvePriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate curve25519 identity key: %w", err)
	}
	_, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 signing key: %w", err)
	}
	return &Identity{
		curvePriv: curvePriv,
		edPriv:    edPriv,
		otks:      make(map[string]*oneTimeKey),
	}, nil
}

// IdentityKey returns the device's Curve25519 public identity key.
func (id *Identity) IdentityKey() crypto.Curve25519Key {
	return curvePubKey(id.curvePriv.PublicKey())
}

// SigningKey returns the device's Ed25519 public signing key.
func (id *Identity) SigningKey() crypto.Ed25519Key {
	return crypto.Ed25519Key(base64.RawStdEncoding.EncodeToString(id.edPriv.Public().(ed25519.PublicKey)))
}

// Sign signs message with the device's Ed25519 signing key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.edPriv, message)
}

// GenerateOneTimeKeys generates n new one-time keys in the unpublished
// state and returns their ids.
func (id *Identity) GenerateOneTimeKeys(n int) ([]string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		priv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate one-time key: %w", err)
		}
		id.otkCounter++
		keyID := fmt.Sprintf("AAAA%d", id.otkCounter)
		id.otks[keyID] = &oneTimeKey{id: keyID, priv: priv, state: OTKUnpublished}
		ids = append(ids, keyID)
	}
	return ids, nil
}

// PublishedOneTimeKey is a one-time key ready for upload.
type PublishedOneTimeKey struct {
	KeyID     string
	PublicKey crypto.Curve25519Key
}

// PublishOneTimeKeys returns every unpublished one-time key and marks
// each as published. Callers are expected to upload the returned keys;
// the keys are not re-returned on a later call whether or not that
// upload succeeds (unlike MarkKeysPublished, this transition happens
// eagerly so a concurrent second publish call never re-uploads the same
// key — signing the same key twice never happens, per the one-time-key
// pool invariant).
func (id *Identity) PublishOneTimeKeys() []PublishedOneTimeKey {
	id.mu.Lock()
	defer id.mu.Unlock()

	var out []PublishedOneTimeKey
	ids := make([]string, 0, len(id.otks))
	for keyID := range id.otks {
		ids = append(ids, keyID)
	}
	sort.Strings(ids)
	for _, keyID := range ids {
		k := id.otks[keyID]
		if k.state != OTKUnpublished {
			continue
		}
		k.state = OTKPublished
		out = append(out, PublishedOneTimeKey{KeyID: keyID, PublicKey: curvePubKey(k.priv.PublicKey())})
	}
	return out
}

// MarkKeysPublished marks the given key ids as published. It is
// idempotent: marking an already-published or already-claimed key is a
// no-op, so it is safe to retry after an uncertain upload result.
func (id *Identity) MarkKeysPublished(ids []string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	for _, keyID := range ids {
		if k, ok := id.otks[keyID]; ok && k.state == OTKUnpublished {
			k.state = OTKPublished
		}
	}
}

// TargetPoolSize reports how many unpublished+published (i.e. not yet
// claimed) one-time keys remain, to decide whether to top up.
func (id *Identity) TargetPoolSize() int {
	id.mu.Lock()
	defer id.mu.Unlock()
	n := 0
	for _, k := range id.otks {
		if k.state != OTKClaimed {
			n++
		}
	}
	return n
}

// GenerateFallbackKey rotates the device's fallback key: the key handed
// out when the one-time-key pool is exhausted. Unlike a one-time key it
// is not consumed by use; it keeps establishing sessions until the next
// rotation replaces it.
func (id *Identity) GenerateFallbackKey() (PublishedOneTimeKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return PublishedOneTimeKey{}, fmt.Errorf("generate fallback key: %w", err)
	}

	id.mu.Lock()
	defer id.mu.Unlock()
	id.otkCounter++
	keyID := fmt.Sprintf("FBAA%d", id.otkCounter)
	id.fallbackKey = &oneTimeKey{id: keyID, priv: priv, state: OTKPublished}
	return PublishedOneTimeKey{KeyID: keyID, PublicKey: curvePubKey(priv.PublicKey())}, nil
}

// FallbackKey returns the current fallback key, or ok=false if none has
// been generated.
func (id *Identity) FallbackKey() (PublishedOneTimeKey, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.fallbackKey == nil {
		return PublishedOneTimeKey{}, false
	}
	return PublishedOneTimeKey{
		KeyID:     id.fallbackKey.id,
		PublicKey: curvePubKey(id.fallbackKey.priv.PublicKey()),
	}, true
}

// takeOneTimeKey marks keyID claimed and returns its private key, used
// when we are the recipient of a prekey message that claims one of our
// keys. The fallback key is matched last and never consumed. Returns
// ok=false if the key id is unknown or already claimed.
func (id *Identity) takeOneTimeKey(keyID string) (*ecdh.PrivateKey, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	k, ok := id.otks[keyID]
	if !ok || k.state == OTKClaimed {
		if id.fallbackKey != nil && id.fallbackKey.id == keyID {
			return id.fallbackKey.priv, true
		}
		return nil, false
	}
	k.state = OTKClaimed
	return k.priv, true
}

func curvePubKey(pub *ecdh.PublicKey) crypto.Curve25519Key {
	return crypto.Curve25519Key(base64.RawStdEncoding.EncodeToString(pub.Bytes()))
}

func decodeCurveKey(k crypto.Curve25519Key) (*ecdh.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(string(k))
	if err != nil {
		return nil, fmt.Errorf("decode curve25519 key: %w", err)
	}
	return ecdh.X25519().NewPublicKey(raw)
}

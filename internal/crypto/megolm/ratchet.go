// Package megolm implements the unidirectional group ratchet used for
// room messages: the outbound session manager (component C3, one
// sender-side ratchet per room) and the inbound session store
// (component C2, one ratchet per sender/session the device has been
// given a key for).
//
// The per-message ratchet here is a forward-secure HMAC-SHA-256 hash
// chain (the same chain/message-key construction as the olm package's
// double ratchet), rather than the four-level skip-list hierarchy real
// libolm's megolm.c uses to make large forward jumps cheap. Advancing
// N steps is O(N) here instead of O(log N); a session's curve/AEAD
// primitives are explicitly delegated per the engine's non-goals, and
// this keeps the two packages' ratchet code symmetric without losing
// the forward-secrecy property (a chain key can only derive keys at its
// own index and later, never earlier).
package megolm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const megolmVersion byte = 0x03

// chainKDF derives a message key and the next chain key from a chain key.
func chainKDF(chainKey [32]byte) (messageKey [32]byte, nextChainKey [32]byte) {
	mk := hmac.New(sha256.New, chainKey[:])
	mk.Write([]byte{0x01})
	copy(messageKey[:], mk.Sum(nil))

	ck := hmac.New(sha256.New, chainKey[:])
	ck.Write([]byte{0x02})
	copy(nextChainKey[:], ck.Sum(nil))
	return messageKey, nextChainKey
}

// messageCipherKeys HKDF-expands a 32-byte message key into an AES key,
// an HMAC key, and an IV.
func messageCipherKeys(messageKey [32]byte) (aesKey, hmacKey, iv []byte, err error) {
	r := hkdf.New(sha256.New, messageKey[:], nil, []byte("MATRIX_MEGOLM_MSG"))
	out := make([]byte, 80)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out[:32], out[32:64], out[64:80], nil
}

// ratchet is the per-sender group-ratchet chain state: a counter
// ("chain index") and the chain key at that counter.
type ratchet struct {
	counter uint32
	chain   [32]byte
}

// newRatchet generates a fresh ratchet starting at index 0, for a new
// outbound session.
func newRatchet() (*ratchet, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed ratchet: %w", err)
	}
	return &ratchet{counter: 0, chain: seed}, nil
}

// ratchetAtIndex reconstructs a ratchet at a known (chainKey, index)
// pair, as installed from a received session key or an exported blob.
func ratchetAtIndex(chainKey [32]byte, index uint32) *ratchet {
	return &ratchet{counter: index, chain: chainKey}
}

// advanceTo steps the chain forward to at least targetIndex. It is a
// no-op (and returns ok=false) if targetIndex is behind the current
// counter — the ratchet can never rewind.
func (r *ratchet) advanceTo(targetIndex uint32) bool {
	if targetIndex < r.counter {
		return false
	}
	for r.counter < targetIndex {
		_, next := chainKDF(r.chain)
		r.chain = next
		r.counter++
	}
	return true
}

// messageKeyAt returns the message key for the ratchet's current
// counter without advancing past it.
func (r *ratchet) messageKeyAt() [32]byte {
	mk, _ := chainKDF(r.chain)
	return mk
}

// encryptPayload encrypts plaintext with the ratchet at its current
// index using AES-256-CBC, returning the raw ciphertext (caller wraps
// it into the wire message and advances the ratchet).
func encryptPayload(messageKey [32]byte, plaintext []byte) ([]byte, error) {
	aesKey, _, iv, err := messageCipherKeys(messageKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, nil
}

func decryptPayload(messageKey [32]byte, ciphertext []byte) ([]byte, error) {
	aesKey, _, iv, err := messageCipherKeys(messageKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned")
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+padding)
	copy(out, data)
	for i := 0; i < padding; i++ {
		out = append(out, byte(padding))
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding byte")
		}
	}
	return data[:len(data)-padding], nil
}

// --- Wire message: version || index || ciphertext || mac(8) || ed25519 signature(64) ---
// Grounded on the session-sharing wire format: a fixed trailer appended
// after a variable-length body, verified before anything is parsed out
// of it.

func hmacTag(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:8]
}

// encodeMessage builds and signs a wire Megolm message.
func encodeMessage(index uint32, ciphertext []byte, hmacKey []byte, signingKey ed25519.PrivateKey) []byte {
	body := make([]byte, 0, 1+4+len(ciphertext))
	body = append(body, megolmVersion)
	body = binary.BigEndian.AppendUint32(body, index)
	body = append(body, ciphertext...)

	tag := hmacTag(hmacKey, body)
	signed := append(append([]byte{}, body...), tag...)
	sig := ed25519.Sign(signingKey, signed)
	return append(signed, sig...)
}

// decodedMessage is a verified, parsed wire message. Body is the
// version+index+ciphertext span the MAC tag covers, and Tag is the
// 8-byte HMAC tag itself; the caller re-derives the HMAC key from the
// message key at Index (not known until decodeMessage reads it) and
// verifies Body against Tag.
type decodedMessage struct {
	Index      uint32
	Ciphertext []byte
	Body       []byte
	Tag        []byte
}

// decodeMessage verifies the ed25519 signature and extracts the fields.
func decodeMessage(raw []byte, verifyKey ed25519.PublicKey) (*decodedMessage, error) {
	if len(raw) < 1+4+8+ed25519.SignatureSize {
		return nil, fmt.Errorf("message too short")
	}
	sig := raw[len(raw)-ed25519.SignatureSize:]
	signed := raw[:len(raw)-ed25519.SignatureSize]
	if !ed25519.Verify(verifyKey, signed, sig) {
		return nil, fmt.Errorf("signature verification failed")
	}

	tag := signed[len(signed)-8:]
	body := signed[:len(signed)-8]
	if len(body) < 5 {
		return nil, fmt.Errorf("message body too short")
	}
	if body[0] != megolmVersion {
		return nil, fmt.Errorf("unsupported megolm message version %d", body[0])
	}
	index := binary.BigEndian.Uint32(body[1:5])
	ciphertext := body[5:]
	return &decodedMessage{Index: index, Ciphertext: ciphertext, Body: body, Tag: tag}, nil
}

func verifyTag(hmacKey, body, tag []byte) bool {
	return hmac.Equal(hmacTag(hmacKey, body), tag)
}

func encodeKey(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }
func decodeKey(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}

// DecodeChainKey decodes a base64 chain key as carried in an m.room_key
// session_key string into the fixed-size form Inbound.Install needs.
func DecodeChainKey(s string) ([32]byte, error) {
	var ck [32]byte
	raw, err := decodeKey(s)
	if err != nil || len(raw) != 32 {
		return ck, fmt.Errorf("invalid chain key")
	}
	copy(ck[:], raw)
	return ck, nil
}

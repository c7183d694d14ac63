package olm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// hkdfSHA256 derives length bytes using HKDF-SHA-256.
func hkdfSHA256(salt, ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// rootKDF advances the root chain: given the current root key and a
// fresh DH output, derives a new root key and the chain key for the
// newly started sending or receiving chain.
func rootKDF(rootKey, dhOutput []byte) (newRootKey, newChainKey []byte, err error) {
	out, err := hkdfSHA256(rootKey, dhOutput, []byte("MATRIX_OLM_ROOT"), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// chainKDF derives a message key and the next chain key from a chain key.
func chainKDF(chainKey []byte) (messageKey, nextChainKey []byte) {
	mk := hmac.New(sha256.New, chainKey)
	mk.Write([]byte{0x01})
	messageKey = mk.Sum(nil)

	ck := hmac.New(sha256.New, chainKey)
	ck.Write([]byte{0x02})
	nextChainKey = ck.Sum(nil)
	return messageKey, nextChainKey
}

// messageCipherKeys splits a 32-byte message key into an AES-256 key and
// an HMAC key plus IV, by HKDF-expanding it — the construction both Olm
// and Megolm use (AES-CBC + HMAC-SHA-256, not the AES-GCM AEAD).
func messageCipherKeys(messageKey []byte) (aesKey, hmacKey, iv []byte, err error) {
	out, err := hkdfSHA256(nil, messageKey, []byte("MATRIX_OLM_MSG"), 80)
	if err != nil {
		return nil, nil, nil, err
	}
	return out[:32], out[32:64], out[64:80], nil
}

// ratchetEncrypt encrypts plaintext under messageKey with AES-256-CBC and
// appends an HMAC-SHA-256 tag (truncated to 8 bytes, matching Olm's wire
// format) over the ciphertext.
func ratchetEncrypt(messageKey, plaintext []byte) (ciphertext []byte, err error) {
	aesKey, hmacKey, iv, err := messageCipherKeys(messageKey)
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

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(ct)
	tag := mac.Sum(nil)[:8]

	return append(ct, tag...), nil
}

// ratchetDecrypt verifies the HMAC tag and decrypts ciphertext (which
// must have the 8-byte tag appended, as produced by ratchetEncrypt).
func ratchetDecrypt(messageKey, tagged []byte) ([]byte, error) {
	if len(tagged) < 8 {
		return nil, fmt.Errorf("%w: message too short", crypto.ErrMacFailure)
	}
	ct := tagged[:len(tagged)-8]
	tag := tagged[len(tagged)-8:]

	aesKey, hmacKey, iv, err := messageCipherKeys(messageKey)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(ct)
	expected := mac.Sum(nil)[:8]
	if !hmac.Equal(expected, tag) {
		return nil, crypto.ErrMacFailure
	}

	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block-aligned", crypto.ErrMacFailure)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrMacFailure, err)
	}
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padText := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(append([]byte{}, data...), padText...)
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

// ratchetState is the double-ratchet state shared by both sides of an
// Olm session.
type ratchetState struct {
	dhs *ecdh.PrivateKey // our current ratchet key pair
	dhr *ecdh.PublicKey  // their current ratchet public key, nil until first receive

	rk  []byte // root key
	cks []byte // sending chain key, nil until we have sent
	ckr []byte // receiving chain key, nil until we have received

	ns, nr, pn uint32
}

func newRandomRatchetKeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// dhRatchetStep performs a full DH ratchet step on receipt of a new
// remote ratchet public key: rotates the receiving chain off the DH
// output with the old key pair, then generates a fresh key pair and
// rotates the sending chain off the DH output with the new one.
func (r *ratchetState) dhRatchetStep(remotePub *ecdh.PublicKey) error {
	dhOut, err := r.dhs.ECDH(remotePub)
	if err != nil {
		return fmt.Errorf("dh ratchet (receive): %w", err)
	}
	r.pn = r.ns
	r.ns = 0
	r.nr = 0
	r.rk, r.ckr, err = rootKDF(r.rk, dhOut)
	if err != nil {
		return err
	}
	r.dhr = remotePub

	newPriv, err := newRandomRatchetKeyPair()
	if err != nil {
		return fmt.Errorf("generate new ratchet key: %w", err)
	}
	dhOut2, err := newPriv.ECDH(remotePub)
	if err != nil {
		return fmt.Errorf("dh ratchet (send): %w", err)
	}
	r.rk, r.cks, err = rootKDF(r.rk, dhOut2)
	if err != nil {
		return err
	}
	r.dhs = newPriv
	return nil
}

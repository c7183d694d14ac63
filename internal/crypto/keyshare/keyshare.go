// Package keyshare implements the key-sharing coordinator (component
// C4): given an outbound Megolm session and the current target device
// set for a room, it ensures an Olm session exists with every target
// device (claiming one-time keys where needed), wraps the session key
// into an m.room_key payload, and dispatches it over to-device
// transport.
package keyshare

import (
	"context"
	stded25519 "crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/crypto/megolm"
	"github.com/n42/matrix-crypto-engine/internal/crypto/olm"
	"github.com/n42/matrix-crypto-engine/internal/retry"
)

// verifyEd25519 checks a base64-unpadded ed25519 signature over data
// against a base64-unpadded ed25519 public key, as used for one-time
// key signatures in the device keys API.
func verifyEd25519(signingKey crypto.Ed25519Key, data []byte, sigBase64 string) bool {
	pub, err := base64.RawStdEncoding.DecodeString(string(signingKey))
	if err != nil || len(pub) != stded25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigBase64)
	if err != nil || len(sig) != stded25519.SignatureSize {
		return false
	}
	return stded25519.Verify(pub, data, sig)
}

// roomKeyPayload is the m.room_key inner payload, wrapped inside an Olm
// message before being sent to-device.
type roomKeyPayload struct {
	Algorithm  crypto.Algorithm `json:"algorithm"`
	RoomID     crypto.RoomID    `json:"room_id"`
	SessionID  crypto.SessionID `json:"session_id"`
	SessionKey string           `json:"session_key"`
	ChainIndex uint32           `json:"chain_index"`
}

// Coordinator drives the share algorithm in spec §4.4. It is stateless
// across calls beyond its collaborators (olm.Manager, megolm.Outbound);
// every field is read-only after construction so one Coordinator can
// serve concurrent Share calls for different rooms, the olm/megolm
// single-writer locks providing the only serialization that matters.
type Coordinator struct {
	log       *slog.Logger
	userID    crypto.UserID
	deviceID  crypto.DeviceID
	identity  *olm.Manager
	outbound  *megolm.Outbound
	registry  crypto.DeviceRegistry
	transport crypto.Transport

	claimTimeout         time.Duration
	claimTimeoutPrepared time.Duration
	claimRetry           retry.Policy
	sendRetry            retry.Policy
}

// Config holds the Coordinator's tunables, sourced from EngineConfig.
type Config struct {
	Log *slog.Logger
	// UserID and DeviceID identify the sharing device; they are bound
	// into every wrapped m.room_key payload so the recipient can verify
	// the homeserver did not forge the envelope sender.
	UserID               crypto.UserID
	DeviceID             crypto.DeviceID
	Identity             *olm.Manager
	Outbound             *megolm.Outbound
	Registry             crypto.DeviceRegistry
	Transport            crypto.Transport
	ClaimTimeout         time.Duration // default 2s
	ClaimTimeoutPrepared time.Duration // default 10s
}

// New builds a Coordinator from its collaborators.
func New(cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	claimTimeout := cfg.ClaimTimeout
	if claimTimeout == 0 {
		claimTimeout = 2 * time.Second
	}
	claimTimeoutPrepared := cfg.ClaimTimeoutPrepared
	if claimTimeoutPrepared == 0 {
		claimTimeoutPrepared = 10 * time.Second
	}
	return &Coordinator{
		log:                  log,
		userID:               cfg.UserID,
		deviceID:             cfg.DeviceID,
		identity:             cfg.Identity,
		outbound:             cfg.Outbound,
		registry:             cfg.Registry,
		transport:            cfg.Transport,
		claimTimeout:         claimTimeout,
		claimTimeoutPrepared: claimTimeoutPrepared,
		claimRetry:           retry.Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 3},
		sendRetry:            retry.Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 3},
	}
}

// ShareResult reports which devices a share round actually delivered
// the key to, for the caller to update shared_with bookkeeping only on
// devices that really received it (step 8 of §4.4 — transport failure
// must not advance shared_with).
type ShareResult struct {
	Delivered []crypto.DeviceKey
	Skipped   []SkippedDevice
}

// SkippedDevice names a device excluded from this share round and why:
// the claim RPC not returning a key, an unverifiable claimed key, a
// failed Olm session creation, or a failed Olm encryption of the key.
type SkippedDevice struct {
	Device crypto.DeviceKey
	Reason string
}

// Share runs the full key-sharing algorithm for a room's current
// outbound session against targetDevices, the room's eligible device
// set already filtered to exclude blocked/unverified devices. prepared
// selects the longer claim timeout used when the caller warmed the
// share via Prepare.
func (c *Coordinator) Share(ctx context.Context, roomID crypto.RoomID, targetDevices crypto.DeviceSet, prepared bool) (*ShareResult, error) {
	sess := c.outbound.Get(roomID)
	if sess == nil {
		return nil, fmt.Errorf("share for %s: %w", roomID, crypto.ErrNoSession)
	}

	var needClaim []crypto.DeviceKey
	var haveSession []crypto.DeviceKey
	for user, devices := range targetDevices {
		for deviceID, info := range devices {
			if sess.SharedWith(user, deviceID) {
				continue
			}
			key := crypto.DeviceKey{User: user, Device: deviceID}
			if c.identity.HasSession(info.IdentityKey) {
				haveSession = append(haveSession, key)
			} else {
				needClaim = append(needClaim, key)
			}
		}
	}

	result := &ShareResult{}
	if len(needClaim) > 0 {
		claimed, skipped, err := c.claimAndEstablish(ctx, needClaim, targetDevices, prepared)
		if err != nil {
			return nil, fmt.Errorf("claim one-time keys: %w", err)
		}
		haveSession = append(haveSession, claimed...)
		result.Skipped = append(result.Skipped, skipped...)
	}

	if len(haveSession) == 0 {
		return result, nil
	}

	contentMap, err := c.buildToDeviceContent(sess, haveSession, targetDevices)
	if err != nil {
		return nil, fmt.Errorf("build m.room_key payloads: %w", err)
	}

	err = retry.Do(ctx, c.sendRetry, func(ctx context.Context) error {
		return c.transport.SendToDevice(ctx, "m.room.encrypted", contentMap)
	})
	if err != nil {
		// Transport failure fails the whole share; shared_with must not
		// advance, so the session is left exactly as it was.
		return nil, fmt.Errorf("%w: %v", crypto.ErrToDeviceSendFailed, err)
	}

	for _, dk := range haveSession {
		if _, sent := contentMap[dk.User][dk.Device]; !sent {
			result.Skipped = append(result.Skipped, SkippedDevice{Device: dk, Reason: "olm encryption failed"})
			continue
		}
		if err := c.outbound.MarkShared(roomID, dk.User, dk.Device); err != nil {
			c.log.Warn("mark shared failed", "room", roomID, "user", dk.User, "device", dk.Device, "error", err)
			continue
		}
		result.Delivered = append(result.Delivered, dk)
	}
	return result, nil
}

// claimAndEstablish claims one-time keys for devices lacking a session
// and creates outbound Olm sessions for every successfully and
// verifiably claimed key. Claim failures for individual devices are
// reported as skipped, not propagated as an error, per §4.4's failure
// semantics; only a total claim-RPC failure (after retry) is an error.
func (c *Coordinator) claimAndEstablish(ctx context.Context, devices []crypto.DeviceKey, targetDevices crypto.DeviceSet, prepared bool) ([]crypto.DeviceKey, []SkippedDevice, error) {
	timeout := c.claimTimeout
	if prepared {
		timeout = c.claimTimeoutPrepared
	}

	var claimed map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey
	err := retry.Do(ctx, c.claimRetry, func(ctx context.Context) error {
		result, err := c.transport.ClaimOneTimeKeys(ctx, devices, "signed_curve25519", timeout)
		if err != nil {
			return err
		}
		claimed = result
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", crypto.ErrClaimOneTimeKeysFailed, err)
	}

	var established []crypto.DeviceKey
	var skipped []SkippedDevice
	for _, dk := range devices {
		userDevices, ok := targetDevices[dk.User]
		if !ok {
			continue
		}
		info, ok := userDevices[dk.Device]
		if !ok {
			continue
		}

		key, ok := claimed[dk.User][dk.Device]
		if !ok {
			skipped = append(skipped, SkippedDevice{Device: dk, Reason: "no one-time key claimed"})
			continue
		}
		if !verifySignature(info, key) {
			c.log.Warn("discarding one-time key with unverifiable signature", "user", dk.User, "device", dk.Device)
			skipped = append(skipped, SkippedDevice{Device: dk, Reason: "unverifiable signature"})
			continue
		}

		if _, err := c.identity.CreateOutbound(info.IdentityKey, key.KeyID, crypto.Curve25519Key(key.Key)); err != nil {
			c.log.Warn("create outbound olm session failed", "user", dk.User, "device", dk.Device, "error", err)
			skipped = append(skipped, SkippedDevice{Device: dk, Reason: "olm session creation failed"})
			continue
		}
		established = append(established, dk)
	}
	return established, skipped, nil
}

// verifySignature checks a claimed one-time key's ed25519 signature
// against the claiming device's signing key (signature id
// "ed25519:<device_id>").
func verifySignature(info *crypto.DeviceInfo, key crypto.ClaimedOneTimeKey) bool {
	sigs, ok := key.Signatures[info.UserID]
	if !ok {
		return false
	}
	sig, ok := sigs["ed25519:"+string(info.DeviceID)]
	if !ok {
		return false
	}
	return verifyEd25519(info.SigningKey, []byte(key.Key), sig)
}

// olmEventPayload is the cleartext an Olm to-device message carries:
// the inner event plus sender and recipient bindings the receiving
// device verifies, so a relaying homeserver cannot forge the envelope.
type olmEventPayload struct {
	Sender        crypto.UserID   `json:"sender"`
	SenderDevice  crypto.DeviceID `json:"sender_device"`
	Keys          olmPayloadKeys  `json:"keys"`
	Recipient     crypto.UserID   `json:"recipient"`
	RecipientKeys olmPayloadKeys  `json:"recipient_keys"`
	Type          string          `json:"type"`
	Content       roomKeyPayload  `json:"content"`
}

type olmPayloadKeys struct {
	Ed25519 crypto.Ed25519Key `json:"ed25519"`
}

// buildToDeviceContent constructs the per-device m.olm.v1 to-device
// payload, wrapping the m.room_key inner payload via the device's Olm
// session. The wrapper is rebuilt per recipient: the recipient and
// recipient_keys bindings differ for every device.
func (c *Coordinator) buildToDeviceContent(sess *megolm.OutboundSession, devices []crypto.DeviceKey, targetDevices crypto.DeviceSet) (map[crypto.UserID]map[crypto.DeviceID]crypto.ToDeviceContent, error) {
	chainKey, index, signingKey := megolm.SessionKeyFor(sess)
	roomKey := roomKeyPayload{
		Algorithm:  crypto.AlgorithmMegolmV1,
		RoomID:     sess.RoomID,
		SessionID:  sess.SessionID,
		SessionKey: encodeSessionKey(chainKey, index, signingKey),
		ChainIndex: index,
	}

	contentMap := make(map[crypto.UserID]map[crypto.DeviceID]crypto.ToDeviceContent)
	for _, dk := range devices {
		info := targetDevices[dk.User][dk.Device]
		plaintext, err := json.Marshal(olmEventPayload{
			Sender:        c.userID,
			SenderDevice:  c.deviceID,
			Keys:          olmPayloadKeys{Ed25519: c.identity.Identity().SigningKey()},
			Recipient:     dk.User,
			RecipientKeys: olmPayloadKeys{Ed25519: info.SigningKey},
			Type:          "m.room_key",
			Content:       roomKey,
		})
		if err != nil {
			return nil, err
		}
		msgType, body, err := c.identity.Encrypt(info.IdentityKey, plaintext)
		if err != nil {
			c.log.Warn("olm encrypt of room key failed", "user", dk.User, "device", dk.Device, "error", err)
			continue
		}
		if contentMap[dk.User] == nil {
			contentMap[dk.User] = make(map[crypto.DeviceID]crypto.ToDeviceContent)
		}
		contentMap[dk.User][dk.Device] = crypto.ToDeviceContent{
			"algorithm":  crypto.AlgorithmOlmV1,
			"sender_key": c.identity.Identity().IdentityKey(),
			"ciphertext": map[string]interface{}{
				string(info.IdentityKey): map[string]interface{}{
					"type": int(msgType),
					"body": base64.RawStdEncoding.EncodeToString(body),
				},
			},
		}
	}
	return contentMap, nil
}

// encodeSessionKey packs a megolm chain key, its starting index, and
// the session's ed25519 verification key into the session_key string
// carried in m.room_key.
func encodeSessionKey(chainKeyBase64 string, index uint32, signingKey []byte) string {
	return fmt.Sprintf("%s:%d:%s", chainKeyBase64, index, base64.RawStdEncoding.EncodeToString(signingKey))
}

// DecodeSessionKey reverses encodeSessionKey, used by the pipeline when
// installing a received m.room_key.
func DecodeSessionKey(sessionKey string) (chainKeyBase64 string, index uint32, signingKey []byte, err error) {
	parts := strings.SplitN(sessionKey, ":", 3)
	if len(parts) != 3 {
		return "", 0, nil, fmt.Errorf("malformed session_key")
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, nil, fmt.Errorf("malformed session_key index: %w", err)
	}
	signingKey, err = base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", 0, nil, fmt.Errorf("malformed session_key signing key: %w", err)
	}
	return parts[0], uint32(n), signingKey, nil
}

// NewTransactionID generates a to-device transaction id.
func NewTransactionID() string {
	return uuid.NewString()
}

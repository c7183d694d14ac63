// Package transport implements the homeserver-facing side of the
// crypto engine: a Client satisfying crypto.DeviceRegistry and
// crypto.Transport over the Matrix client-server HTTP API, and a
// websocket-based sync facade that feeds homeserver-pushed
// transactions into the engine when the AS HTTP endpoint cannot be
// reached from the homeserver.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
)

// Client talks to a Matrix homeserver's client-server API on behalf of
// the engine's own appservice bot device. It implements both
// crypto.DeviceRegistry (key queries) and crypto.Transport (one-time
// key claims and to-device sends).
type Client struct {
	log         *slog.Logger
	baseURL     string
	accessToken string
	http        *http.Client
}

// NewClient builds a homeserver API client. baseURL is the homeserver's
// client-server API root, e.g. "https://matrix.example.org".
func NewClient(log *slog.Logger, baseURL, accessToken string) *Client {
	return &Client{
		log:         log,
		baseURL:     baseURL,
		accessToken: accessToken,
		http:        &http.Client{Timeout: 30 * time.Second},
	}
}

type matrixError struct {
	ErrCode string `json:"errcode"`
	Error_  string `json:"error"`
}

func (e *matrixError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Error_)
}

// do issues an authenticated request against the client-server API and
// decodes a JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		var merr matrixError
		if jsonErr := json.Unmarshal(data, &merr); jsonErr == nil && merr.ErrCode != "" {
			return &merr
		}
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --- crypto.DeviceRegistry ---

type keysQueryRequest struct {
	DeviceKeys map[crypto.UserID][]string `json:"device_keys"`
	Timeout    int64                      `json:"timeout,omitempty"`
}

type deviceKeysBlock struct {
	UserID     crypto.UserID              `json:"user_id"`
	DeviceID   crypto.DeviceID            `json:"device_id"`
	Algorithms []string                   `json:"algorithms"`
	Keys       map[string]string          `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures"`
}

type keysQueryResponse struct {
	DeviceKeys map[crypto.UserID]map[crypto.DeviceID]deviceKeysBlock `json:"device_keys"`
}

// DownloadKeys fetches every device's identity and signing keys for a
// set of users via POST /keys/query. force is accepted for interface
// symmetry with a caching registry but this client always round-trips
// the homeserver: it holds no state of its own to invalidate.
func (c *Client) DownloadKeys(ctx context.Context, users []crypto.UserID, force bool) (crypto.DeviceSet, error) {
	req := keysQueryRequest{DeviceKeys: make(map[crypto.UserID][]string, len(users))}
	for _, u := range users {
		req.DeviceKeys[u] = nil
	}

	var resp keysQueryResponse
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", req, &resp); err != nil {
		return nil, fmt.Errorf("keys/query: %w", err)
	}

	out := make(crypto.DeviceSet, len(resp.DeviceKeys))
	for user, devices := range resp.DeviceKeys {
		byDevice := make(map[crypto.DeviceID]*crypto.DeviceInfo, len(devices))
		for deviceID, block := range devices {
			algorithms := make([]crypto.Algorithm, len(block.Algorithms))
			for i, a := range block.Algorithms {
				algorithms[i] = crypto.Algorithm(a)
			}
			byDevice[deviceID] = &crypto.DeviceInfo{
				UserID:      user,
				DeviceID:    deviceID,
				IdentityKey: crypto.Curve25519Key(block.Keys["curve25519:"+string(deviceID)]),
				SigningKey:  crypto.Ed25519Key(block.Keys["ed25519:"+string(deviceID)]),
				Algorithms:  algorithms,
			}
		}
		out[user] = byDevice
	}
	return out, nil
}

// GetStoredDevice looks up a single device via a one-user keys/query.
// Nothing is cached: every call is a fresh keys/query round trip.
func (c *Client) GetStoredDevice(ctx context.Context, user crypto.UserID, device crypto.DeviceID) (*crypto.DeviceInfo, error) {
	devices, err := c.DownloadKeys(ctx, []crypto.UserID{user}, true)
	if err != nil {
		return nil, err
	}
	info, ok := devices[user][device]
	if !ok {
		return nil, fmt.Errorf("device %s/%s not found", user, device)
	}
	return info, nil
}

// --- crypto.Transport ---

type keysClaimRequest struct {
	Timeout   int64                                  `json:"timeout,omitempty"`
	OneTimeKeys map[crypto.UserID]map[crypto.DeviceID]string `json:"one_time_keys"`
}

type claimedKeyBlock map[string]json.RawMessage

type keysClaimResponse struct {
	OneTimeKeys map[crypto.UserID]map[crypto.DeviceID]claimedKeyBlock `json:"one_time_keys"`
}

// ClaimOneTimeKeys claims one one-time key per device via POST
// /keys/claim.
func (c *Client) ClaimOneTimeKeys(ctx context.Context, devices []crypto.DeviceKey, keyAlgorithm string, timeout time.Duration) (map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey, error) {
	req := keysClaimRequest{
		Timeout:     timeout.Milliseconds(),
		OneTimeKeys: make(map[crypto.UserID]map[crypto.DeviceID]string),
	}
	for _, dk := range devices {
		if req.OneTimeKeys[dk.User] == nil {
			req.OneTimeKeys[dk.User] = make(map[crypto.DeviceID]string)
		}
		req.OneTimeKeys[dk.User][dk.Device] = keyAlgorithm
	}

	var resp keysClaimResponse
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", req, &resp); err != nil {
		return nil, fmt.Errorf("keys/claim: %w", err)
	}

	out := make(map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey)
	for user, byDevice := range resp.OneTimeKeys {
		for device, byKeyID := range byDevice {
			for keyID, raw := range byKeyID {
				var body struct {
					Key        string                       `json:"key"`
					Signatures map[crypto.UserID]map[string]string `json:"signatures"`
				}
				if err := json.Unmarshal(raw, &body); err != nil {
					c.log.Warn("discarding unparseable claimed key", "user", user, "device", device, "key_id", keyID, "error", err)
					continue
				}
				if out[user] == nil {
					out[user] = make(map[crypto.DeviceID]crypto.ClaimedOneTimeKey)
				}
				out[user][device] = crypto.ClaimedOneTimeKey{
					KeyID:      keyID,
					Key:        body.Key,
					Signatures: body.Signatures,
				}
			}
		}
	}
	return out, nil
}

type sendToDeviceRequest struct {
	Messages map[crypto.UserID]map[crypto.DeviceID]crypto.ToDeviceContent `json:"messages"`
}

// SendToDevice dispatches a to-device message batch via PUT
// /sendToDevice/{eventType}/{txnId}, generating a fresh transaction id
// per call. A caller's retry is therefore a new transaction, which the
// homeserver does not deduplicate against the earlier attempt.
func (c *Client) SendToDevice(ctx context.Context, eventType string, contentMap map[crypto.UserID]map[crypto.DeviceID]crypto.ToDeviceContent) error {
	txnID := uuid.NewString()
	path := "/_matrix/client/v3/sendToDevice/" + url.PathEscape(eventType) + "/" + url.PathEscape(txnID)
	req := sendToDeviceRequest{Messages: contentMap}
	if err := c.do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("sendToDevice: %w", err)
	}
	return nil
}

// UploadFallbackKey publishes this device's current fallback key via
// POST /keys/upload. signedKey is keyed by "signed_curve25519:<id>" and
// already carries the fallback flag and signature.
func (c *Client) UploadFallbackKey(ctx context.Context, signedKey map[string]json.RawMessage) error {
	body := struct {
		FallbackKeys map[string]json.RawMessage `json:"fallback_keys"`
	}{FallbackKeys: signedKey}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", body, nil); err != nil {
		return fmt.Errorf("keys/upload fallback key: %w", err)
	}
	return nil
}

// UploadDeviceKeys publishes this device's own signed identity and
// signing keys via POST /keys/upload. deviceKeys is the already-signed
// device_keys JSON object (the caller owns the signing key).
func (c *Client) UploadDeviceKeys(ctx context.Context, deviceKeys json.RawMessage) error {
	body := struct {
		DeviceKeys json.RawMessage `json:"device_keys"`
	}{DeviceKeys: deviceKeys}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", body, nil); err != nil {
		return fmt.Errorf("keys/upload device keys: %w", err)
	}
	return nil
}

// UploadOneTimeKeys publishes this device's own one-time keys via POST
// /keys/upload. signedKeys holds each key's already-signed JSON body
// (the caller, which owns the signing key, builds these); this client
// only transports them.
func (c *Client) UploadOneTimeKeys(ctx context.Context, signedKeys map[string]json.RawMessage) (map[string]int, error) {
	body := struct {
		OneTimeKeys map[string]json.RawMessage `json:"one_time_keys"`
	}{OneTimeKeys: signedKeys}

	var resp struct {
		OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", body, &resp); err != nil {
		return nil, fmt.Errorf("keys/upload: %w", err)
	}
	return resp.OneTimeKeyCounts, nil
}

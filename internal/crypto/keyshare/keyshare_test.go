package keyshare

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/crypto/megolm"
	"github.com/n42/matrix-crypto-engine/internal/crypto/olm"
)

// fakeRegistry is not actually consulted by Coordinator.Share (the
// caller is expected to have already resolved targetDevices), kept only
// to satisfy the Config field.
type fakeRegistry struct{}

func (fakeRegistry) DownloadKeys(ctx context.Context, users []crypto.UserID, force bool) (crypto.DeviceSet, error) {
	return nil, nil
}
func (fakeRegistry) GetStoredDevice(ctx context.Context, user crypto.UserID, device crypto.DeviceID) (*crypto.DeviceInfo, error) {
	return nil, nil
}

// fakeTransport simulates claim + send, letting tests control failures.
type fakeTransport struct {
	claimFunc func(ctx context.Context, devices []crypto.DeviceKey, alg string, timeout time.Duration) (map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey, error)
	sendFunc  func(ctx context.Context, eventType string, contentMap map[crypto.UserID]map[crypto.DeviceID]crypto.ToDeviceContent) error
	sent      []map[crypto.UserID]map[crypto.DeviceID]crypto.ToDeviceContent
}

func (f *fakeTransport) ClaimOneTimeKeys(ctx context.Context, devices []crypto.DeviceKey, alg string, timeout time.Duration) (map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey, error) {
	return f.claimFunc(ctx, devices, alg, timeout)
}

func (f *fakeTransport) SendToDevice(ctx context.Context, eventType string, contentMap map[crypto.UserID]map[crypto.DeviceID]crypto.ToDeviceContent) error {
	if f.sendFunc != nil {
		if err := f.sendFunc(ctx, eventType, contentMap); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, contentMap)
	return nil
}

const (
	testUser   = crypto.UserID("@bob:example.org")
	testDevice = crypto.DeviceID("BOBDEVICE")
	testRoom   = crypto.RoomID("!room:example.org")
)

func setup(t *testing.T) (*olm.Manager, *olm.Manager, *megolm.Outbound) {
	t.Helper()
	aliceIdentity, err := olm.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	bobIdentity, err := olm.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	alice := olm.NewManager(aliceIdentity)
	bob := olm.NewManager(bobIdentity)

	out := megolm.NewOutbound()
	if _, err := out.StartSession(testRoom, time.Unix(0, 0)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return alice, bob, out
}

func TestCoordinator_ShareEstablishesSessionAndDelivers(t *testing.T) {
	alice, bob, out := setup(t)

	signPub, signPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	device := &crypto.DeviceInfo{
		UserID:      testUser,
		DeviceID:    testDevice,
		IdentityKey: bob.Identity().IdentityKey(),
		SigningKey:  crypto.Ed25519Key(base64.RawStdEncoding.EncodeToString(signPub)),
	}
	targets := crypto.DeviceSet{testUser: {testDevice: device}}

	otk := signedOneTimeKey(t, bob, device, signPriv)

	transport := &fakeTransport{
		claimFunc: func(ctx context.Context, devices []crypto.DeviceKey, alg string, timeout time.Duration) (map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey, error) {
			return map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey{
				testUser: {testDevice: otk},
			}, nil
		},
	}

	coord := New(Config{
		Identity:  alice,
		Outbound:  out,
		Registry:  fakeRegistry{},
		Transport: transport,
	})

	result, err := coord.Share(context.Background(), testRoom, targets, false)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if len(result.Delivered) != 1 {
		t.Fatalf("expected 1 delivered device, got %d (%v)", len(result.Delivered), result.Skipped)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("expected 1 to-device send, got %d", len(transport.sent))
	}
	if !out.Get(testRoom).SharedWith(testUser, testDevice) {
		t.Fatal("expected shared_with to record the device")
	}
}

func TestCoordinator_UnverifiableSignatureSkipsDevice(t *testing.T) {
	alice, bob, out := setup(t)

	signPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	device := &crypto.DeviceInfo{
		UserID:      testUser,
		DeviceID:    testDevice,
		IdentityKey: bob.Identity().IdentityKey(),
		SigningKey:  crypto.Ed25519Key(base64.RawStdEncoding.EncodeToString(signPub)), // real key...
	}
	targets := crypto.DeviceSet{testUser: {testDevice: device}}

	otk := signedOneTimeKey(t, bob, device, wrongPriv) // signed with a key that doesn't match device.SigningKey

	transport := &fakeTransport{
		claimFunc: func(ctx context.Context, devices []crypto.DeviceKey, alg string, timeout time.Duration) (map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey, error) {
			return map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey{
				testUser: {testDevice: otk},
			}, nil
		},
	}

	coord := New(Config{Identity: alice, Outbound: out, Registry: fakeRegistry{}, Transport: transport})
	result, err := coord.Share(context.Background(), testRoom, targets, false)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if len(result.Delivered) != 0 {
		t.Fatalf("expected 0 delivered, got %d", len(result.Delivered))
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("expected 1 skipped device, got %d", len(result.Skipped))
	}
}

func TestCoordinator_TransportFailureDoesNotAdvanceSharedWith(t *testing.T) {
	alice, bob, out := setup(t)

	signPub, signPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	device := &crypto.DeviceInfo{
		UserID:      testUser,
		DeviceID:    testDevice,
		IdentityKey: bob.Identity().IdentityKey(),
		SigningKey:  crypto.Ed25519Key(base64.RawStdEncoding.EncodeToString(signPub)),
	}
	targets := crypto.DeviceSet{testUser: {testDevice: device}}
	otk := signedOneTimeKey(t, bob, device, signPriv)

	transport := &fakeTransport{
		claimFunc: func(ctx context.Context, devices []crypto.DeviceKey, alg string, timeout time.Duration) (map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey, error) {
			return map[crypto.UserID]map[crypto.DeviceID]crypto.ClaimedOneTimeKey{testUser: {testDevice: otk}}, nil
		},
		sendFunc: func(ctx context.Context, eventType string, contentMap map[crypto.UserID]map[crypto.DeviceID]crypto.ToDeviceContent) error {
			return fmt.Errorf("simulated transport failure")
		},
	}

	coord := New(Config{
		Identity:  alice,
		Outbound:  out,
		Registry:  fakeRegistry{},
		Transport: transport,
		// fast retry for the test
		ClaimTimeout: time.Millisecond,
	})
	coord.sendRetry.BaseDelay = time.Millisecond
	coord.sendRetry.MaxDelay = time.Millisecond
	coord.sendRetry.MaxAttempts = 1

	_, err = coord.Share(context.Background(), testRoom, targets, false)
	if !errors.Is(err, crypto.ErrToDeviceSendFailed) {
		t.Fatalf("expected ErrToDeviceSendFailed, got %v", err)
	}
	if out.Get(testRoom).SharedWith(testUser, testDevice) {
		t.Fatal("shared_with must not advance on transport failure")
	}
}

func TestEncodeDecodeSessionKey_RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	encoded := encodeSessionKey("chainkeybase64", 42, pub)
	chainKey, index, signingKey, err := DecodeSessionKey(encoded)
	if err != nil {
		t.Fatalf("DecodeSessionKey: %v", err)
	}
	if chainKey != "chainkeybase64" || index != 42 || string(signingKey) != string(pub) {
		t.Fatalf("round trip mismatch: %q %d %x", chainKey, index, signingKey)
	}
}

// signedOneTimeKey signs a one-time key claimed from bob using priv —
// a key pair kept separate from bob's olm.Identity (which only exposes
// its public signing key) so tests can also exercise a signature that
// does not match the device's advertised signing key.
func signedOneTimeKey(t *testing.T, bob *olm.Manager, device *crypto.DeviceInfo, priv ed25519.PrivateKey) crypto.ClaimedOneTimeKey {
	t.Helper()
	if _, err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	published := bob.PublishOneTimeKeys()
	if len(published) != 1 {
		t.Fatalf("expected 1 published key, got %d", len(published))
	}
	keyID, pub := published[0].KeyID, published[0].PublicKey

	sig := ed25519.Sign(priv, []byte(pub))
	return crypto.ClaimedOneTimeKey{
		KeyID: keyID,
		Key:   string(pub),
		Signatures: map[crypto.UserID]map[string]string{
			device.UserID: {"ed25519:" + string(device.DeviceID): base64.RawStdEncoding.EncodeToString(sig)},
		},
	}
}

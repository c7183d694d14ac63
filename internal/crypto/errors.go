package crypto

import "errors"

// Sentinel errors matching the taxonomy in the engine's error-handling
// design. Callers match with errors.Is; components wrap these with
// fmt.Errorf("...: %w", ...) for context.
var (
	// ErrUnencryptedRoom is surfaced directly to the caller of encrypt.
	ErrUnencryptedRoom = errors.New("room has no encryption algorithm configured")

	// ErrNoSession means no Olm session exists yet for an outbound
	// encrypt; the caller is expected to claim a one-time key and retry.
	ErrNoSession = errors.New("no olm session for remote identity key")
	// ErrUnknownSession means a Megolm or Olm decrypt referenced a
	// session this device never installed.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnknownIndex means a Megolm message index precedes the
	// session's first known index (the ratchet cannot rewind to it).
	ErrUnknownIndex = errors.New("message index precedes first known index")

	// ErrCorruptSession: a prekey message matched an existing session
	// by one-time-key id but failed to decrypt. Fatal, not retried.
	ErrCorruptSession = errors.New("olm session corrupt: matching prekey message failed to decrypt")
	// ErrMacFailure is a cryptographic authentication failure.
	ErrMacFailure = errors.New("mac verification failed")
	// ErrRoomMismatch: the decrypted payload names a different room_id
	// than the envelope it arrived in.
	ErrRoomMismatch = errors.New("room id mismatch between payload and envelope")
	// ErrRecipientMismatch: an Olm payload's recipient/recipient_keys
	// does not match this device.
	ErrRecipientMismatch = errors.New("olm payload recipient mismatch")
	// ErrSenderMismatch: an Olm payload's sender does not match the
	// envelope's sender.
	ErrSenderMismatch = errors.New("olm payload sender mismatch")
	// ErrReplay: the same (sender_key, session_id, message_index) was
	// already accepted with a different (event_id, origin_ts).
	ErrReplay = errors.New("replay: message index already decrypted under a different event")

	// ErrUnsupportedAlgorithm: the wire algorithm string has no
	// registered handler.
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")

	// ErrClaimOneTimeKeysFailed: every claim in a batch failed (total
	// failure, as opposed to per-device skips).
	ErrClaimOneTimeKeysFailed = errors.New("claiming one-time keys failed")
	// ErrToDeviceSendFailed: the bulk to-device send failed after
	// retries; the outbound session stays in Setting-up.
	ErrToDeviceSendFailed = errors.New("to-device send failed")
	// ErrDeviceBlocked: a device is excluded from the target set
	// because it is blocked.
	ErrDeviceBlocked = errors.New("device is blocked")

	// ErrSetupCancelled: prepare()'s cancel function was invoked before
	// the setup task completed.
	ErrSetupCancelled = errors.New("session setup was cancelled")
)

// DecryptionError is the stable, UI-facing shape of a failed decrypt: a
// machine-matchable Code alongside the underlying sentinel for
// errors.Is/errors.As use.
type DecryptionError struct {
	Code string
	Err  error
}

func (e *DecryptionError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// NewDecryptionError builds a DecryptionError with the caller-supplied
// Code (e.g. "UNKNOWN_SESSION") wrapping err.
func NewDecryptionError(code string, err error) *DecryptionError {
	return &DecryptionError{Code: code, Err: err}
}

// Soft reports whether a decryption error is recoverable via the pending
// queue / key-request flow, as opposed to fatal for the event.
func (e *DecryptionError) Soft() bool {
	return errors.Is(e.Err, ErrUnknownSession) || errors.Is(e.Err, ErrUnknownIndex) || errors.Is(e.Err, ErrNoSession)
}

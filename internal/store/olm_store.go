package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/crypto/olm"
)

// AccountStore persists one device's Olm account (identity key pair,
// signing key pair, one-time-key pool) as a single opaque blob per
// device id.
type AccountStore struct {
	db *sql.DB
}

// Put upserts the device's account pickle.
func (s *AccountStore) Put(ctx context.Context, deviceID string, pickle *olm.AccountPickle) error {
	data, err := json.Marshal(pickle)
	if err != nil {
		return fmt.Errorf("marshal account pickle: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO olm_account (device_id, pickle, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (device_id) DO UPDATE SET pickle = EXCLUDED.pickle, updated_at = NOW()
	`, deviceID, data)
	if err != nil {
		return fmt.Errorf("put olm account: %w", err)
	}
	return nil
}

// Get loads a device's account pickle, or returns (nil, nil) if none
// has been stored yet.
func (s *AccountStore) Get(ctx context.Context, deviceID string) (*olm.AccountPickle, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT pickle FROM olm_account WHERE device_id = $1`, deviceID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get olm account: %w", err)
	}
	pickle := &olm.AccountPickle{}
	if err := json.Unmarshal(data, pickle); err != nil {
		return nil, fmt.Errorf("unmarshal account pickle: %w", err)
	}
	return pickle, nil
}

// OlmSessionStore persists Olm sessions keyed by the owning device, the
// remote identity key they're paired with, and their own session id —
// the "Olm sessions by remote identity key" persistence contract.
type OlmSessionStore struct {
	db *sql.DB
}

// Put upserts a single session's pickle.
func (s *OlmSessionStore) Put(ctx context.Context, deviceID string, remoteIdentityKey crypto.Curve25519Key, sessionID crypto.SessionID, pickle *olm.SessionPickle) error {
	data, err := json.Marshal(pickle)
	if err != nil {
		return fmt.Errorf("marshal session pickle: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO olm_session (device_id, remote_identity_key, session_id, pickle, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (device_id, remote_identity_key, session_id) DO UPDATE SET
			pickle = EXCLUDED.pickle, updated_at = NOW()
	`, deviceID, string(remoteIdentityKey), string(sessionID), data)
	if err != nil {
		return fmt.Errorf("put olm session: %w", err)
	}
	return nil
}

// ListByRemote returns every session pickle for one remote identity
// key, keyed by session id, for Manager reconstruction at startup.
func (s *OlmSessionStore) ListByRemote(ctx context.Context, deviceID string, remoteIdentityKey crypto.Curve25519Key) (map[crypto.SessionID]*olm.SessionPickle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, pickle FROM olm_session WHERE device_id = $1 AND remote_identity_key = $2`,
		deviceID, string(remoteIdentityKey))
	if err != nil {
		return nil, fmt.Errorf("list olm sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[crypto.SessionID]*olm.SessionPickle)
	for rows.Next() {
		var sessionID string
		var data []byte
		if err := rows.Scan(&sessionID, &data); err != nil {
			return nil, fmt.Errorf("scan olm session: %w", err)
		}
		pickle := &olm.SessionPickle{}
		if err := json.Unmarshal(data, pickle); err != nil {
			return nil, fmt.Errorf("unmarshal session pickle %s: %w", sessionID, err)
		}
		out[crypto.SessionID(sessionID)] = pickle
	}
	return out, rows.Err()
}

// ListAll returns every session pickle for a device across all remote
// identity keys, for a full Manager reload.
func (s *OlmSessionStore) ListAll(ctx context.Context, deviceID string) (map[crypto.Curve25519Key]map[crypto.SessionID]*olm.SessionPickle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT remote_identity_key, session_id, pickle FROM olm_session WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list all olm sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[crypto.Curve25519Key]map[crypto.SessionID]*olm.SessionPickle)
	for rows.Next() {
		var remote, sessionID string
		var data []byte
		if err := rows.Scan(&remote, &sessionID, &data); err != nil {
			return nil, fmt.Errorf("scan olm session: %w", err)
		}
		pickle := &olm.SessionPickle{}
		if err := json.Unmarshal(data, pickle); err != nil {
			return nil, fmt.Errorf("unmarshal session pickle %s: %w", sessionID, err)
		}
		key := crypto.Curve25519Key(remote)
		if out[key] == nil {
			out[key] = make(map[crypto.SessionID]*olm.SessionPickle)
		}
		out[key][crypto.SessionID(sessionID)] = pickle
	}
	return out, rows.Err()
}

// DeleteByRemote removes every session a device holds for one remote
// identity key. The engine does not call it: sessions dropped in memory
// by Manager.DiscardSessions keep their rows here.
func (s *OlmSessionStore) DeleteByRemote(ctx context.Context, deviceID string, remoteIdentityKey crypto.Curve25519Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM olm_session WHERE device_id = $1 AND remote_identity_key = $2`,
		deviceID, string(remoteIdentityKey))
	if err != nil {
		return fmt.Errorf("delete olm sessions: %w", err)
	}
	return nil
}

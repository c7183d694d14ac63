package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/crypto/megolm"
)

// MegolmInboundStore persists inbound Megolm sessions keyed by
// (device, room, sender_key, session_id) — the persistence contract's
// "Megolm inbound sessions by (room, sender_key, session_id)".
type MegolmInboundStore struct {
	db *sql.DB
}

// Put upserts a single inbound session's exported form.
func (s *MegolmInboundStore) Put(ctx context.Context, deviceID string, exp *megolm.ExportedSession) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("marshal inbound session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO megolm_inbound (device_id, room_id, sender_key, session_id, pickle, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (device_id, room_id, sender_key, session_id) DO UPDATE SET
			pickle = EXCLUDED.pickle, updated_at = NOW()
	`, deviceID, string(exp.RoomID), string(exp.SenderKey), string(exp.SessionID), data)
	if err != nil {
		return fmt.Errorf("put megolm inbound session: %w", err)
	}
	return nil
}

// Get loads a single inbound session by its full key, or (nil, nil) if
// not found.
func (s *MegolmInboundStore) Get(ctx context.Context, deviceID string, roomID crypto.RoomID, senderKey crypto.Curve25519Key, sessionID crypto.SessionID) (*megolm.ExportedSession, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT pickle FROM megolm_inbound
		WHERE device_id = $1 AND room_id = $2 AND sender_key = $3 AND session_id = $4
	`, deviceID, string(roomID), string(senderKey), string(sessionID)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get megolm inbound session: %w", err)
	}
	exp := &megolm.ExportedSession{}
	if err := json.Unmarshal(data, exp); err != nil {
		return nil, fmt.Errorf("unmarshal inbound session: %w", err)
	}
	return exp, nil
}

// ListAll returns every inbound session a device holds, for Inbound
// reconstruction at startup.
func (s *MegolmInboundStore) ListAll(ctx context.Context, deviceID string) ([]*megolm.ExportedSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pickle FROM megolm_inbound WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list megolm inbound sessions: %w", err)
	}
	defer rows.Close()

	var out []*megolm.ExportedSession
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan megolm inbound session: %w", err)
		}
		exp := &megolm.ExportedSession{}
		if err := json.Unmarshal(data, exp); err != nil {
			return nil, fmt.Errorf("unmarshal inbound session: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// MegolmOutboundStore persists outbound Megolm sessions keyed by
// (device, room), including the per-device shared_with tracking bits.
type MegolmOutboundStore struct {
	db *sql.DB
}

// Put upserts the outbound session for a room.
func (s *MegolmOutboundStore) Put(ctx context.Context, deviceID string, pickle *megolm.OutboundPickle) error {
	data, err := json.Marshal(pickle)
	if err != nil {
		return fmt.Errorf("marshal outbound session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO megolm_outbound (device_id, room_id, pickle, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (device_id, room_id) DO UPDATE SET pickle = EXCLUDED.pickle, updated_at = NOW()
	`, deviceID, string(pickle.RoomID), data)
	if err != nil {
		return fmt.Errorf("put megolm outbound session: %w", err)
	}
	return nil
}

// Get loads the outbound session for a room, or (nil, nil) if none
// exists.
func (s *MegolmOutboundStore) Get(ctx context.Context, deviceID string, roomID crypto.RoomID) (*megolm.OutboundPickle, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT pickle FROM megolm_outbound WHERE device_id = $1 AND room_id = $2`,
		deviceID, string(roomID)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get megolm outbound session: %w", err)
	}
	pickle := &megolm.OutboundPickle{}
	if err := json.Unmarshal(data, pickle); err != nil {
		return nil, fmt.Errorf("unmarshal outbound session: %w", err)
	}
	return pickle, nil
}

// Delete removes a room's outbound session, e.g. after a membership
// change discards it.
func (s *MegolmOutboundStore) Delete(ctx context.Context, deviceID string, roomID crypto.RoomID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM megolm_outbound WHERE device_id = $1 AND room_id = $2`, deviceID, string(roomID))
	if err != nil {
		return fmt.Errorf("delete megolm outbound session: %w", err)
	}
	return nil
}

// ListAll returns every outbound session a device holds, for Outbound
// reconstruction at startup.
func (s *MegolmOutboundStore) ListAll(ctx context.Context, deviceID string) ([]*megolm.OutboundPickle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pickle FROM megolm_outbound WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list megolm outbound sessions: %w", err)
	}
	defer rows.Close()

	var out []*megolm.OutboundPickle
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan megolm outbound session: %w", err)
		}
		pickle := &megolm.OutboundPickle{}
		if err := json.Unmarshal(data, pickle); err != nil {
			return nil, fmt.Errorf("unmarshal outbound session: %w", err)
		}
		out = append(out, pickle)
	}
	return out, rows.Err()
}

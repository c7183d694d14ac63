package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/crypto/megolm"
	"github.com/n42/matrix-crypto-engine/internal/crypto/olm"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestAccountStore_PutGet(t *testing.T) {
	db, mock := newMockDB(t)
	s := &AccountStore{db: db}
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO olm_account").
		WithArgs("device1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pickle := &olm.AccountPickle{CurvePrivate: []byte("curve"), EdPrivate: []byte("ed"), OTKCounter: 3}
	if err := s.Put(ctx, "device1", pickle); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rows := sqlmock.NewRows([]string{"pickle"}).AddRow(`{"CurvePrivate":"Y3VydmU=","EdPrivate":"ZWQ=","OTKCounter":3,"OneTimeKeys":null}`)
	mock.ExpectQuery("SELECT pickle FROM olm_account").
		WithArgs("device1").
		WillReturnRows(rows)

	got, err := s.Get(ctx, "device1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OTKCounter != 3 {
		t.Fatalf("OTKCounter = %d, want 3", got.OTKCounter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccountStore_GetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	s := &AccountStore{db: db}

	mock.ExpectQuery("SELECT pickle FROM olm_account").
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)

	got, err := s.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing account, got %+v", got)
	}
}

func TestOlmSessionStore_PutListByRemote(t *testing.T) {
	db, mock := newMockDB(t)
	s := &OlmSessionStore{db: db}
	ctx := context.Background()
	remote := crypto.Curve25519Key("remoteidkey")

	mock.ExpectExec("INSERT INTO olm_session").
		WithArgs("device1", string(remote), "sess1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pickle := &olm.SessionPickle{RemoteIdentityKey: remote, NS: 2}
	if err := s.Put(ctx, "device1", remote, "sess1", pickle); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rows := sqlmock.NewRows([]string{"session_id", "pickle"}).
		AddRow("sess1", `{"RemoteIdentityKey":"remoteidkey","NS":2}`)
	mock.ExpectQuery("SELECT session_id, pickle FROM olm_session").
		WithArgs("device1", string(remote)).
		WillReturnRows(rows)

	got, err := s.ListByRemote(ctx, "device1", remote)
	if err != nil {
		t.Fatalf("ListByRemote: %v", err)
	}
	if len(got) != 1 || got["sess1"].NS != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOlmSessionStore_DeleteByRemote(t *testing.T) {
	db, mock := newMockDB(t)
	s := &OlmSessionStore{db: db}
	remote := crypto.Curve25519Key("remoteidkey")

	mock.ExpectExec("DELETE FROM olm_session").
		WithArgs("device1", string(remote)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := s.DeleteByRemote(context.Background(), "device1", remote); err != nil {
		t.Fatalf("DeleteByRemote: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMegolmInboundStore_PutGet(t *testing.T) {
	db, mock := newMockDB(t)
	s := &MegolmInboundStore{db: db}
	ctx := context.Background()

	exp := &megolm.ExportedSession{
		RoomID:         "!room:example.com",
		SenderKey:      "senderkey",
		SessionID:      "session1",
		ChainKeyBase64: "chainkey",
		Index:          0,
	}

	mock.ExpectExec("INSERT INTO megolm_inbound").
		WithArgs("device1", string(exp.RoomID), string(exp.SenderKey), string(exp.SessionID), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Put(ctx, "device1", exp); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rows := sqlmock.NewRows([]string{"pickle"}).
		AddRow(`{"RoomID":"!room:example.com","SenderKey":"senderkey","SessionID":"session1","SigningKey":null,"ChainKeyBase64":"chainkey","Index":0,"Forwarded":false}`)
	mock.ExpectQuery("SELECT pickle FROM megolm_inbound").
		WithArgs("device1", string(exp.RoomID), string(exp.SenderKey), string(exp.SessionID)).
		WillReturnRows(rows)

	got, err := s.Get(ctx, "device1", exp.RoomID, exp.SenderKey, exp.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ChainKeyBase64 != "chainkey" {
		t.Fatalf("unexpected result: %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMegolmOutboundStore_PutGetDelete(t *testing.T) {
	db, mock := newMockDB(t)
	s := &MegolmOutboundStore{db: db}
	ctx := context.Background()
	room := crypto.RoomID("!room:example.com")

	pickle := &megolm.OutboundPickle{RoomID: room, Messages: 5}

	mock.ExpectExec("INSERT INTO megolm_outbound").
		WithArgs("device1", string(room), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Put(ctx, "device1", pickle); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rows := sqlmock.NewRows([]string{"pickle"}).
		AddRow(`{"RoomID":"!room:example.com","SessionID":"","SigningKey":null,"CreatedAt":"0001-01-01T00:00:00Z","State":0,"Counter":0,"Chain":null,"Messages":5,"SharedWith":null}`)
	mock.ExpectQuery("SELECT pickle FROM megolm_outbound").
		WithArgs("device1", string(room)).
		WillReturnRows(rows)

	got, err := s.Get(ctx, "device1", room)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Messages != 5 {
		t.Fatalf("unexpected result: %+v", got)
	}

	mock.ExpectExec("DELETE FROM megolm_outbound").
		WithArgs("device1", string(room)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Delete(ctx, "device1", room); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

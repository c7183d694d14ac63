package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/transport"
)

// recorderSink records transactions instead of processing them.
type recorderSink struct {
	txns []*transport.Transaction
	bot  crypto.UserID
}

func (r *recorderSink) HandleTransaction(ctx context.Context, txn *transport.Transaction) {
	r.txns = append(r.txns, txn)
}

func (r *recorderSink) BotUserID() crypto.UserID { return r.bot }

func newTestASHandler(sink *recorderSink) *ASHandler {
	return NewASHandler(testLog, "secret_hs_token", sink)
}

func TestASHandler_RejectsBadToken(t *testing.T) {
	h := newTestASHandler(&recorderSink{})

	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/1", strings.NewReader(`{"events":[]}`))
	req.Header.Set("Authorization", "Bearer wrong_token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestASHandler_DispatchesTransaction(t *testing.T) {
	sink := &recorderSink{}
	h := newTestASHandler(sink)

	body := `{
		"events": [
			{"event_id": "$1", "type": "m.room.message", "room_id": "!r:example.org", "sender": "@alice:example.org", "content": {}},
			{"event_id": "$2", "type": "m.room.encrypted", "room_id": "!r:example.org", "sender": "@alice:example.org", "content": {}}
		],
		"de.sorunome.msc2409.to_device": [
			{"type": "m.room.encrypted", "sender": "@alice:example.org", "content": {}}
		]
	}`
	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/42", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret_hs_token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(sink.txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(sink.txns))
	}
	txn := sink.txns[0]
	if len(txn.Events) != 2 {
		t.Errorf("expected 2 room events, got %d", len(txn.Events))
	}
	if len(txn.ToDevice) != 1 {
		t.Errorf("expected 1 to-device event, got %d", len(txn.ToDevice))
	}
	if txn.Events[0].ID != "$1" || txn.Events[0].RoomID != "!r:example.org" {
		t.Errorf("first event parsed wrong: %+v", txn.Events[0])
	}
}

func TestASHandler_RejectsMalformedJSON(t *testing.T) {
	sink := &recorderSink{}
	h := newTestASHandler(sink)

	req := httptest.NewRequest(http.MethodPut, "/transactions/7", strings.NewReader(`{not json`))
	req.Header.Set("Authorization", "Bearer secret_hs_token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(sink.txns) != 0 {
		t.Fatalf("expected no transactions recorded, got %d", len(sink.txns))
	}
}

func TestASHandler_UserQuery(t *testing.T) {
	sink := &recorderSink{bot: "@cryptoenginebot:example.org"}
	h := newTestASHandler(sink)

	tests := []struct {
		userID string
		want   int
	}{
		{"@cryptoenginebot:example.org", http.StatusOK},
		{"@someone:example.org", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/_matrix/app/v1/users/"+tt.userID, nil)
		req.Header.Set("Authorization", "Bearer secret_hs_token")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("user query %s: expected %d, got %d", tt.userID, tt.want, w.Code)
		}
	}
}

func TestASHandler_Ping(t *testing.T) {
	h := newTestASHandler(&recorderSink{})

	req := httptest.NewRequest(http.MethodGet, "/_matrix/app/v1/ping", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

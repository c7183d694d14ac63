package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://hs.example.org/path", "wss://hs.example.org/path"},
		{"http://localhost:8008/path", "ws://localhost:8008/path"},
		{"wss://already.example.org", "wss://already.example.org"},
	}
	for _, tt := range tests {
		if got := wsURL(tt.in); got != tt.want {
			t.Errorf("wsURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSyncClient_ReceivesTransactionAndAcks(t *testing.T) {
	upgrader := websocket.Upgrader{}

	gotAuth := make(chan string, 1)
	gotAck := make(chan wsMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		greeting, _ := json.Marshal(wsMessage{Type: "connected"})
		if err := conn.WriteMessage(websocket.TextMessage, greeting); err != nil {
			t.Errorf("write greeting: %v", err)
			return
		}

		frame := `{
			"type": "transaction",
			"txn_id": "txn-1",
			"events": [{"event_id": "$1", "type": "m.room.message", "room_id": "!r:example.org", "sender": "@a:example.org", "content": {}}],
			"de.sorunome.msc2409.to_device": [{"type": "m.room.encrypted", "sender": "@a:example.org", "content": {}}]
		}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Errorf("write transaction: %v", err)
			return
		}

		var ack wsMessage
		if err := conn.ReadJSON(&ack); err != nil {
			t.Errorf("read ack: %v", err)
			return
		}
		gotAck <- ack

		// Keep the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	received := make(chan *Transaction, 1)
	client := NewSyncClient(SyncConfig{
		Log:         testLog,
		URL:         strings.Replace(srv.URL, "http://", "ws://", 1),
		AccessToken: "as_token_abc",
		OnTransaction: func(ctx context.Context, txn *Transaction) {
			received <- txn
		},
	})
	client.Start(context.Background())
	defer client.Stop()

	select {
	case auth := <-gotAuth:
		if auth != "Bearer as_token_abc" {
			t.Errorf("expected bearer auth header, got %q", auth)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
	}

	select {
	case txn := <-received:
		if len(txn.Events) != 1 || txn.Events[0].ID != "$1" {
			t.Errorf("transaction events parsed wrong: %+v", txn.Events)
		}
		if len(txn.ToDevice) != 1 || txn.ToDevice[0].Type != "m.room.encrypted" {
			t.Errorf("to-device events parsed wrong: %+v", txn.ToDevice)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transaction")
	}

	select {
	case ack := <-gotAck:
		if ack.Type != "ack" || ack.TxnID != "txn-1" {
			t.Errorf("expected ack for txn-1, got %+v", ack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

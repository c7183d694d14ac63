package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SyncClient maintains an outbound websocket connection to the
// homeserver and feeds the transactions pushed over it into a handler.
// It is the ingestion path for deployments where the homeserver cannot
// reach the engine's AS HTTP endpoint: instead of the homeserver
// PUTting transactions, the engine dials out and the homeserver pushes
// the same transaction payloads down the socket.
type SyncClient struct {
	log           *slog.Logger
	url           string
	accessToken   string
	onTransaction func(ctx context.Context, txn *Transaction)

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// SyncConfig holds a SyncClient's collaborators and connection settings.
type SyncConfig struct {
	Log *slog.Logger
	// URL is the homeserver's appservice websocket endpoint. An http or
	// https scheme is rewritten to ws/wss.
	URL         string
	AccessToken string
	// OnTransaction is invoked for each transaction pushed down the
	// socket, on the read-loop goroutine.
	OnTransaction func(ctx context.Context, txn *Transaction)
}

// NewSyncClient builds a SyncClient. Call Start to connect.
func NewSyncClient(cfg SyncConfig) *SyncClient {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &SyncClient{
		log:           log,
		url:           wsURL(cfg.URL),
		accessToken:   cfg.AccessToken,
		onTransaction: cfg.OnTransaction,
	}
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// wsMessage is one frame of the websocket transaction protocol. The
// homeserver pushes {"type": "transaction", "txn_id": ..., events...};
// the client acknowledges each txn_id so the homeserver can advance its
// delivery cursor.
type wsMessage struct {
	Type  string `json:"type"`
	TxnID string `json:"txn_id,omitempty"`
	Transaction
}

// Start connects and runs the read loop until Stop or ctx cancellation.
// Reconnection with exponential backoff is handled internally; Start
// itself returns immediately.
func (s *SyncClient) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop closes the connection and halts reconnection attempts.
func (s *SyncClient) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (s *SyncClient) run(ctx context.Context) {
	defer close(s.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("sync websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// connectAndRead dials the websocket and pumps transactions until the
// connection drops. A successful dial does not reset the caller's
// backoff: run doubles it after every disconnect, capped at 30s, so a
// flapping homeserver is not hammered.
func (s *SyncClient) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.accessToken)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.log.Info("sync websocket connected", "url", s.url)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Minute))

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingStop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed websocket frame", "error", err)
			continue
		}

		switch msg.Type {
		case "transaction":
			if s.onTransaction != nil {
				s.onTransaction(ctx, &msg.Transaction)
			}
			ack, _ := json.Marshal(wsMessage{Type: "ack", TxnID: msg.TxnID})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return fmt.Errorf("write ack: %w", err)
			}
		case "connected", "":
			// Greeting or keepalive frame; nothing to do.
		default:
			s.log.Debug("ignoring websocket frame", "type", msg.Type)
		}
	}
}

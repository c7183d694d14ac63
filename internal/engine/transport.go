package engine

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/transport"
)

// ASHandler implements the Matrix Application Service HTTP API: the
// homeserver PUTs transactions containing the room events and MSC2409
// to-device events the engine consumes.
type ASHandler struct {
	log     *slog.Logger
	hsToken string // Token that the homeserver uses to authenticate
	sink    Sink
	mux     *http.ServeMux
}

// Sink is the engine-side consumer an ASHandler feeds. *Engine
// satisfies it; tests substitute a recorder.
type Sink interface {
	HandleTransaction(ctx context.Context, txn *transport.Transaction)
	BotUserID() crypto.UserID
}

// NewASHandler creates a new Application Service HTTP handler.
func NewASHandler(log *slog.Logger, hsToken string, sink Sink) *ASHandler {
	h := &ASHandler{
		log:     log,
		hsToken: hsToken,
		sink:    sink,
		mux:     http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *ASHandler) registerRoutes() {
	// Transaction endpoint — receives events from the homeserver
	h.mux.HandleFunc("PUT /transactions/{txnId}", h.handleTransaction)
	h.mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnId}", h.handleTransaction)

	// User query — homeserver asks if a user exists
	h.mux.HandleFunc("GET /users/{userId}", h.handleUserQuery)
	h.mux.HandleFunc("GET /_matrix/app/v1/users/{userId}", h.handleUserQuery)

	// Room query — the engine claims no room aliases
	h.mux.HandleFunc("GET /rooms/{roomAlias}", h.handleRoomQuery)
	h.mux.HandleFunc("GET /_matrix/app/v1/rooms/{roomAlias}", h.handleRoomQuery)

	// Health check
	h.mux.HandleFunc("GET /_matrix/app/v1/ping", h.handlePing)
	h.mux.HandleFunc("GET /health", h.handlePing)
}

// ServeHTTP implements http.Handler.
func (h *ASHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authenticate verifies the homeserver token from the request.
func (h *ASHandler) authenticate(r *http.Request) bool {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.hsToken)) == 1
}

// handleTransaction processes a transaction of events from the
// homeserver: timeline/state events plus the MSC2409 to-device batch.
func (h *ASHandler) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		h.jsonError(w, http.StatusForbidden, "M_FORBIDDEN", "bad token")
		return
	}

	var txn transport.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		h.jsonError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid JSON")
		return
	}

	h.sink.HandleTransaction(r.Context(), &txn)
	h.jsonOK(w)
}

// handleUserQuery responds to user existence queries from the
// homeserver. The engine owns a single bot user and no puppets.
func (h *ASHandler) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		h.jsonError(w, http.StatusForbidden, "M_FORBIDDEN", "bad token")
		return
	}

	userID := r.PathValue("userId")
	if userID == "" {
		h.jsonError(w, http.StatusBadRequest, "M_BAD_REQUEST", "missing user ID")
		return
	}

	if crypto.UserID(userID) == h.sink.BotUserID() {
		h.jsonOK(w)
		return
	}

	h.jsonError(w, http.StatusNotFound, "M_NOT_FOUND", "user not found")
}

// handleRoomQuery responds to room alias queries from the homeserver.
func (h *ASHandler) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		h.jsonError(w, http.StatusForbidden, "M_FORBIDDEN", "bad token")
		return
	}

	// The engine registers no room aliases
	h.jsonError(w, http.StatusNotFound, "M_NOT_FOUND", "room not found")
}

// handlePing responds to health/ping checks.
func (h *ASHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{}`)
}

func (h *ASHandler) jsonOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{}`)
}

func (h *ASHandler) jsonError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp, _ := json.Marshal(map[string]string{
		"errcode": errCode,
		"error":   message,
	})
	w.Write(resp)
}

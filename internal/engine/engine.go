// Package engine wires the crypto components into a runnable process:
// it owns the database, the homeserver client, the Olm/Megolm state,
// the key-sharing coordinator and event pipeline, and the two ingestion
// paths (the AS transaction HTTP endpoint and the websocket sync
// facade) that feed homeserver-pushed events into the pipeline.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/n42/matrix-crypto-engine/internal/config"
	"github.com/n42/matrix-crypto-engine/internal/crypto"
	"github.com/n42/matrix-crypto-engine/internal/crypto/keyshare"
	"github.com/n42/matrix-crypto-engine/internal/crypto/megolm"
	"github.com/n42/matrix-crypto-engine/internal/crypto/olm"
	"github.com/n42/matrix-crypto-engine/internal/crypto/pipeline"
	"github.com/n42/matrix-crypto-engine/internal/metrics"
	"github.com/n42/matrix-crypto-engine/internal/store"
	"github.com/n42/matrix-crypto-engine/internal/transport"
)

// Engine is the main entry point that ties all components together.
type Engine struct {
	Config  *config.Config
	DB      *store.Database
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// Client talks to the homeserver. Registry and Transport default to
	// it but can be replaced before Start for testing.
	Client    *transport.Client
	Registry  crypto.DeviceRegistry
	Transport crypto.Transport

	ASHandler *ASHandler

	identity   *olm.Manager
	inbound    *megolm.Inbound
	outbound   *megolm.Outbound
	share      *keyshare.Coordinator
	pipeline   *pipeline.Pipeline
	syncClient *transport.SyncClient

	httpServer    *http.Server
	metricsServer *http.Server

	mu      sync.Mutex
	members map[crypto.RoomID]map[crypto.UserID]struct{}
	running bool
}

// New creates a new Engine instance from the given configuration.
func New(cfg *config.Config, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		Config:  cfg,
		Log:     log,
		members: make(map[crypto.RoomID]map[crypto.UserID]struct{}),
	}

	db, err := store.New(cfg.Database.Type, cfg.Database.URI, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	e.DB = db

	return e, nil
}

// BotUserID returns the engine's own Matrix user id.
func (e *Engine) BotUserID() crypto.UserID {
	return crypto.UserID(fmt.Sprintf("@%s:%s", e.Config.AppService.Bot.Username, e.Config.Homeserver.Domain))
}

// Start initializes all components and starts the engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine is already running")
	}

	e.Log.Info("starting crypto engine")

	e.Metrics = metrics.NewMetrics()

	if err := e.DB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	e.Log.Info("database migrations complete")

	e.Client = transport.NewClient(
		e.Log.With("component", "client"),
		e.Config.Homeserver.Address,
		e.Config.AppService.ASToken,
	)
	if e.Registry == nil {
		e.Registry = e.Client
	}
	if e.Transport == nil {
		e.Transport = e.Client
	}

	if err := e.loadCryptoState(ctx); err != nil {
		return fmt.Errorf("load crypto state: %w", err)
	}
	e.initCrypto()

	if err := e.publishKeys(ctx); err != nil {
		// Keys are published only here, at startup, and a failed upload
		// is not retried; the engine still starts so the ingestion paths
		// come up.
		e.Log.Warn("initial key publish failed", "error", err)
	}

	e.ASHandler = NewASHandler(
		e.Log.With("component", "as_handler"),
		e.Config.AppService.HSToken,
		e,
	)

	if e.Config.AppService.SyncWebsocket {
		e.syncClient = transport.NewSyncClient(transport.SyncConfig{
			Log:           e.Log.With("component", "sync"),
			URL:           e.Config.Homeserver.Address + "/_matrix/client/unstable/fi.mau.as_sync",
			AccessToken:   e.Config.AppService.ASToken,
			OnTransaction: e.HandleTransaction,
		})
		e.syncClient.Start(ctx)
		e.Log.Info("websocket sync started")
	} else {
		listenAddr := fmt.Sprintf("%s:%d", e.Config.AppService.Hostname, e.Config.AppService.Port)
		e.httpServer = &http.Server{
			Addr:         listenAddr,
			Handler:      e.ASHandler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			e.Log.Info("AS HTTP server listening", "addr", listenAddr)
			if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				e.Log.Error("HTTP server error", "error", err)
			}
		}()
	}

	if e.Config.Metrics.Enabled {
		e.startMetricsServer()
	}

	e.running = true
	e.Log.Info("crypto engine started successfully", "device_id", e.Config.Engine.DeviceID)

	return nil
}

// initCrypto builds the key-sharing coordinator and event pipeline on
// top of the already-loaded olm/megolm state. Split from Start so tests
// can wire an Engine with fake registry/transport and no database.
func (e *Engine) initCrypto() {
	engCfg := e.Config.Engine

	e.share = keyshare.New(keyshare.Config{
		Log:                  e.Log.With("component", "keyshare"),
		UserID:               e.BotUserID(),
		DeviceID:             crypto.DeviceID(engCfg.DeviceID),
		Identity:             e.identity,
		Outbound:             e.outbound,
		Registry:             e.Registry,
		Transport:            e.Transport,
		ClaimTimeout:         time.Duration(engCfg.OTKClaimTimeoutMS) * time.Millisecond,
		ClaimTimeoutPrepared: time.Duration(engCfg.OTKClaimTimeoutPreparedMS) * time.Millisecond,
	})

	e.pipeline = pipeline.New(pipeline.Config{
		Log:                       e.Log.With("component", "pipeline"),
		OurUserID:                 e.BotUserID(),
		Identity:                  e.identity,
		Inbound:                   e.inbound,
		Outbound:                  e.outbound,
		Share:                     e.share,
		PendingQueueMaxPerSession: engCfg.PendingQueueMaxPerSession,
		DestroyOnCorruptSession:   engCfg.DestroyOnCorruptSession,
		OnDrain: func(eventID string, cleartext []byte) {
			e.Metrics.IncrEventsDrained()
			e.Log.Info("queued event decrypted after key install", "event_id", eventID)
		},
	})
}

// loadCryptoState restores the Olm account, Olm sessions, and Megolm
// inbound/outbound sessions from the database, creating a fresh account
// on first run.
func (e *Engine) loadCryptoState(ctx context.Context) error {
	deviceID := e.Config.Engine.DeviceID

	pickle, err := e.DB.Accounts.Get(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load olm account: %w", err)
	}

	var identity *olm.Identity
	if pickle == nil {
		identity, err = olm.NewIdentity()
		if err != nil {
			return fmt.Errorf("create olm identity: %w", err)
		}
		if err := e.DB.Accounts.Put(ctx, deviceID, identity.Export()); err != nil {
			return fmt.Errorf("persist new olm account: %w", err)
		}
		e.Log.Info("created new olm identity", "identity_key", identity.IdentityKey())
	} else {
		identity, err = olm.ImportIdentity(pickle)
		if err != nil {
			return fmt.Errorf("import olm account: %w", err)
		}
		e.Log.Info("restored olm identity", "identity_key", identity.IdentityKey())
	}
	e.identity = olm.NewManager(identity)

	sessions, err := e.DB.OlmSessions.ListAll(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load olm sessions: %w", err)
	}
	sessionCount := 0
	for remoteKey, byID := range sessions {
		for sessionID, sp := range byID {
			sess, err := olm.ImportSession(sessionID, sp)
			if err != nil {
				e.Log.Warn("skipping unimportable olm session", "remote", remoteKey, "session_id", sessionID, "error", err)
				continue
			}
			e.identity.InstallSession(remoteKey, sess)
			sessionCount++
		}
	}

	e.inbound = megolm.NewInbound(e.Config.Engine.SeenIndexEvictionThreshold)
	inboundSessions, err := e.DB.MegolmInbound.ListAll(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load megolm inbound sessions: %w", err)
	}
	for _, exp := range inboundSessions {
		if err := e.inbound.Import(exp); err != nil {
			e.Log.Warn("skipping unimportable megolm inbound session", "session_id", exp.SessionID, "error", err)
		}
	}

	e.outbound = megolm.NewOutbound()
	outboundSessions, err := e.DB.MegolmOutbound.ListAll(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load megolm outbound sessions: %w", err)
	}
	for _, op := range outboundSessions {
		if err := e.outbound.Install(megolm.ImportOutbound(op)); err != nil {
			e.Log.Warn("skipping unimportable megolm outbound session", "room", op.RoomID, "error", err)
		}
	}

	e.Log.Info("crypto state loaded",
		"olm_sessions", sessionCount,
		"megolm_inbound", len(inboundSessions),
		"megolm_outbound", len(outboundSessions))

	return nil
}

// persistCryptoState writes the account, every Olm session, and every
// Megolm session back to the database. Mutating entry points call this
// after handling a batch so a crash never loses more than the batch in
// flight.
func (e *Engine) persistCryptoState(ctx context.Context) {
	if e.DB == nil {
		return
	}
	deviceID := e.Config.Engine.DeviceID

	if err := e.DB.Accounts.Put(ctx, deviceID, e.identity.Identity().Export()); err != nil {
		e.Log.Error("persist olm account failed", "error", err)
	}
	for remoteKey, sessions := range e.identity.Sessions() {
		for _, sess := range sessions {
			if err := e.DB.OlmSessions.Put(ctx, deviceID, remoteKey, sess.ID(), sess.Export()); err != nil {
				e.Log.Error("persist olm session failed", "remote", remoteKey, "session_id", sess.ID(), "error", err)
			}
		}
	}
	for _, exp := range e.inbound.All() {
		if err := e.DB.MegolmInbound.Put(ctx, deviceID, exp); err != nil {
			e.Log.Error("persist megolm inbound session failed", "session_id", exp.SessionID, "error", err)
		}
	}
	for roomID, sess := range e.outbound.All() {
		if err := e.DB.MegolmOutbound.Put(ctx, deviceID, sess.Export()); err != nil {
			e.Log.Error("persist megolm outbound session failed", "room", roomID, "error", err)
		}
	}
}

// publishKeys uploads the device's signed identity keys and tops the
// one-time-key pool up to its configured target.
func (e *Engine) publishKeys(ctx context.Context) error {
	if e.Client == nil {
		return nil
	}

	deviceKeys, err := e.signedDeviceKeys()
	if err != nil {
		return fmt.Errorf("build device keys: %w", err)
	}
	if err := e.Client.UploadDeviceKeys(ctx, deviceKeys); err != nil {
		return err
	}

	if err := e.publishFallbackKey(ctx); err != nil {
		return err
	}

	return e.topUpOneTimeKeys(ctx)
}

// publishFallbackKey ensures a fallback key exists and is uploaded, so
// peers can still establish sessions when the one-time-key pool runs
// dry between top-ups.
func (e *Engine) publishFallbackKey(ctx context.Context) error {
	identity := e.identity.Identity()
	fb, ok := identity.FallbackKey()
	if !ok {
		var err error
		fb, err = identity.GenerateFallbackKey()
		if err != nil {
			return err
		}
	}

	unsigned := map[string]interface{}{"key": fb.PublicKey, "fallback": true}
	data, err := json.Marshal(unsigned)
	if err != nil {
		return err
	}
	sig := base64.RawStdEncoding.EncodeToString(identity.Sign(data))
	unsigned["signatures"] = map[crypto.UserID]map[string]string{
		e.BotUserID(): {"ed25519:" + e.Config.Engine.DeviceID: sig},
	}
	signed, err := json.Marshal(unsigned)
	if err != nil {
		return err
	}

	return e.Client.UploadFallbackKey(ctx, map[string]json.RawMessage{
		"signed_curve25519:" + fb.KeyID: signed,
	})
}

// topUpOneTimeKeys generates one-time keys up to the configured pool
// target, signs each, and uploads the batch.
func (e *Engine) topUpOneTimeKeys(ctx context.Context) error {
	identity := e.identity.Identity()
	target := e.Config.Engine.OneTimeKeyTargetPool
	if have := identity.TargetPoolSize(); have < target {
		if _, err := e.identity.GenerateOneTimeKeys(target - have); err != nil {
			return fmt.Errorf("generate one-time keys: %w", err)
		}
	}

	published := e.identity.PublishOneTimeKeys()
	if len(published) == 0 {
		return nil
	}

	signed := make(map[string]json.RawMessage, len(published))
	for _, otk := range published {
		body, err := e.signedOneTimeKey(otk)
		if err != nil {
			return fmt.Errorf("sign one-time key %s: %w", otk.KeyID, err)
		}
		signed["signed_curve25519:"+otk.KeyID] = body
	}

	counts, err := e.Client.UploadOneTimeKeys(ctx, signed)
	if err != nil {
		return err
	}
	e.Metrics.SetOneTimeKeyPoolSize(int64(counts["signed_curve25519"]))
	e.Log.Info("one-time keys uploaded", "count", len(signed))
	return nil
}

// signedDeviceKeys builds the signed device_keys upload object binding
// the device's curve25519 identity key and ed25519 signing key to its
// user and device id.
func (e *Engine) signedDeviceKeys() (json.RawMessage, error) {
	identity := e.identity.Identity()
	deviceID := e.Config.Engine.DeviceID
	userID := e.BotUserID()

	unsigned := map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
		"algorithms": []crypto.Algorithm{
			crypto.AlgorithmOlmV1,
			crypto.AlgorithmMegolmV1,
		},
		"keys": map[string]string{
			"curve25519:" + deviceID: string(identity.IdentityKey()),
			"ed25519:" + deviceID:    string(identity.SigningKey()),
		},
	}
	data, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}

	sig := base64.RawStdEncoding.EncodeToString(identity.Sign(data))
	unsigned["signatures"] = map[crypto.UserID]map[string]string{
		userID: {"ed25519:" + deviceID: sig},
	}
	return json.Marshal(unsigned)
}

// signedOneTimeKey builds one signed_curve25519 upload body.
func (e *Engine) signedOneTimeKey(otk olm.PublishedOneTimeKey) (json.RawMessage, error) {
	identity := e.identity.Identity()
	deviceID := e.Config.Engine.DeviceID

	unsigned := map[string]interface{}{"key": otk.PublicKey}
	data, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}

	sig := base64.RawStdEncoding.EncodeToString(identity.Sign(data))
	unsigned["signatures"] = map[crypto.UserID]map[string]string{
		e.BotUserID(): {"ed25519:" + deviceID: sig},
	}
	return json.Marshal(unsigned)
}

// Stop gracefully shuts down all engine components.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}

	e.Log.Info("stopping crypto engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.metricsServer != nil {
		if err := e.metricsServer.Shutdown(shutdownCtx); err != nil {
			e.Log.Error("metrics server shutdown error", "error", err)
		}
	}

	if e.httpServer != nil {
		if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
			e.Log.Error("HTTP server shutdown error", "error", err)
		}
	}

	if e.syncClient != nil {
		e.syncClient.Stop()
	}

	e.persistCryptoState(shutdownCtx)

	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			e.Log.Error("database close error", "error", err)
		}
	}

	e.running = false
	e.Log.Info("crypto engine stopped")

	return nil
}

// Run starts the engine and blocks until a shutdown signal is received.
func (e *Engine) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	e.Log.Info("received shutdown signal", "signal", sig)

	return e.Stop()
}

// startMetricsServer starts a dedicated HTTP server for Prometheus
// metrics and health checks.
func (e *Engine) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Metrics.Handler())
	mux.HandleFunc("/health", e.handleHealth)

	e.metricsServer = &http.Server{
		Addr:         e.Config.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		e.Log.Info("metrics server listening", "addr", e.Config.Metrics.Listen)
		if err := e.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.Log.Error("metrics server error", "error", err)
		}
	}()
}

// handleHealth serves a JSON health check response.
func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := e.Metrics.HealthStatus()
	status["device_id"] = e.Config.Engine.DeviceID
	status["identity_key"] = e.identity.Identity().IdentityKey()

	e.mu.Lock()
	status["tracked_rooms"] = len(e.members)
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	data, err := json.Marshal(status)
	if err != nil {
		e.Log.Error("failed to marshal health status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

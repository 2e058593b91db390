package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/internal/registry"
)

// Identity is what authentication hands the hub: who connected and which
// patients their role lets them watch.
type Identity struct {
	UserID string
	Filter registry.Filter
}

// Authenticator verifies an upgrade request. Token and role handling live
// with the caller; the hub only consumes the resulting identity.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// Config holds hub tuning knobs
type Config struct {
	Addr            string
	Path            string
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	SendBufferSize  int
	InactivityLimit time.Duration
}

// Hub serves the realtime alert stream to dashboard connections. Each
// connection is registered as a subscriber; pushes flow through the
// dispatcher into the connection's buffered send channel, so one slow
// socket never blocks another.
type Hub struct {
	config   Config
	registry *registry.Registry
	machine  *alerting.Machine
	auth     Authenticator
	logger   *zap.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	history   HistoryProvider
	snapshots SnapshotProvider
	samples   SampleProvider

	mu    sync.Mutex
	conns map[string]*conn

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewHub creates the realtime hub
func NewHub(cfg Config, reg *registry.Registry, machine *alerting.Machine, auth Authenticator, logger *zap.Logger) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/alerts/stream"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		// Must fire before the pong deadline expires.
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}
	if cfg.InactivityLimit <= 0 {
		cfg.InactivityLimit = 2 * time.Minute
	}

	return &Hub{
		config:   cfg,
		registry: reg,
		machine:  machine,
		auth:     auth,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:  make(map[string]*conn),
		stopCh: make(chan struct{}),
	}
}

// Start begins serving the websocket endpoint
func (h *Hub) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(h.config.Path, h.handleUpgrade)
	h.registerQueryRoutes(mux)

	h.server = &http.Server{
		Addr:    h.config.Addr,
		Handler: mux,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("hub failed to listen on %s: %w", h.config.Addr, err)
	case <-time.After(100 * time.Millisecond):
	}

	h.wg.Add(1)
	go h.sweepInactive()

	h.logger.Info("hub listening",
		zap.String("addr", h.config.Addr),
		zap.String("path", h.config.Path),
	)
	return nil
}

// Stop closes all connections and shuts the server down
func (h *Hub) Stop(ctx context.Context) error {
	close(h.stopCh)

	h.mu.Lock()
	for _, c := range h.conns {
		c.close()
	}
	h.mu.Unlock()

	h.wg.Wait()

	if h.server != nil {
		return h.server.Shutdown(ctx)
	}
	return nil
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Warn("rejected connection", zap.Error(err))
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	c := newConn(connID, ws, identity, h)

	if err := h.registry.Register(connID, identity.Filter, c); err != nil {
		h.logger.Warn("registration failed",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		ws.Close()
		return
	}

	h.mu.Lock()
	h.conns[connID] = c
	h.mu.Unlock()

	h.logger.Info("subscriber connected",
		zap.String("conn_id", connID),
		zap.String("user_id", identity.UserID),
	)

	welcome, _ := protocol.EncodeMessage(&protocol.ConnectedMessage{
		Type:         protocol.MsgTypeConnected,
		ConnectionID: connID,
	})
	c.enqueue(welcome)

	h.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// drop tears one connection down: registry, conn table, socket
func (h *Hub) drop(c *conn) {
	if err := h.registry.Unregister(c.id); err == nil {
		h.logger.Info("subscriber disconnected", zap.String("conn_id", c.id))
	}

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.close()
}

// sweepInactive periodically terminates connections with no traffic. The
// ping/pong deadlines catch most dead sockets; this sweep is the backstop
// for connections that never complete a handshake round.
func (h *Hub) sweepInactive() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.InactivityLimit / 2)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			for _, connID := range h.registry.GetInactive(h.config.InactivityLimit) {
				h.mu.Lock()
				c, ok := h.conns[connID]
				h.mu.Unlock()
				if ok {
					h.logger.Info("terminating inactive connection", zap.String("conn_id", connID))
					h.drop(c)
				}
			}
		}
	}
}

// handleClientMessage processes one inbound frame from a subscriber
func (h *Hub) handleClientMessage(c *conn, data []byte) {
	h.registry.Touch(c.id)

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	switch m := msg.(type) {
	case *protocol.PingMessage:
		pong, _ := protocol.EncodeMessage(&protocol.PongMessage{Type: protocol.MsgTypePong})
		c.enqueue(pong)

	case *protocol.SubscribeMessage:
		h.handleSubscribe(c, m)

	case *protocol.AcknowledgeMessage:
		if _, err := h.machine.Acknowledge(context.Background(), m.EventID, c.identity.UserID); err != nil {
			c.sendError(fmt.Sprintf("acknowledge failed: %v", err))
		}

	case *protocol.ResolveMessage:
		if _, err := h.machine.Resolve(context.Background(), m.EventID, c.identity.UserID); err != nil {
			c.sendError(fmt.Sprintf("resolve failed: %v", err))
		}
	}
}

// handleSubscribe narrows the connection's filter. A subscriber can only
// narrow within the scope its role granted at connect time.
func (h *Hub) handleSubscribe(c *conn, msg *protocol.SubscribeMessage) {
	if len(msg.Patients) == 0 {
		c.sendError("patients list is required")
		return
	}

	granted := c.identity.Filter
	for _, patientID := range msg.Patients {
		if !granted.Matches(patientID) {
			c.sendError(fmt.Sprintf("not authorized for patient %s", patientID))
			return
		}
	}

	if err := h.registry.UpdateFilter(c.id, registry.FilterPatients(msg.Patients...)); err != nil {
		c.sendError(err.Error())
	}
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Package gateway turns inbound WebSocket connections into authenticated,
// group-joined connection records and dispatches their post-handshake
// operations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/cache"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/identity"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// Config holds gateway transport settings.
type Config struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size" yaml:"write_buffer_size"`
	SendBufferSize  int           `mapstructure:"send_buffer_size" yaml:"send_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// DefaultConfig returns production transport settings.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBufferSize:  256,
		MaxMessageSize:  4096,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Gateway authenticates inbound connections and owns their lifecycle.
type Gateway struct {
	cfg      Config
	logger   *zap.Logger
	registry *Registry
	identity identity.Service
	store    cache.Store
	upgrader websocket.Upgrader
}

// New creates a gateway.
func New(cfg Config, registry *Registry, idsvc identity.Service, store cache.Store, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		identity: idsvc,
		store:    store,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Registry exposes the connection registry for the scheduler.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// credential extracts the bearer credential, presented either as a query
// parameter during the upgrade or as an Authorization header.
func credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, identity.ErrMissingCredential):
		return ReasonMissingCredential
	case errors.Is(err, identity.ErrExpiredCredential):
		return ReasonExpiredCredential
	default:
		return ReasonUnknownUser
	}
}

// HandleUpgrade upgrades the HTTP request, authenticates the handshake and,
// on success, registers the connection and starts its pumps. Rejected
// handshakes get a reason-coded error event and a close frame; no
// connection record is ever created for them.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ident, err := g.identity.Lookup(r.Context(), credential(r))
	if err != nil {
		reason := rejectionReason(err)
		metrics.HandshakeRejections.WithLabelValues(reason).Inc()
		ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		ws.WriteMessage(websocket.TextMessage, newErrorEvent(reason))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
		ws.Close()
		return
	}

	c := newConn(ws, ident.UserID, ident.Tier, g.cfg.SendBufferSize)
	g.registry.Add(c)
	g.registry.Join(c.ID, c.Tier.GroupKey())
	g.registry.Join(c.ID, UserGroup(c.UserID))

	c.TrySend(marshalEvent(ConnectedEvent{
		Type:      EventConnected,
		Tier:      c.Tier.String(),
		CadenceMs: tier.CadenceMs(c.Tier),
	}))

	g.logger.Info("connection established",
		zap.String("conn_id", c.ID.String()),
		zap.String("user_id", c.UserID.String()),
		zap.String("tier", c.Tier.String()))

	go c.writePump(g.cfg.PingInterval, g.cfg.WriteTimeout)
	go g.readPump(c)
}

// readPump reads and dispatches inbound operations until the transport
// closes, then destroys the connection. It blocks only on this connection's
// own socket.
func (g *Gateway) readPump(c *Conn) {
	defer func() {
		g.registry.Remove(c.ID)
		c.shutdown("")
		g.logger.Debug("connection closed", zap.String("conn_id", c.ID.String()))
	}()

	c.ws.SetReadLimit(g.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.Touch()

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.TrySend(newErrorEvent(ReasonBadRequest))
			continue
		}
		g.dispatch(c, msg)
	}
}

// dispatch routes one decoded client operation. Authorization failures are
// reported per-request; the connection stays live.
func (g *Gateway) dispatch(c *Conn, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Op {
	case OpSubscribeSymbol:
		if msg.Symbol == "" {
			c.TrySend(newErrorEvent(ReasonBadRequest))
			return
		}
		g.registry.Join(c.ID, SymbolGroup(msg.Symbol))

	case OpUnsubscribeSymbol:
		if msg.Symbol == "" {
			c.TrySend(newErrorEvent(ReasonBadRequest))
			return
		}
		g.registry.Leave(c.ID, SymbolGroup(msg.Symbol))

	case OpSubscribeWatchlist:
		g.subscribeWatchlist(ctx, c, msg.WatchlistID)

	case OpRequestRefresh:
		g.deliverRefresh(ctx, c)

	default:
		c.TrySend(newErrorEvent(ReasonBadRequest))
	}
}

func (g *Gateway) subscribeWatchlist(ctx context.Context, c *Conn, rawID string) {
	wlID, err := uuid.Parse(rawID)
	if err != nil {
		c.TrySend(newErrorEvent(ReasonBadRequest))
		return
	}

	owns, err := g.identity.OwnsWatchlist(ctx, c.UserID, wlID)
	if err != nil {
		g.logger.Error("watchlist ownership check failed",
			zap.String("watchlist_id", wlID.String()), zap.Error(err))
		c.TrySend(newErrorEvent(ReasonNotWatchlistOwner))
		return
	}
	if !owns {
		c.TrySend(newErrorEvent(ReasonNotWatchlistOwner))
		return
	}

	symbols, err := g.identity.WatchlistSymbols(ctx, wlID)
	if err != nil {
		g.logger.Error("watchlist symbols lookup failed",
			zap.String("watchlist_id", wlID.String()), zap.Error(err))
		c.TrySend(newErrorEvent(ReasonNotWatchlistOwner))
		return
	}
	g.registry.JoinWatchlist(c.ID, wlID, symbols)
}

// deliverRefresh pushes the current cached aggregate snapshot off-cycle,
// still subject to the connection's tier row cap. A missing or stale cache
// entry produces no delivery, matching sweep semantics.
func (g *Gateway) deliverRefresh(ctx context.Context, c *Conn) {
	snap, ok := g.store.GetSnapshot(ctx, cache.SnapshotKey(models.AllSymbols))
	if !ok {
		return
	}
	c.TrySend(NewSnapshotEvent(tier.Truncate(snap, c.Tier)))
}

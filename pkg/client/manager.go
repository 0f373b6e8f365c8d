// Package client maintains one logical connection to the distribution
// server per consumer session: it authenticates, resubscribes, reconnects
// with bounded backoff and keeps a durable last-known snapshot for offline
// fallback.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client: manager closed")
	// ErrNotConnected is returned by subscription operations while no
	// transport is live.
	ErrNotConnected = errors.New("client: not connected")
)

// State is the manager's connection lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateReconnecting
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the manager.
type Status struct {
	State               State
	Tier                string
	CadenceMs           int64
	ConsecutiveFailures int
	LastDelivery        time.Time
}

// SnapshotHandler receives each delivered snapshot.
type SnapshotHandler func(snap *models.Snapshot)

// AlertHandler receives off-cadence symbol alerts.
type AlertHandler func(symbol string, payload json.RawMessage, at time.Time)

// Config holds client settings.
type Config struct {
	// URL is the server's WebSocket endpoint.
	URL string
	// Credential is the bearer credential presented at handshake.
	Credential string

	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// MaxFailures is the consecutive-failure count that parks the
	// manager in the error state instead of retrying forever.
	MaxFailures int
	ReadLimit   int64

	// OfflinePath enables the durable fallback store when non-empty.
	OfflinePath string
	// DefaultTier keys cold-start offline lookups before the server has
	// told us the session's real tier.
	DefaultTier string
}

// DefaultConfig returns client defaults for everything but URL/Credential.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		MaxFailures:      5,
		ReadLimit:        1 << 20,
		DefaultTier:      "free",
	}
}

type opMessage struct {
	Op          string `json:"op"`
	Symbol      string `json:"symbol,omitempty"`
	WatchlistID string `json:"watchlist_id,omitempty"`
}

// Manager owns the session's single upstream connection.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *zap.Logger
	offline *OfflineStore

	// Callback slots. Swapping a handler only writes the slot; the
	// connection lifecycle never depends on handler identity.
	onSnapshot atomic.Value // SnapshotHandler
	onAlert    atomic.Value // AlertHandler

	state        atomic.Int32
	tierName     atomic.Value // string
	cadenceMs    atomic.Int64
	lastDelivery atomic.Int64 // unix nanos
	lastSnap     atomic.Value // *models.Snapshot

	mu         sync.Mutex
	transport  Transport
	gen        int
	pending    chan struct{}
	connectErr error
	failures   int
	retryTimer *time.Timer
	closed     bool
}

// New creates a manager using the WebSocket transport.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	return NewWithDialer(cfg, nil, logger)
}

// NewWithDialer creates a manager with an injected dialer. A nil dialer
// selects the WebSocket one.
func NewWithDialer(cfg Config, dialer Dialer, logger *zap.Logger) (*Manager, error) {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = def.DefaultTier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = wsDialer{handshakeTimeout: cfg.HandshakeTimeout, readLimit: cfg.ReadLimit}
	}

	m := &Manager{cfg: cfg, dialer: dialer, logger: logger}
	if cfg.OfflinePath != "" {
		store, err := OpenOfflineStore(cfg.OfflinePath)
		if err != nil {
			return nil, fmt.Errorf("open offline store: %w", err)
		}
		m.offline = store
	}
	return m, nil
}

// OnSnapshot installs (or replaces) the snapshot handler. Callers may pass a
// fresh closure on every invocation; only the slot changes, never the
// connection.
func (m *Manager) OnSnapshot(fn SnapshotHandler) {
	if fn != nil {
		m.onSnapshot.Store(fn)
	}
}

// OnAlert installs (or replaces) the alert handler.
func (m *Manager) OnAlert(fn AlertHandler) {
	if fn != nil {
		m.onAlert.Store(fn)
	}
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Status returns a point-in-time view.
func (m *Manager) Status() Status {
	m.mu.Lock()
	failures := m.failures
	m.mu.Unlock()

	tier, _ := m.tierName.Load().(string)
	var last time.Time
	if n := m.lastDelivery.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return Status{
		State:               m.State(),
		Tier:                tier,
		CadenceMs:           m.cadenceMs.Load(),
		ConsecutiveFailures: failures,
		LastDelivery:        last,
	}
}

// Connect establishes the upstream connection. Concurrent callers while an
// attempt is in flight share that attempt's outcome rather than dialing
// again; calling on a live manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.transport != nil {
		m.mu.Unlock()
		return nil
	}
	if m.pending != nil {
		ch := m.pending
		m.mu.Unlock()
		select {
		case <-ch:
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.transport != nil {
				return nil
			}
			return m.connectErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// An explicit call out of the error state resets the failure count.
	if m.State() == StateError {
		m.failures = 0
	}
	ch := make(chan struct{})
	m.pending = ch
	m.state.Store(int32(StateConnecting))
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	m.pending = nil
	m.connectErr = err
	close(ch)
	if err == nil {
		m.failures = 0
		m.state.Store(int32(StateLive))
		m.mu.Unlock()
		return nil
	}
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.failures++
	if m.failures >= m.cfg.MaxFailures {
		m.state.Store(int32(StateError))
	} else {
		m.state.Store(int32(StateIdle))
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) dial(ctx context.Context) error {
	endpoint := m.cfg.URL
	if m.cfg.Credential != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "token=" + url.QueryEscape(m.cfg.Credential)
	}

	tr, err := m.dialer.Dial(ctx, endpoint)
	if err != nil {
		return err
	}

	raw, err := tr.ReadMessage()
	if err != nil {
		tr.Close()
		return err
	}
	var hello struct {
		Type      string `json:"type"`
		Tier      string `json:"tier"`
		CadenceMs int64  `json:"cadence_ms"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &hello); err != nil {
		tr.Close()
		return fmt.Errorf("decode handshake event: %w", err)
	}
	switch hello.Type {
	case "connected":
	case "error":
		tr.Close()
		return fmt.Errorf("handshake rejected: %s", hello.Reason)
	default:
		tr.Close()
		return fmt.Errorf("unexpected handshake event %q", hello.Type)
	}

	m.tierName.Store(hello.Tier)
	m.cadenceMs.Store(hello.CadenceMs)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		tr.Close()
		return ErrClosed
	}
	m.transport = tr
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.readLoop(tr, gen)
	m.logger.Info("connected", zap.String("tier", hello.Tier), zap.Int64("cadence_ms", hello.CadenceMs))
	return nil
}

func (m *Manager) readLoop(tr Transport, gen int) {
	for {
		raw, err := tr.ReadMessage()
		if err != nil {
			m.handleDrop(tr, gen, err)
			return
		}
		m.handleEvent(raw)
	}
}

// handleDrop reacts to a transport-level failure. Only the generation that
// owns the current transport may trigger a reconnect; stale read loops from
// replaced transports exit silently.
func (m *Manager) handleDrop(tr Transport, gen int, cause error) {
	tr.Close()
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.mu.Unlock()

	m.logger.Warn("transport dropped, reconnecting", zap.Error(cause))
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.pending != nil || m.transport != nil {
		return
	}
	if m.failures >= m.cfg.MaxFailures {
		m.state.Store(int32(StateError))
		m.logger.Error("giving up after consecutive connect failures",
			zap.Int("failures", m.failures))
		return
	}
	m.state.Store(int32(StateReconnecting))
	delay := m.backoff(m.failures)
	m.retryTimer = time.AfterFunc(delay, func() {
		err := m.Connect(context.Background())
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		m.scheduleRetry()
	})
}

// backoff returns the delay before attempt n: capped exponential with
// half-range jitter.
func (m *Manager) backoff(n int) time.Duration {
	base := m.cfg.InitialBackoff
	for i := 0; i < n && base < m.cfg.MaxBackoff; i++ {
		base *= 2
	}
	if base > m.cfg.MaxBackoff {
		base = m.cfg.MaxBackoff
	}
	half := base / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (m *Manager) handleEvent(raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		m.logger.Warn("dropping undecodable event", zap.Error(err))
		return
	}

	switch head.Type {
	case "snapshot_update":
		var evt struct {
			Symbol    string               `json:"symbol"`
			Rows      []models.SnapshotRow `json:"rows"`
			Timestamp time.Time            `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &evt); err != nil {
			m.logger.Warn("dropping malformed snapshot event", zap.Error(err))
			return
		}
		snap := &models.Snapshot{Symbol: evt.Symbol, Rows: evt.Rows, UpdatedAt: evt.Timestamp}
		m.deliver(snap)
	case "alert":
		var evt struct {
			Symbol    string          `json:"symbol"`
			Payload   json.RawMessage `json:"payload"`
			Timestamp time.Time       `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &evt); err != nil {
			m.logger.Warn("dropping malformed alert event", zap.Error(err))
			return
		}
		if fn, ok := m.onAlert.Load().(AlertHandler); ok {
			fn(evt.Symbol, evt.Payload, evt.Timestamp)
		}
	case "error":
		var evt struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &evt)
		m.logger.Warn("server reported error", zap.String("reason", evt.Reason))
	}
}

func (m *Manager) deliver(snap *models.Snapshot) {
	now := time.Now()
	m.lastSnap.Store(snap)
	m.lastDelivery.Store(now.UnixNano())

	if m.offline != nil {
		tier := m.tierOrDefault()
		if err := m.offline.Save(tier, snap, now); err != nil {
			m.logger.Warn("offline persist failed", zap.Error(err))
		}
	}
	if fn, ok := m.onSnapshot.Load().(SnapshotHandler); ok {
		fn(snap)
	}
}

func (m *Manager) tierOrDefault() string {
	if tier, ok := m.tierName.Load().(string); ok && tier != "" {
		return tier
	}
	return m.cfg.DefaultTier
}

// LastKnown returns the most recent snapshot: the in-memory one when the
// session has received a delivery, otherwise the persisted offline copy.
// stale is true whenever the manager is not live, so callers can label
// fallback data.
func (m *Manager) LastKnown() (snap *models.Snapshot, at time.Time, stale bool, ok bool) {
	stale = m.State() != StateLive

	if s, found := m.lastSnap.Load().(*models.Snapshot); found {
		return s, time.Unix(0, m.lastDelivery.Load()), stale, true
	}
	if m.offline == nil {
		return nil, time.Time{}, stale, false
	}
	s, savedAt, err := m.offline.Load(m.tierOrDefault())
	if err != nil {
		if !errors.Is(err, ErrNoOfflineSnapshot) {
			m.logger.Warn("offline load failed", zap.Error(err))
		}
		return nil, time.Time{}, stale, false
	}
	// Anything served from disk predates this process.
	return s, savedAt, true, true
}

// SubscribeSymbol joins the symbol's alert group.
func (m *Manager) SubscribeSymbol(symbol string) error {
	return m.send(opMessage{Op: "subscribe_symbol", Symbol: symbol})
}

// UnsubscribeSymbol leaves the symbol's alert group.
func (m *Manager) UnsubscribeSymbol(symbol string) error {
	return m.send(opMessage{Op: "unsubscribe_symbol", Symbol: symbol})
}

// SubscribeWatchlist joins an owned watchlist's alert group.
func (m *Manager) SubscribeWatchlist(watchlistID string) error {
	return m.send(opMessage{Op: "subscribe_watchlist", WatchlistID: watchlistID})
}

// RequestRefresh asks for an immediate off-cycle snapshot delivery.
func (m *Manager) RequestRefresh() error {
	return m.send(opMessage{Op: "request_refresh"})
}

func (m *Manager) send(msg opMessage) error {
	m.mu.Lock()
	tr := m.transport
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if tr == nil {
		return ErrNotConnected
	}
	return tr.WriteJSON(msg)
}

// Close tears the manager down: the retry timer is stopped, the transport
// closed and the offline store released. No timer fires afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	tr := m.transport
	m.transport = nil
	m.gen++
	m.mu.Unlock()

	m.state.Store(int32(StateClosed))
	if tr != nil {
		tr.Close()
	}
	if m.offline != nil {
		if err := m.offline.Close(); err != nil {
			return err
		}
	}
	return nil
}

package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/metrics"
)

// Group key constructors. Connections join groups by key; a key encodes the
// group kind and its name. Symbols are upcased so group keys match the
// normalized tickers the ingestion path publishes.
func SymbolGroup(symbol string) string   { return fmt.Sprintf("symbol:%s", strings.ToUpper(symbol)) }
func UserGroup(id uuid.UUID) string      { return fmt.Sprintf("user:%s", id) }
func WatchlistGroup(id uuid.UUID) string { return fmt.Sprintf("watchlist:%s", id) }

// Registry is the arena of live connections plus the multicast group sets.
// Groups hold connection IDs only, never Conn pointers, so a destroyed
// connection cannot be resurrected through a dangling group reference.
type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	conns  map[uuid.UUID]*Conn
	groups map[string]map[uuid.UUID]struct{}

	// Watchlist relay index: which watchlists contain a symbol, kept only
	// while the watchlist group has members so empty groups cost nothing
	// at relay time.
	watchlistSymbols map[uuid.UUID][]string
	symbolWatchlists map[string]map[uuid.UUID]struct{}
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:           logger,
		conns:            make(map[uuid.UUID]*Conn),
		groups:           make(map[string]map[uuid.UUID]struct{}),
		watchlistSymbols: make(map[uuid.UUID][]string),
		symbolWatchlists: make(map[string]map[uuid.UUID]struct{}),
	}
}

// Add registers a connection in the arena.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	metrics.ActiveConnections.WithLabelValues(c.Tier.String()).Inc()
}

// Get returns the connection for an ID.
func (r *Registry) Get(id uuid.UUID) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	return c, ok
}

// Join adds a connection to a group. Rejoining is a no-op; the return value
// reports whether membership actually changed.
func (r *Registry) Join(connID uuid.UUID, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false
	}
	set, ok := r.groups[group]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		r.groups[group] = set
	}
	if _, exists := set[connID]; exists {
		return false
	}
	set[connID] = struct{}{}
	return true
}

// JoinWatchlist joins the watchlist group and indexes its symbols for relay
// targeting. The symbol set is refreshed on every join so edits made through
// the product surface propagate as members reconnect.
func (r *Registry) JoinWatchlist(connID, watchlistID uuid.UUID, symbols []string) bool {
	joined := r.Join(connID, WatchlistGroup(watchlistID))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[WatchlistGroup(watchlistID)]; !ok {
		return joined
	}
	for _, old := range r.watchlistSymbols[watchlistID] {
		if set := r.symbolWatchlists[old]; set != nil {
			delete(set, watchlistID)
			if len(set) == 0 {
				delete(r.symbolWatchlists, old)
			}
		}
	}
	norm := make([]string, len(symbols))
	for i, sym := range symbols {
		norm[i] = strings.ToUpper(sym)
	}
	r.watchlistSymbols[watchlistID] = norm
	for _, sym := range norm {
		set, ok := r.symbolWatchlists[sym]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			r.symbolWatchlists[sym] = set
		}
		set[watchlistID] = struct{}{}
	}
	return joined
}

// Leave removes a connection from one group, pruning the group if it
// becomes empty.
func (r *Registry) Leave(connID uuid.UUID, group string) {
	r.mu.Lock()
	r.leaveLocked(connID, group)
	r.mu.Unlock()
}

func (r *Registry) leaveLocked(connID uuid.UUID, group string) {
	set, ok := r.groups[group]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.groups, group)
		r.pruneWatchlistIndexLocked(group)
	}
}

func (r *Registry) pruneWatchlistIndexLocked(group string) {
	if !strings.HasPrefix(group, "watchlist:") {
		return
	}
	wlID, err := uuid.Parse(strings.TrimPrefix(group, "watchlist:"))
	if err != nil {
		return
	}
	for _, sym := range r.watchlistSymbols[wlID] {
		if set := r.symbolWatchlists[sym]; set != nil {
			delete(set, wlID)
			if len(set) == 0 {
				delete(r.symbolWatchlists, sym)
			}
		}
	}
	delete(r.watchlistSymbols, wlID)
}

// Remove destroys a connection: it is detached from every group atomically
// with respect to the next broadcast, so no delivery is attempted against a
// removed connection.
func (r *Registry) Remove(connID uuid.UUID) *Conn {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connID)
	for group := range r.groups {
		r.leaveLocked(connID, group)
	}
	r.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(c.Tier.String()).Dec()
	return c
}

// Members returns a snapshot of the group's connections. Iterating the
// snapshot tolerates concurrent joins and leaves.
func (r *Registry) Members(group string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.groups[group]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for id := range set {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// MemberIDs returns the connection IDs in a group, used by tests to assert
// membership invariants.
func (r *Registry) MemberIDs(group string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.groups[group]
	if !ok {
		return nil
	}
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Groups returns the keys of all non-empty groups.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	return out
}

// GroupsOf returns the groups a connection currently belongs to.
func (r *Registry) GroupsOf(connID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for g, set := range r.groups {
		if _, ok := set[connID]; ok {
			out = append(out, g)
		}
	}
	return out
}

// WatchlistsForSymbol returns the watchlists containing a symbol that
// currently have at least one connected member.
func (r *Registry) WatchlistsForSymbol(symbol string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.symbolWatchlists[strings.ToUpper(symbol)]
	if !ok {
		return nil
	}
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Broadcast delivers a payload to every member of a group. Sends never
// block: a member whose buffer is full is dropped with a backpressure close
// reason rather than stalling the rest of the group.
func (r *Registry) Broadcast(group string, payload []byte) int {
	if payload == nil {
		return 0
	}
	members := r.Members(group)
	delivered := 0
	for _, c := range members {
		if c.TrySend(payload) {
			c.Touch()
			delivered++
			continue
		}
		r.Drop(c, ReasonBackpressureExceeded)
	}
	return delivered
}

// Drop forcibly disconnects a connection with a reason-coded close frame.
func (r *Registry) Drop(c *Conn, reason string) {
	if r.Remove(c.ID) == nil {
		return
	}
	c.shutdown(reason)
	if reason == ReasonBackpressureExceeded {
		metrics.SlowConsumersDropped.Inc()
	}
	r.logger.Info("connection dropped",
		zap.String("conn_id", c.ID.String()),
		zap.String("user_id", c.UserID.String()),
		zap.String("reason", reason))
}

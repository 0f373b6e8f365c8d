// Package scheduler drives snapshot delivery: periodic tier-cadenced sweeps
// of the aggregate view and immediate relay of symbol-level updates arriving
// over the bus.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/cache"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/gateway"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// Config holds scheduler settings.
type Config struct {
	// AlertRateCapacity caps relayed alerts per user (burst size); 0
	// disables per-user alert limiting.
	AlertRateCapacity int `mapstructure:"alert_rate_capacity" yaml:"alert_rate_capacity"`
	// AlertRateRefill is the sustained alerts-per-second refill rate.
	AlertRateRefill float64 `mapstructure:"alert_rate_refill" yaml:"alert_rate_refill"`
}

// Scheduler owns the sweep goroutines (one per tier) and the bus relay.
type Scheduler struct {
	cfg      Config
	logger   *zap.Logger
	store    cache.Store
	bus      cache.Bus
	registry *gateway.Registry
	limiter  *alertLimiter

	// cadence resolves a tier's sweep interval; tests shorten it.
	cadence func(tier.Tier) time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, store cache.Store, bus cache.Bus, registry *gateway.Registry, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		bus:      bus,
		registry: registry,
		limiter:  newAlertLimiter(cfg.AlertRateCapacity, cfg.AlertRateRefill),
		cadence:  tier.Cadence,
	}
}

// Start launches one sweep loop per tier and subscribes the relay to the
// bus. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, t := range tier.All {
		s.wg.Add(1)
		go s.sweepLoop(ctx, t)
	}

	s.bus.Subscribe(ctx, cache.Channel, s.HandleUpdate)

	s.logger.Info("broadcast scheduler started",
		zap.Int("tiers", len(tier.All)),
		zap.Int("alert_rate_capacity", s.cfg.AlertRateCapacity))
}

// Stop cancels the sweep loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) sweepLoop(ctx context.Context, t tier.Tier) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cadence(t))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepTier(ctx, t)
		}
	}
}

// SweepTier runs one sweep cycle for a tier: read the aggregate snapshot,
// truncate it to the tier's row cap and deliver to the tier group. A missing
// or expired snapshot skips the cycle entirely; clients can tell "no update
// this cycle" from "empty market" because nothing is sent.
func (s *Scheduler) SweepTier(ctx context.Context, t tier.Tier) {
	// An empty group must not cost a cache read per tick.
	members := s.registry.Members(t.GroupKey())
	if len(members) == 0 {
		return
	}

	snap, ok := s.store.GetSnapshot(ctx, cache.SnapshotKey(models.AllSymbols))
	if !ok {
		metrics.SweepSkips.WithLabelValues(t.String()).Inc()
		s.logger.Debug("sweep skipped, no live snapshot", zap.String("tier", t.String()))
		return
	}

	payload := gateway.NewSnapshotEvent(tier.Truncate(snap, t))
	delivered := s.registry.Broadcast(t.GroupKey(), payload)
	metrics.SweepDeliveries.WithLabelValues(t.String()).Add(float64(delivered))
}

// HandleUpdate relays one symbol-tagged update to its symbol group and to
// every watchlist group containing the symbol, bypassing tier cadence.
// It serves both as the bus subscription handler and as the direct hook the
// local ingestion path calls, since the bus does not loop messages back to
// their origin.
func (s *Scheduler) HandleUpdate(msg models.BusMessage) {
	if msg.Symbol == "" {
		return
	}
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	payload := gateway.NewAlertEvent(msg.Symbol, msg.Payload, at)
	if payload == nil {
		return
	}

	// A connection in both the symbol group and a matching watchlist
	// group still gets exactly one delivery.
	seen := make(map[*gateway.Conn]struct{})
	symbolMembers := s.registry.Members(gateway.SymbolGroup(msg.Symbol))
	for _, c := range symbolMembers {
		seen[c] = struct{}{}
	}
	s.deliver(symbolMembers, payload, "symbol")

	for _, wlID := range s.registry.WatchlistsForSymbol(msg.Symbol) {
		var fresh []*gateway.Conn
		for _, c := range s.registry.Members(gateway.WatchlistGroup(wlID)) {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			fresh = append(fresh, c)
		}
		s.deliver(fresh, payload, "watchlist")
	}
}

func (s *Scheduler) deliver(members []*gateway.Conn, payload []byte, kind string) {
	for _, c := range members {
		if !s.limiter.allow(c.UserID) {
			continue
		}
		if !c.TrySend(payload) {
			s.registry.Drop(c, gateway.ReasonBackpressureExceeded)
			continue
		}
		c.Touch()
		metrics.RelayDeliveries.WithLabelValues(kind).Inc()
	}
}

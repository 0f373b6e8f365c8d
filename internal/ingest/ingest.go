// Package ingest normalizes upstream market rows into cached snapshots and
// fans each update out over the bus.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/cache"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// Config holds ingest settings.
type Config struct {
	// SnapshotTTL bounds how long a cached snapshot stays servable without
	// a fresh write. Sweeps treat an expired snapshot as absent.
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl" yaml:"snapshot_ttl"`
}

// DefaultConfig returns production defaults. The TTL outlives the slowest
// sweep cadence so a healthy feed never looks stale to any tier.
func DefaultConfig() Config {
	return Config{SnapshotTTL: 20 * time.Minute}
}

// Ingestor accepts normalized rows from an upstream feed, keeps the
// per-symbol and aggregate snapshots current, and announces each update on
// the bus. The aggregate view orders symbols by 24h volume, highest first,
// so row-capped tiers see the most traded markets.
type Ingestor struct {
	cfg    Config
	self   uuid.UUID
	store  cache.Store
	bus    cache.Bus
	logger *zap.Logger

	// local is the same-instance delivery hook. Bus subscribers drop
	// messages stamped with their own origin, so without this call the
	// publishing instance would never relay its own updates.
	local func(models.BusMessage)

	mu   sync.Mutex
	rows map[string]models.SnapshotRow
	book *btree.BTreeG[models.SnapshotRow]
}

// New creates an ingestor. self identifies this instance on the bus; local
// may be nil when no scheduler runs in-process.
func New(cfg Config, self uuid.UUID, store cache.Store, bus cache.Bus, local func(models.BusMessage), logger *zap.Logger) *Ingestor {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultConfig().SnapshotTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		cfg:    cfg,
		self:   self,
		store:  store,
		bus:    bus,
		local:  local,
		logger: logger,
		rows:   make(map[string]models.SnapshotRow),
		book:   btree.NewBTreeG(byVolumeDesc),
	}
}

func byVolumeDesc(a, b models.SnapshotRow) bool {
	if c := a.Volume24h.Cmp(b.Volume24h); c != 0 {
		return c > 0
	}
	return a.Symbol < b.Symbol
}

// Ingest applies one normalized row: refresh the symbol's cached snapshot,
// rebuild the aggregate view, and announce the update.
func (i *Ingestor) Ingest(ctx context.Context, row models.SnapshotRow) error {
	row.Symbol = strings.ToUpper(strings.TrimSpace(row.Symbol))
	if row.Symbol == "" || row.Symbol == models.AllSymbols {
		return models.ErrInvalidSymbol
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}

	agg := i.apply(row)

	i.store.SetSnapshot(ctx, cache.SnapshotKey(row.Symbol), &models.Snapshot{
		Symbol:    row.Symbol,
		Rows:      []models.SnapshotRow{row},
		UpdatedAt: row.UpdatedAt,
	}, i.cfg.SnapshotTTL)
	i.store.SetSnapshot(ctx, cache.SnapshotKey(models.AllSymbols), agg, i.cfg.SnapshotTTL)

	i.announce(ctx, row)
	return nil
}

// IngestBatch applies a poller-style batch: every row is cached, the
// aggregate is rewritten once, and one announcement goes out per row.
func (i *Ingestor) IngestBatch(ctx context.Context, rows []models.SnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}
	var agg *models.Snapshot
	accepted := rows[:0:0]
	for _, row := range rows {
		row.Symbol = strings.ToUpper(strings.TrimSpace(row.Symbol))
		if row.Symbol == "" || row.Symbol == models.AllSymbols {
			continue
		}
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = time.Now()
		}
		agg = i.apply(row)
		i.store.SetSnapshot(ctx, cache.SnapshotKey(row.Symbol), &models.Snapshot{
			Symbol:    row.Symbol,
			Rows:      []models.SnapshotRow{row},
			UpdatedAt: row.UpdatedAt,
		}, i.cfg.SnapshotTTL)
		accepted = append(accepted, row)
	}
	if agg == nil {
		return models.ErrInvalidSymbol
	}
	i.store.SetSnapshot(ctx, cache.SnapshotKey(models.AllSymbols), agg, i.cfg.SnapshotTTL)
	for _, row := range accepted {
		i.announce(ctx, row)
	}
	return nil
}

// apply folds the row into the volume-ordered book and returns the rebuilt
// aggregate snapshot.
func (i *Ingestor) apply(row models.SnapshotRow) *models.Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	if prev, ok := i.rows[row.Symbol]; ok {
		i.book.Delete(prev)
	}
	i.rows[row.Symbol] = row
	i.book.Set(row)

	agg := &models.Snapshot{
		Symbol:    models.AllSymbols,
		Rows:      make([]models.SnapshotRow, 0, i.book.Len()),
		UpdatedAt: row.UpdatedAt,
	}
	i.book.Scan(func(r models.SnapshotRow) bool {
		agg.Rows = append(agg.Rows, r)
		return true
	})
	return agg
}

func (i *Ingestor) announce(ctx context.Context, row models.SnapshotRow) {
	payload, err := json.Marshal(row)
	if err != nil {
		i.logger.Error("marshal update row", zap.Error(err), zap.String("symbol", row.Symbol))
		return
	}
	msg := models.BusMessage{
		Channel: cache.Channel,
		Symbol:  row.Symbol,
		Payload: payload,
		At:      row.UpdatedAt,
		Origin:  i.self,
	}
	i.bus.Publish(ctx, msg)
	if i.local != nil {
		i.local(msg)
	}
}

package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/cache"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

func row(symbol string, volume int64) models.SnapshotRow {
	return models.SnapshotRow{
		Symbol:    symbol,
		Price:     decimal.NewFromInt(100),
		Volume24h: decimal.NewFromInt(volume),
		UpdatedAt: time.Now(),
	}
}

func newIngestor(t *testing.T, self uuid.UUID, local func(models.BusMessage)) (*Ingestor, *cache.MemoryCache, *cache.MemoryBus) {
	t.Helper()
	store := cache.NewMemoryCache()
	t.Cleanup(store.Close)
	// The bus identifies as a different instance so tests can observe
	// what this ingestor publishes.
	bus := cache.NewMemoryBus(uuid.New())
	return New(Config{}, self, store, bus, local, nil), store, bus
}

func TestIngest_AggregateOrderedByVolume(t *testing.T) {
	ing, store, _ := newIngestor(t, uuid.New(), nil)
	ctx := context.Background()

	require.NoError(t, ing.Ingest(ctx, row("ETHUSDT", 200)))
	require.NoError(t, ing.Ingest(ctx, row("BTCUSDT", 900)))
	require.NoError(t, ing.Ingest(ctx, row("DOGEUSDT", 50)))

	agg, ok := store.GetSnapshot(ctx, cache.SnapshotKey(models.AllSymbols))
	require.True(t, ok)
	require.Len(t, agg.Rows, 3)
	assert.Equal(t, "BTCUSDT", agg.Rows[0].Symbol)
	assert.Equal(t, "ETHUSDT", agg.Rows[1].Symbol)
	assert.Equal(t, "DOGEUSDT", agg.Rows[2].Symbol)
	assert.True(t, agg.IsAggregate())
}

func TestIngest_ReingestReplacesRow(t *testing.T) {
	ing, store, _ := newIngestor(t, uuid.New(), nil)
	ctx := context.Background()

	require.NoError(t, ing.Ingest(ctx, row("BTCUSDT", 900)))
	require.NoError(t, ing.Ingest(ctx, row("ETHUSDT", 500)))
	// BTC volume collapses below ETH; the ordering must follow.
	require.NoError(t, ing.Ingest(ctx, row("BTCUSDT", 100)))

	agg, ok := store.GetSnapshot(ctx, cache.SnapshotKey(models.AllSymbols))
	require.True(t, ok)
	require.Len(t, agg.Rows, 2)
	assert.Equal(t, "ETHUSDT", agg.Rows[0].Symbol)
	assert.Equal(t, "BTCUSDT", agg.Rows[1].Symbol)
}

func TestIngest_WritesPerSymbolSnapshot(t *testing.T) {
	ing, store, _ := newIngestor(t, uuid.New(), nil)
	ctx := context.Background()

	require.NoError(t, ing.Ingest(ctx, row("btcusdt ", 900)))

	snap, ok := store.GetSnapshot(ctx, cache.SnapshotKey("BTCUSDT"))
	require.True(t, ok)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, "BTCUSDT", snap.Rows[0].Symbol)
	assert.False(t, snap.IsAggregate())
}

func TestIngest_RejectsInvalidSymbols(t *testing.T) {
	ing, _, _ := newIngestor(t, uuid.New(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, ing.Ingest(ctx, row("", 1)), models.ErrInvalidSymbol)
	assert.ErrorIs(t, ing.Ingest(ctx, row(models.AllSymbols, 1)), models.ErrInvalidSymbol)
}

func TestIngest_PublishesOriginStampedMessage(t *testing.T) {
	self := uuid.New()
	ing, _, bus := newIngestor(t, self, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got []models.BusMessage
	bus.Subscribe(ctx, cache.Channel, func(msg models.BusMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	require.NoError(t, ing.Ingest(ctx, row("BTCUSDT", 900)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	msg := got[0]
	mu.Unlock()
	assert.Equal(t, self, msg.Origin)
	assert.Equal(t, "BTCUSDT", msg.Symbol)

	var published models.SnapshotRow
	require.NoError(t, json.Unmarshal(msg.Payload, &published))
	assert.Equal(t, "BTCUSDT", published.Symbol)
}

func TestIngest_CallsLocalHook(t *testing.T) {
	self := uuid.New()
	var mu sync.Mutex
	var local []models.BusMessage
	ing, _, _ := newIngestor(t, self, func(msg models.BusMessage) {
		mu.Lock()
		local = append(local, msg)
		mu.Unlock()
	})

	require.NoError(t, ing.Ingest(context.Background(), row("BTCUSDT", 900)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, local, 1)
	assert.Equal(t, self, local[0].Origin)
	assert.Equal(t, "BTCUSDT", local[0].Symbol)
}

func TestIngestBatch(t *testing.T) {
	var mu sync.Mutex
	var local []models.BusMessage
	ing, store, _ := newIngestor(t, uuid.New(), func(msg models.BusMessage) {
		mu.Lock()
		local = append(local, msg)
		mu.Unlock()
	})
	ctx := context.Background()

	err := ing.IngestBatch(ctx, []models.SnapshotRow{
		row("BTCUSDT", 900),
		row("", 1), // skipped
		row("ETHUSDT", 500),
	})
	require.NoError(t, err)

	agg, ok := store.GetSnapshot(ctx, cache.SnapshotKey(models.AllSymbols))
	require.True(t, ok)
	assert.Len(t, agg.Rows, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, local, 2)
}

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/cache"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/gateway"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/identity"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/ingest"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

type fixture struct {
	gw    *gateway.Gateway
	ids   *identity.StaticService
	store *cache.MemoryCache
	bus   *cache.MemoryBus
	sched *Scheduler
	srv   *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ids := identity.NewStaticService()
	store := cache.NewMemoryCache()
	t.Cleanup(store.Close)
	bus := cache.NewMemoryBus(uuid.New())

	gwCfg := gateway.DefaultConfig()
	gwCfg.PingInterval = time.Minute
	gw := gateway.New(gwCfg, gateway.NewRegistry(nil), ids, store, nil)

	sched := New(cfg, store, bus, gw.Registry(), nil)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleUpgrade))
	t.Cleanup(srv.Close)

	return &fixture{gw: gw, ids: ids, store: store, bus: bus, sched: sched, srv: srv}
}

// connect dials a client for the given tier, consumes the connected event
// and returns the socket plus the user ID it was registered under.
func (f *fixture) connect(t *testing.T, tr tier.Tier) (*websocket.Conn, uuid.UUID) {
	t.Helper()
	userID := uuid.New()
	token := "token-" + userID.String()
	f.ids.Identities[token] = identity.Identity{UserID: userID, Tier: tr}

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	evt := readEvent(t, ws)
	require.Equal(t, gateway.EventConnected, eventType(t, evt))
	return ws, userID
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func eventType(t *testing.T, evt map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	require.NoError(t, json.Unmarshal(evt["type"], &typ))
	return typ
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func subscribeSymbol(t *testing.T, f *fixture, ws *websocket.Conn, symbol string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]string{
		"op":     gateway.OpSubscribeSymbol,
		"symbol": symbol,
	}))
	require.Eventually(t, func() bool {
		return len(f.gw.Registry().MemberIDs(gateway.SymbolGroup(symbol))) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func seedAggregate(t *testing.T, f *fixture, rows int) {
	t.Helper()
	snap := &models.Snapshot{
		Symbol:    models.AllSymbols,
		UpdatedAt: time.Now(),
	}
	for i := 0; i < rows; i++ {
		snap.Rows = append(snap.Rows, models.SnapshotRow{
			Symbol:    fmt.Sprintf("SYM%03dUSDT", i),
			Price:     decimal.NewFromInt(int64(i + 1)),
			UpdatedAt: snap.UpdatedAt,
		})
	}
	f.store.SetSnapshot(context.Background(), cache.SnapshotKey(models.AllSymbols), snap, time.Minute)
}

func TestSweepTier_TruncatesPerTier(t *testing.T) {
	f := newFixture(t, Config{})
	freeWS, _ := f.connect(t, tier.Free)
	eliteWS, _ := f.connect(t, tier.Elite)
	seedAggregate(t, f, 60)

	f.sched.SweepTier(context.Background(), tier.Free)
	f.sched.SweepTier(context.Background(), tier.Elite)

	evt := readEvent(t, freeWS)
	require.Equal(t, gateway.EventSnapshotUpdate, eventType(t, evt))
	var freeSnap gateway.SnapshotEvent
	data, _ := json.Marshal(evt)
	require.NoError(t, json.Unmarshal(data, &freeSnap))
	assert.Len(t, freeSnap.Rows, 50)

	evt = readEvent(t, eliteWS)
	require.Equal(t, gateway.EventSnapshotUpdate, eventType(t, evt))
	var eliteSnap gateway.SnapshotEvent
	data, _ = json.Marshal(evt)
	require.NoError(t, json.Unmarshal(data, &eliteSnap))
	assert.Len(t, eliteSnap.Rows, 60)
}

func TestSweepTier_SkipsWhenSnapshotMissing(t *testing.T) {
	f := newFixture(t, Config{})
	ws, _ := f.connect(t, tier.Pro)

	// Nothing cached: the cycle must produce no frame at all, so clients
	// can tell a dead feed from an empty market.
	f.sched.SweepTier(context.Background(), tier.Pro)
	expectSilence(t, ws)
}

func TestSweepTier_SkipsWhenSnapshotExpired(t *testing.T) {
	f := newFixture(t, Config{})
	ws, _ := f.connect(t, tier.Pro)

	snap := &models.Snapshot{Symbol: models.AllSymbols, UpdatedAt: time.Now()}
	f.store.SetSnapshot(context.Background(), cache.SnapshotKey(models.AllSymbols), snap, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	f.sched.SweepTier(context.Background(), tier.Pro)
	expectSilence(t, ws)
}

type countingStore struct {
	cache.Store
	gets atomic.Int64
}

func (c *countingStore) GetSnapshot(ctx context.Context, key string) (*models.Snapshot, bool) {
	c.gets.Add(1)
	return c.Store.GetSnapshot(ctx, key)
}

func TestSweepTier_EmptyGroupSkipsCacheRead(t *testing.T) {
	store := &countingStore{Store: cache.NewMemoryCache()}
	sched := New(Config{}, store, cache.NewMemoryBus(uuid.New()), gateway.NewRegistry(nil), nil)

	sched.SweepTier(context.Background(), tier.Elite)
	assert.Zero(t, store.gets.Load())
}

func TestHandleUpdate_BypassesTierCadence(t *testing.T) {
	f := newFixture(t, Config{})
	// A free-tier client waits 15 minutes between sweeps but still gets
	// subscribed-symbol updates the moment they arrive.
	ws, _ := f.connect(t, tier.Free)
	subscribeSymbol(t, f, ws, "BTCUSDT")

	f.sched.HandleUpdate(models.BusMessage{
		Channel: cache.Channel,
		Symbol:  "BTCUSDT",
		Payload: json.RawMessage(`{"price":"65000"}`),
		At:      time.Now(),
	})

	evt := readEvent(t, ws)
	require.Equal(t, gateway.EventAlert, eventType(t, evt))
	var alert gateway.AlertEvent
	data, _ := json.Marshal(evt)
	require.NoError(t, json.Unmarshal(data, &alert))
	assert.Equal(t, "BTCUSDT", alert.Symbol)
	assert.JSONEq(t, `{"price":"65000"}`, string(alert.Payload))
}

func TestHandleUpdate_SymbolIsolation(t *testing.T) {
	f := newFixture(t, Config{})
	btcWS, _ := f.connect(t, tier.Elite)
	ethWS, _ := f.connect(t, tier.Elite)
	subscribeSymbol(t, f, btcWS, "BTCUSDT")
	subscribeSymbol(t, f, ethWS, "ETHUSDT")

	f.sched.HandleUpdate(models.BusMessage{
		Symbol:  "BTCUSDT",
		Payload: json.RawMessage(`{}`),
		At:      time.Now(),
	})

	evt := readEvent(t, btcWS)
	assert.Equal(t, gateway.EventAlert, eventType(t, evt))
	expectSilence(t, ethWS)
}

func TestHandleUpdate_WatchlistOverlapDeliversOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ws, userID := f.connect(t, tier.Pro)
	wlID := uuid.New()
	f.ids.Watchlists[wlID] = identity.StaticWatchlist{
		Owner:   userID,
		Symbols: []string{"BTCUSDT", "SOLUSDT"},
	}

	// Member of both the symbol group and a watchlist containing it.
	subscribeSymbol(t, f, ws, "BTCUSDT")
	require.NoError(t, ws.WriteJSON(map[string]string{
		"op":           gateway.OpSubscribeWatchlist,
		"watchlist_id": wlID.String(),
	}))
	require.Eventually(t, func() bool {
		return len(f.gw.Registry().MemberIDs(gateway.WatchlistGroup(wlID))) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.sched.HandleUpdate(models.BusMessage{
		Symbol:  "BTCUSDT",
		Payload: json.RawMessage(`{}`),
		At:      time.Now(),
	})

	evt := readEvent(t, ws)
	assert.Equal(t, gateway.EventAlert, eventType(t, evt))
	expectSilence(t, ws)
}

func TestHandleUpdate_AlertLimiter(t *testing.T) {
	f := newFixture(t, Config{AlertRateCapacity: 1, AlertRateRefill: 0.001})
	ws, _ := f.connect(t, tier.Elite)
	subscribeSymbol(t, f, ws, "BTCUSDT")

	for i := 0; i < 3; i++ {
		f.sched.HandleUpdate(models.BusMessage{
			Symbol:  "BTCUSDT",
			Payload: json.RawMessage(`{}`),
			At:      time.Now(),
		})
	}

	evt := readEvent(t, ws)
	assert.Equal(t, gateway.EventAlert, eventType(t, evt))
	expectSilence(t, ws)
}

// Full pipeline: an ingested row reaches the elite tier on its next sweep
// and reaches a free-tier symbol subscriber immediately, while the free tier
// sees no sweep delivery.
func TestEndToEnd_IngestToClients(t *testing.T) {
	f := newFixture(t, Config{})
	self := uuid.New()
	ing := ingest.New(ingest.Config{}, self, f.store, f.bus, f.sched.HandleUpdate, nil)

	eliteWS, _ := f.connect(t, tier.Elite)
	freeWS, _ := f.connect(t, tier.Free)
	subscribeSymbol(t, f, freeWS, "BTCUSDT")

	require.NoError(t, ing.Ingest(context.Background(), models.SnapshotRow{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(50000),
		Volume24h: decimal.NewFromInt(1000),
		UpdatedAt: time.Now(),
	}))

	// The free subscriber gets the alert without waiting on any cadence.
	evt := readEvent(t, freeWS)
	require.Equal(t, gateway.EventAlert, eventType(t, evt))

	// The elite sweep picks up the freshly written aggregate.
	f.sched.SweepTier(context.Background(), tier.Elite)
	evt = readEvent(t, eliteWS)
	require.Equal(t, gateway.EventSnapshotUpdate, eventType(t, evt))
	var snap gateway.SnapshotEvent
	data, _ := json.Marshal(evt)
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, "BTCUSDT", snap.Rows[0].Symbol)

	// No free-tier sweep ran, so only the alert arrived there.
	expectSilence(t, freeWS)
}

func TestStart_SweepsAtCadence(t *testing.T) {
	f := newFixture(t, Config{})
	f.sched.cadence = func(tier.Tier) time.Duration { return 40 * time.Millisecond }

	ws, _ := f.connect(t, tier.Elite)
	seedAggregate(t, f, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sched.Start(ctx)
	defer f.sched.Stop()

	deadline := time.Now().Add(300 * time.Millisecond)
	var got int
	for {
		ws.SetReadDeadline(deadline)
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var out map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &out))
		if eventType(t, out) == gateway.EventSnapshotUpdate {
			got++
		}
	}

	// 300ms at a 40ms cadence is about seven ticks. Allow scheduling
	// slack both ways but reject a stall or a flood.
	assert.GreaterOrEqual(t, got, 2)
	assert.LessOrEqual(t, got, 9)
}

func TestStart_RelaysBusMessages(t *testing.T) {
	f := newFixture(t, Config{})
	ws, _ := f.connect(t, tier.Free)
	subscribeSymbol(t, f, ws, "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sched.Start(ctx)
	defer f.sched.Stop()

	// Published from another instance, so the bus delivers it here.
	f.bus.Publish(context.Background(), models.BusMessage{
		Channel: cache.Channel,
		Symbol:  "BTCUSDT",
		Payload: json.RawMessage(`{}`),
		At:      time.Now(),
		Origin:  uuid.New(),
	})

	evt := readEvent(t, ws)
	assert.Equal(t, gateway.EventAlert, eventType(t, evt))
}

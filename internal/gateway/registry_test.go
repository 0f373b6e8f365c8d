package gateway

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
)

func newTestConn(t tier.Tier, buffer int) *Conn {
	return newConn(nil, uuid.New(), t, buffer)
}

func TestRegistry_IdempotentJoin(t *testing.T) {
	r := NewRegistry(nil)
	c := newTestConn(tier.Free, 8)
	r.Add(c)

	assert.True(t, r.Join(c.ID, SymbolGroup("BTCUSDT")))
	assert.False(t, r.Join(c.ID, SymbolGroup("BTCUSDT")))
	assert.Len(t, r.MemberIDs(SymbolGroup("BTCUSDT")), 1)

	// One membership entry means exactly one delivery per broadcast.
	delivered := r.Broadcast(SymbolGroup("BTCUSDT"), []byte(`{}`))
	assert.Equal(t, 1, delivered)
	assert.Len(t, c.send, 1)
}

func TestRegistry_JoinUnknownConn(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.Join(uuid.New(), SymbolGroup("BTCUSDT")))
	assert.Empty(t, r.Groups())
}

func TestRegistry_RemoveLeavesNoDanglingMembership(t *testing.T) {
	r := NewRegistry(nil)
	c := newTestConn(tier.Pro, 8)
	r.Add(c)
	r.Join(c.ID, c.Tier.GroupKey())
	r.Join(c.ID, UserGroup(c.UserID))
	r.Join(c.ID, SymbolGroup("ETHUSDT"))

	removed := r.Remove(c.ID)
	require.NotNil(t, removed)

	for _, g := range r.Groups() {
		for _, id := range r.MemberIDs(g) {
			assert.NotEqual(t, c.ID, id, "connection still referenced by group %s", g)
		}
	}
	assert.Empty(t, r.GroupsOf(c.ID))

	// Empty groups are pruned, not left for the sweep to iterate.
	assert.Empty(t, r.Groups())
}

func TestRegistry_GroupIsolation(t *testing.T) {
	r := NewRegistry(nil)
	free := newTestConn(tier.Free, 8)
	elite := newTestConn(tier.Elite, 8)
	r.Add(free)
	r.Add(elite)
	r.Join(free.ID, free.Tier.GroupKey())
	r.Join(elite.ID, elite.Tier.GroupKey())

	r.Broadcast(tier.Elite.GroupKey(), []byte(`{}`))

	assert.Len(t, elite.send, 1)
	assert.Empty(t, free.send)
}

func TestRegistry_BackpressureIsolation(t *testing.T) {
	r := NewRegistry(nil)

	slow := newTestConn(tier.Elite, 1)
	fast := newTestConn(tier.Elite, 8)
	r.Add(slow)
	r.Add(fast)
	r.Join(slow.ID, tier.Elite.GroupKey())
	r.Join(fast.ID, tier.Elite.GroupKey())

	// Fill the slow connection's buffer; nobody is draining it.
	require.True(t, slow.TrySend([]byte(`{}`)))

	delivered := r.Broadcast(tier.Elite.GroupKey(), []byte(`{}`))

	// The fast member is still served and the slow one is evicted.
	assert.Equal(t, 1, delivered)
	assert.Len(t, fast.send, 1)
	_, exists := r.Get(slow.ID)
	assert.False(t, exists)

	select {
	case <-slow.closed:
		assert.Equal(t, ReasonBackpressureExceeded, slow.closeReason)
	default:
		t.Fatal("slow connection was not shut down")
	}
}

func TestRegistry_WatchlistIndex(t *testing.T) {
	r := NewRegistry(nil)
	c := newTestConn(tier.Pro, 8)
	r.Add(c)

	wlID := uuid.New()
	r.JoinWatchlist(c.ID, wlID, []string{"BTCUSDT", "SOLUSDT"})

	assert.Equal(t, []uuid.UUID{wlID}, r.WatchlistsForSymbol("BTCUSDT"))
	assert.Empty(t, r.WatchlistsForSymbol("DOGEUSDT"))

	// Rejoining with an edited symbol set replaces the index entries.
	r.JoinWatchlist(c.ID, wlID, []string{"DOGEUSDT"})
	assert.Empty(t, r.WatchlistsForSymbol("BTCUSDT"))
	assert.Equal(t, []uuid.UUID{wlID}, r.WatchlistsForSymbol("DOGEUSDT"))

	// Index entries die with the last member.
	r.Remove(c.ID)
	assert.Empty(t, r.WatchlistsForSymbol("DOGEUSDT"))
}

func TestRegistry_BroadcastEmptyGroup(t *testing.T) {
	r := NewRegistry(nil)
	assert.Zero(t, r.Broadcast(SymbolGroup("BTCUSDT"), []byte(`{}`)))
}

package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

func TestCadence(t *testing.T) {
	tests := []struct {
		tier Tier
		want time.Duration
	}{
		{Free, 15 * time.Minute},
		{Pro, 5 * time.Minute},
		{Elite, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.Equal(t, tt.want, Cadence(tt.tier))
			assert.Equal(t, tt.want.Milliseconds(), CadenceMs(tt.tier))
		})
	}
}

func TestRowLimit(t *testing.T) {
	tests := []struct {
		tier      Tier
		limit     int
		unlimited bool
	}{
		{Free, 50, false},
		{Pro, 0, true},
		{Elite, 0, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			limit, unlimited := RowLimit(tt.tier)
			assert.Equal(t, tt.limit, limit)
			assert.Equal(t, tt.unlimited, unlimited)
		})
	}
}

func TestParse(t *testing.T) {
	assert.Equal(t, Pro, Parse("pro"))
	assert.Equal(t, Elite, Parse("elite"))
	assert.Equal(t, Free, Parse("free"))
	// Unknown values degrade to free rather than failing the handshake.
	assert.Equal(t, Free, Parse("platinum"))
	assert.Equal(t, Free, Parse(""))
}

func TestTruncate(t *testing.T) {
	rows := make([]models.SnapshotRow, 120)
	for i := range rows {
		rows[i].Symbol = "SYM"
	}
	snap := &models.Snapshot{Symbol: models.AllSymbols, Rows: rows}

	free := Truncate(snap, Free)
	assert.Len(t, free.Rows, 50)
	// Original snapshot is left intact.
	assert.Len(t, snap.Rows, 120)

	pro := Truncate(snap, Pro)
	assert.Len(t, pro.Rows, 120)

	short := &models.Snapshot{Rows: rows[:10]}
	assert.Len(t, Truncate(short, Free).Rows, 10)
}

func TestGroupKey(t *testing.T) {
	assert.Equal(t, "tier:elite", Elite.GroupKey())
}

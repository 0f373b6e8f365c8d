// Package tier maps subscription tiers to delivery cadence and data
// completeness. The policy is static and side-effect free.
package tier

import (
	"fmt"
	"time"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// Tier is a subscription level controlling push cadence and row limits.
type Tier string

const (
	Free  Tier = "free"
	Pro   Tier = "pro"
	Elite Tier = "elite"
)

// All lists every known tier, used by the scheduler to spawn sweeps.
var All = []Tier{Free, Pro, Elite}

// Parse returns the tier for a stored tier string, defaulting to Free for
// anything unrecognized so a bad account row never blocks a connection.
func Parse(s string) Tier {
	switch Tier(s) {
	case Pro:
		return Pro
	case Elite:
		return Elite
	default:
		return Free
	}
}

func (t Tier) String() string { return string(t) }

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == Free || t == Pro || t == Elite
}

// Cadence returns the full-table sweep interval for the tier.
func Cadence(t Tier) time.Duration {
	switch t {
	case Elite:
		return 30 * time.Second
	case Pro:
		return 5 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// CadenceMs returns the cadence in milliseconds as sent in the connected
// event.
func CadenceMs(t Tier) int64 {
	return Cadence(t).Milliseconds()
}

// RowLimit returns the snapshot row cap for the tier. unlimited is true when
// no cap applies.
func RowLimit(t Tier) (limit int, unlimited bool) {
	if t == Free {
		return 50, false
	}
	return 0, true
}

// Truncate applies the tier's row cap to a snapshot, returning the snapshot
// unchanged for uncapped tiers. Rows are assumed ordered by 24h volume
// descending, so the cap keeps the most liquid markets.
func Truncate(snap *models.Snapshot, t Tier) *models.Snapshot {
	limit, unlimited := RowLimit(t)
	if unlimited || len(snap.Rows) <= limit {
		return snap
	}
	out := *snap
	out.Rows = snap.Rows[:limit]
	return &out
}

// GroupKey returns the multicast group key for the tier.
func (t Tier) GroupKey() string {
	return fmt.Sprintf("tier:%s", t)
}

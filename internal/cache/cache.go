// Package cache provides the shared market snapshot store and the pub/sub
// bus used to coordinate state across server instances. Backends degrade
// gracefully: a transient outage of Redis or Kafka turns reads into local
// fallback hits and writes into logged no-ops, never into errors that reach
// connection handling.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// Channel is the bus channel carrying market update notifications.
const Channel = "market.updates"

// Store reads and writes cached market snapshots. GetSnapshot returns
// found=false for both missing and expired entries; readers never see stale
// data and never see backend errors.
type Store interface {
	GetSnapshot(ctx context.Context, key string) (*models.Snapshot, bool)
	SetSnapshot(ctx context.Context, key string, snap *models.Snapshot, ttl time.Duration)
}

// Bus propagates update notifications between instances. Publish is
// fire-and-forget: failures are logged and counted, not returned to the hot
// path. Publishers stamp the message origin; handlers never receive messages
// the local instance originated.
type Bus interface {
	Publish(ctx context.Context, msg models.BusMessage)
	Subscribe(ctx context.Context, channel string, handler func(models.BusMessage))
}

// SnapshotKey returns the cache key for a symbol's snapshot. The aggregate
// view uses models.AllSymbols.
func SnapshotKey(symbol string) string {
	return fmt.Sprintf("snapshot:%s", symbol)
}

// originFiltered wraps a handler so messages published by self are dropped.
// Redis pub/sub fans a publish back to the publisher; without this every
// update would be delivered twice on the originating instance.
func originFiltered(self uuid.UUID, handler func(models.BusMessage)) func(models.BusMessage) {
	return func(msg models.BusMessage) {
		if msg.Origin == self {
			return
		}
		handler(msg)
	}
}

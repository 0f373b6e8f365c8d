package client

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// ErrNoOfflineSnapshot is returned when nothing has ever been persisted for
// the requested tier.
var ErrNoOfflineSnapshot = errors.New("client: no offline snapshot")

type offlineRecord struct {
	Snapshot *models.Snapshot `json:"snapshot"`
	SavedAt  time.Time        `json:"saved_at"`
}

// OfflineStore persists the last delivered snapshot per tier so a restarted
// consumer has data before its first live delivery.
type OfflineStore struct {
	db *badger.DB
}

// OpenOfflineStore opens (creating if needed) the durable store at path.
func OpenOfflineStore(path string) (*OfflineStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &OfflineStore{db: db}, nil
}

func offlineKey(tier string) []byte {
	return []byte("offline:" + tier)
}

// Save replaces the persisted snapshot for the tier.
func (s *OfflineStore) Save(tier string, snap *models.Snapshot, at time.Time) error {
	data, err := json.Marshal(offlineRecord{Snapshot: snap, SavedAt: at})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(offlineKey(tier), data)
	})
}

// Load returns the persisted snapshot for the tier and when it was saved.
func (s *OfflineStore) Load(tier string) (*models.Snapshot, time.Time, error) {
	var rec offlineRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(offlineKey(tier))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNoOfflineSnapshot
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return rec.Snapshot, rec.SavedAt, nil
}

// Close releases the underlying database.
func (s *OfflineStore) Close() error {
	return s.db.Close()
}

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

var testSecret = []byte("test-signing-secret")

func newTestService(t *testing.T) (*GormService, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	svc, err := NewGormService(db, testSecret, nil)
	require.NoError(t, err)
	return svc, db
}

func seedUser(t *testing.T, db *gorm.DB, userTier string) models.User {
	t.Helper()
	user := models.User{
		ID:    uuid.New(),
		Email: uuid.NewString() + "@example.com",
		Tier:  userTier,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func TestLookup_SessionToken(t *testing.T) {
	svc, db := newTestService(t)
	user := seedUser(t, db, "elite")

	token, err := IssueToken(testSecret, user.ID, time.Hour)
	require.NoError(t, err)

	id, err := svc.Lookup(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, id.UserID)
	assert.Equal(t, tier.Elite, id.Tier)
}

func TestLookup_MissingCredential(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Lookup(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestLookup_ExpiredToken(t *testing.T) {
	svc, db := newTestService(t)
	user := seedUser(t, db, "pro")

	token, err := IssueToken(testSecret, user.ID, -time.Minute)
	require.NoError(t, err)

	_, err = svc.Lookup(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredCredential)
}

func TestLookup_TokenForDeletedUser(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := IssueToken(testSecret, uuid.New(), time.Hour)
	require.NoError(t, err)

	_, err = svc.Lookup(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestLookup_APIKey(t *testing.T) {
	svc, db := newTestService(t)

	hash, err := HashAPIKeySecret("s3cret")
	require.NoError(t, err)
	user := models.User{
		ID:         uuid.New(),
		Email:      "key@example.com",
		Tier:       "pro",
		APIKeyID:   "abc123",
		APIKeyHash: hash,
	}
	require.NoError(t, db.Create(&user).Error)

	id, err := svc.Lookup(context.Background(), "fk_abc123.s3cret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, id.UserID)
	assert.Equal(t, tier.Pro, id.Tier)

	_, err = svc.Lookup(context.Background(), "fk_abc123.wrong")
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = svc.Lookup(context.Background(), "fk_nosuchkey.s3cret")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestWatchlistOwnershipAndSymbols(t *testing.T) {
	svc, db := newTestService(t)
	owner := seedUser(t, db, "free")
	stranger := seedUser(t, db, "free")

	wl := models.Watchlist{
		ID:      uuid.New(),
		UserID:  owner.ID,
		Name:    "majors",
		Symbols: "BTCUSDT,ETHUSDT,SOLUSDT",
	}
	require.NoError(t, db.Create(&wl).Error)

	ctx := context.Background()

	owns, err := svc.OwnsWatchlist(ctx, owner.ID, wl.ID)
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = svc.OwnsWatchlist(ctx, stranger.ID, wl.ID)
	require.NoError(t, err)
	assert.False(t, owns)

	symbols, err := svc.WatchlistSymbols(ctx, wl.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, symbols)

	symbols, err = svc.WatchlistSymbols(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, symbols)
}

func TestLookup_UnknownTierDefaultsToFree(t *testing.T) {
	svc, db := newTestService(t)
	user := seedUser(t, db, "enterprise")

	token, err := IssueToken(testSecret, user.ID, time.Hour)
	require.NoError(t, err)

	id, err := svc.Lookup(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, tier.Free, id.Tier)
}

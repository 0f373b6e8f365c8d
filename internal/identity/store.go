package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// GormService resolves credentials against the product's user database.
// Two credential forms are accepted: an HS256 session token issued at login,
// and a long-lived API key of the form "fk_<keyID>.<secret>" whose secret is
// checked against a bcrypt hash.
type GormService struct {
	db     *gorm.DB
	secret []byte
	logger *zap.Logger
}

// NewGormService creates the database-backed identity service.
func NewGormService(db *gorm.DB, jwtSecret []byte, logger *zap.Logger) (*GormService, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("identity: jwt secret must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&models.User{}, &models.Watchlist{}); err != nil {
		return nil, fmt.Errorf("identity: migrate: %w", err)
	}
	return &GormService{db: db, secret: jwtSecret, logger: logger}, nil
}

// apiKeyPrefix marks API-key credentials; everything else is treated as a
// session token.
const apiKeyPrefix = "fk_"

// Lookup implements Service.
func (s *GormService) Lookup(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	if strings.HasPrefix(credential, apiKeyPrefix) {
		return s.lookupAPIKey(ctx, credential)
	}
	return s.lookupToken(ctx, credential)
}

func (s *GormService) lookupToken(ctx context.Context, credential string) (Identity, error) {
	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredCredential
		}
		return Identity{}, ErrUnknownUser
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return Identity{}, ErrUnknownUser
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Identity{}, ErrUnknownUser
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, ErrUnknownUser
		}
		s.logger.Error("identity lookup query failed", zap.Error(err))
		return Identity{}, ErrUnknownUser
	}
	return Identity{UserID: user.ID, Tier: tier.Parse(user.Tier)}, nil
}

func (s *GormService) lookupAPIKey(ctx context.Context, credential string) (Identity, error) {
	body := strings.TrimPrefix(credential, apiKeyPrefix)
	keyID, secret, ok := strings.Cut(body, ".")
	if !ok || keyID == "" || secret == "" {
		return Identity{}, ErrUnknownUser
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "api_key_id = ?", keyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, ErrUnknownUser
		}
		s.logger.Error("identity lookup query failed", zap.Error(err))
		return Identity{}, ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword([]byte(user.APIKeyHash), []byte(secret)) != nil {
		return Identity{}, ErrUnknownUser
	}
	return Identity{UserID: user.ID, Tier: tier.Parse(user.Tier)}, nil
}

// OwnsWatchlist implements Service.
func (s *GormService) OwnsWatchlist(ctx context.Context, userID, watchlistID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Watchlist{}).
		Where("id = ? AND user_id = ?", watchlistID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("identity: ownership query: %w", err)
	}
	return count > 0, nil
}

// WatchlistSymbols implements Service.
func (s *GormService) WatchlistSymbols(ctx context.Context, watchlistID uuid.UUID) ([]string, error) {
	var wl models.Watchlist
	if err := s.db.WithContext(ctx).First(&wl, "id = ?", watchlistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: watchlist query: %w", err)
	}
	return wl.SymbolList(), nil
}

// IssueToken mints a session token for a user, used by the wider product at
// login and by tests.
func IssueToken(secret []byte, userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(secret)
}

// HashAPIKeySecret returns the bcrypt hash stored for an API key secret.
func HashAPIKeySecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Package identity resolves bearer credentials to users and answers
// watchlist ownership queries. The distribution engine only consumes this
// surface; account management lives in the wider product.
package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
)

// Sentinel errors map one-to-one onto handshake rejection reason codes. The
// split matters to clients: a missing credential is a client bug, an unknown
// user is a revoked credential, an expired one should trigger
// re-authentication instead of a retry loop.
var (
	ErrMissingCredential = errors.New("identity: missing credential")
	ErrUnknownUser       = errors.New("identity: unknown user")
	ErrExpiredCredential = errors.New("identity: expired credential")
)

// Identity is the resolved result of a successful credential lookup.
type Identity struct {
	UserID uuid.UUID
	Tier   tier.Tier
}

// Service is the external collaborator surface consumed by the gateway and
// the scheduler relay.
type Service interface {
	// Lookup resolves a bearer credential. Failures are one of the
	// sentinel errors above.
	Lookup(ctx context.Context, credential string) (Identity, error)

	// OwnsWatchlist reports whether userID owns the watchlist.
	OwnsWatchlist(ctx context.Context, userID, watchlistID uuid.UUID) (bool, error)

	// WatchlistSymbols returns the symbols in a watchlist.
	WatchlistSymbols(ctx context.Context, watchlistID uuid.UUID) ([]string, error)
}

// StaticService is a map-backed Service for tests and demos.
type StaticService struct {
	Identities map[string]Identity
	Watchlists map[uuid.UUID]StaticWatchlist
}

// StaticWatchlist pairs an owner with its symbols.
type StaticWatchlist struct {
	Owner   uuid.UUID
	Symbols []string
}

// NewStaticService creates an empty static service.
func NewStaticService() *StaticService {
	return &StaticService{
		Identities: map[string]Identity{},
		Watchlists: map[uuid.UUID]StaticWatchlist{},
	}
}

// Lookup implements Service.
func (s *StaticService) Lookup(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	id, ok := s.Identities[credential]
	if !ok {
		return Identity{}, ErrUnknownUser
	}
	return id, nil
}

// OwnsWatchlist implements Service.
func (s *StaticService) OwnsWatchlist(ctx context.Context, userID, watchlistID uuid.UUID) (bool, error) {
	wl, ok := s.Watchlists[watchlistID]
	return ok && wl.Owner == userID, nil
}

// WatchlistSymbols implements Service.
func (s *StaticService) WatchlistSymbols(ctx context.Context, watchlistID uuid.UUID) ([]string, error) {
	wl, ok := s.Watchlists[watchlistID]
	if !ok {
		return nil, nil
	}
	return wl.Symbols, nil
}

// Package store persists browser profiles and outbound proxy credentials.
// Two implementations exist: an in-memory store for single-node and test
// use, and a Redis store for fleets that share state.
package store

import (
	"context"
	"errors"

	"github.com/CloverLabsAI/roverfox/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
)

// ProfileStore is keyed by browser id.
type ProfileStore interface {
	Get(ctx context.Context, browserID string) (domain.Profile, error)
	List(ctx context.Context) ([]domain.Profile, error)
	Create(ctx context.Context, p domain.Profile) error
	Update(ctx context.Context, browserID string, data domain.ProfileData) error
	SaveStorageState(ctx context.Context, browserID string, state domain.StorageState) error
	Delete(ctx context.Context, browserID string) error
}

// ProxyStore resolves outbound proxy credentials by numeric id.
type ProxyStore interface {
	GetProxy(ctx context.Context, id int64) (domain.ProxyCredentials, error)
	PutProxy(ctx context.Context, creds domain.ProxyCredentials) error
}

// Store combines profile and proxy persistence; both adapters implement it.
type Store interface {
	ProfileStore
	ProxyStore
}

package credentialsmock

import (
	"context"
	"sync"

	"github.com/p2pdesk/exchange-client/internal/credentials"
	"github.com/p2pdesk/exchange-client/internal/serviceerr"
)

// Store is an in-memory credentials.Store with injectable errors.
type Store struct {
	mu      sync.Mutex
	tokens  *credentials.TokenPair
	profile *credentials.Profile

	loadTokensErr, saveTokensErr, loadProfileErr, saveProfileErr, clearErr error

	saves  int
	clears int
}

var _ credentials.Store = (*Store)(nil)

func NewInMemStore(loadTokensErr, saveTokensErr, loadProfileErr, saveProfileErr, clearErr error) *Store {
	return &Store{
		loadTokensErr:  loadTokensErr,
		saveTokensErr:  saveTokensErr,
		loadProfileErr: loadProfileErr,
		saveProfileErr: saveProfileErr,
		clearErr:       clearErr,
	}
}

// WithTokens seeds the store.
func (s *Store) WithTokens(tokens credentials.TokenPair) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = &tokens
	return s
}

func (s *Store) LoadTokens(ctx context.Context) (credentials.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadTokensErr != nil {
		return credentials.TokenPair{}, s.loadTokensErr
	}

	if s.tokens == nil {
		return credentials.TokenPair{}, serviceerr.ErrNotFound
	}

	return *s.tokens, nil
}

func (s *Store) SaveTokens(ctx context.Context, tokens credentials.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveTokensErr != nil {
		return s.saveTokensErr
	}

	s.tokens = &tokens
	s.saves++
	return nil
}

func (s *Store) LoadProfile(ctx context.Context) (credentials.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadProfileErr != nil {
		return credentials.Profile{}, s.loadProfileErr
	}

	if s.profile == nil {
		return credentials.Profile{}, serviceerr.ErrNotFound
	}

	return *s.profile, nil
}

func (s *Store) SaveProfile(ctx context.Context, profile credentials.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveProfileErr != nil {
		return s.saveProfileErr
	}

	s.profile = &profile
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clearErr != nil {
		return s.clearErr
	}

	s.tokens = nil
	s.profile = nil
	s.clears++
	return nil
}

// ClearCount returns how many times Clear succeeded.
func (s *Store) ClearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clears
}

// SaveCount returns how many times SaveTokens succeeded.
func (s *Store) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saves
}

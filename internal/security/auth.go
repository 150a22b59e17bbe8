// Package security gates every coordinator operation: authentication,
// role checks, row-level ownership scoping, per-role rate limits and the
// async audit trail.
package security

import (
	"context"
	"errors"
	"sync"

	"github.com/polydoc/polydoc-api/internal/domain"
)

// AuthProvider resolves a bearer token to a user. Implementations must be
// safe for concurrent use.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// StaticProvider is a token table for tests and single-node deployments.
type StaticProvider struct {
	mu     sync.RWMutex
	tokens map[string]*domain.User
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{tokens: make(map[string]*domain.User)}
}

func (p *StaticProvider) Register(token string, user *domain.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = user
}

func (p *StaticProvider) Authenticate(_ context.Context, token string) (*domain.User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	user, ok := p.tokens[token]
	if !ok {
		return nil, domain.Unauthenticated(errors.New("unknown token"))
	}
	return user, nil
}

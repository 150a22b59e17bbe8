package security

import (
	"context"
	"log/slog"
	"time"

	"github.com/polydoc/polydoc-api/internal/domain"
)

// Scope is the row-level visibility of a caller. When All is false, reads
// and queries are restricted to rows whose owner_id equals OwnerID.
type Scope struct {
	OwnerID string
	All     bool
}

// Gate performs the full admission sequence for one operation: authenticate,
// rate limit, permission check, and audit. Ownership checks happen after the
// row is loaded, via CheckOwnership or the query-time Scope.
type Gate struct {
	provider AuthProvider
	limiter  *RateLimiter
	audit    *AuditBuffer
	logger   *slog.Logger
	now      func() time.Time
}

func NewGate(provider AuthProvider, limiter *RateLimiter, audit *AuditBuffer, logger *slog.Logger) *Gate {
	return &Gate{
		provider: provider,
		limiter:  limiter,
		audit:    audit,
		logger:   logger.WithGroup("security.Gate"),
		now:      time.Now,
	}
}

// Authenticate resolves the caller's token.
func (g *Gate) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	return g.provider.Authenticate(ctx, token)
}

// Authorize admits user to operation on subject, consuming one rate-limit
// token. Deny order is fixed: rate limit, then permission. Every decision is
// audited.
func (g *Gate) Authorize(ctx context.Context, user *domain.User, operation, subject string, perms ...domain.Permission) error {
	if user == nil {
		return domain.ErrUnauthenticated
	}

	if ok, wait := g.limiter.Allow(user); !ok {
		g.emit(user, operation, subject, DecisionDeny, "rate_limited")
		return domain.RateLimited(wait)
	}

	if !user.HasAll(perms...) {
		g.emit(user, operation, subject, DecisionDeny, "missing_permission")
		return domain.Forbidden("user %s lacks permission for %s", user.UserID, operation)
	}

	g.emit(user, operation, subject, DecisionAllow, "")
	return nil
}

// CheckOwnership enforces row-level access on an already-loaded row. Callers
// holding doc:read_all bypass the owner match.
func (g *Gate) CheckOwnership(user *domain.User, operation, subject, ownerID string) error {
	if user.Has(domain.PermReadAll) || user.Has(domain.PermAdmin) {
		return nil
	}
	if ownerID != "" && ownerID != user.UserID {
		g.emit(user, operation, subject, DecisionDeny, "not_owner")
		// Indistinguishable from a missing row so ids cannot be probed.
		return domain.NotFound("document %s not found", subject)
	}
	return nil
}

// ScopeFor returns the row-level predicate the query layer must apply for
// this caller.
func (g *Gate) ScopeFor(user *domain.User) Scope {
	if user.Has(domain.PermReadAll) || user.Has(domain.PermAdmin) {
		return Scope{All: true}
	}
	return Scope{OwnerID: user.UserID}
}

func (g *Gate) emit(user *domain.User, operation, subject, decision, reason string) {
	g.audit.Emit(AuditRecord{
		Timestamp: g.now(),
		UserID:    user.UserID,
		Role:      user.Role,
		Operation: operation,
		Subject:   subject,
		Decision:  decision,
		Reason:    reason,
	})
}

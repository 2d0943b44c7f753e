// Package auth resolves the actor a workflow operation runs for.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"compagnons/internal/domain"
)

// ErrUnauthorized covers both a missing actor and an actor without the
// required relationship to an entity.
var ErrUnauthorized = errors.New("unauthorized")

// UnauthorizedError names the relationship the actor lacks.
type UnauthorizedError struct {
	ActorID string
	Reason  string
}

func (e UnauthorizedError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return fmt.Sprintf("unauthorized: actor %s %s", e.ActorID, e.Reason)
}

func (e UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

// Provider exposes the current actor, if any.
type Provider interface {
	CurrentActor(ctx context.Context) (domain.Actor, bool)
}

// Require returns the current actor or an UnauthorizedError.
func Require(ctx context.Context, p Provider) (domain.Actor, error) {
	if p == nil {
		return domain.Actor{}, UnauthorizedError{Reason: "authentication required"}
	}
	a, ok := p.CurrentActor(ctx)
	if !ok || a.ID == "" {
		return domain.Actor{}, UnauthorizedError{Reason: "authentication required"}
	}
	return a, nil
}

// RequireRole checks the actor's role.
func RequireRole(a domain.Actor, role domain.Role) error {
	if a.Role != role {
		return UnauthorizedError{ActorID: a.ID, Reason: fmt.Sprintf("must have role %s", role)}
	}
	return nil
}

// Static always reports the same actor. The zero value reports none.
type Static struct {
	Actor *domain.Actor
}

func NewStatic(id string, role domain.Role) Static {
	return Static{Actor: &domain.Actor{ID: id, Role: role}}
}

func (s Static) CurrentActor(context.Context) (domain.Actor, bool) {
	if s.Actor == nil {
		return domain.Actor{}, false
	}
	return *s.Actor, true
}

type actorKey struct{}

// WithActor attaches an actor to ctx for the FromContext provider.
func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// FromContext reads the actor stored by WithActor.
type FromContext struct{}

func (FromContext) CurrentActor(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(domain.Actor)
	return a, ok && a.ID != ""
}

type claims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
}

// IssueToken signs an HS256 session token for a user.
func IssueToken(u domain.User, secret string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("token secret not configured")
	}
	expiresAt := now.Add(ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: u.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Authenticate validates a session token and returns its actor.
func Authenticate(token, secret string, now func() time.Time) (domain.Actor, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Actor{}, errors.New("token secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if now != nil {
		opts = append(opts, jwt.WithTimeFunc(now))
	}
	c := &claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Actor{}, err
	}
	if !parsed.Valid {
		return domain.Actor{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return domain.Actor{}, errors.New("subject claim required")
	}
	switch c.Role {
	case domain.RoleParticulier, domain.RoleCadre:
	default:
		return domain.Actor{}, fmt.Errorf("unknown role claim %q", c.Role)
	}
	return domain.Actor{ID: c.Subject, Role: c.Role}, nil
}

// Token resolves the actor from a signed session token. An invalid or
// expired token yields no actor.
type Token struct {
	Raw    string
	Secret string
	Now    func() time.Time
}

func (t Token) CurrentActor(context.Context) (domain.Actor, bool) {
	if t.Raw == "" {
		return domain.Actor{}, false
	}
	a, err := Authenticate(t.Raw, t.Secret, t.Now)
	if err != nil {
		return domain.Actor{}, false
	}
	return a, true
}

// Chain returns the first actor reported by its providers.
type Chain []Provider

func (c Chain) CurrentActor(ctx context.Context) (domain.Actor, bool) {
	for _, p := range c {
		if a, ok := p.CurrentActor(ctx); ok {
			return a, true
		}
	}
	return domain.Actor{}, false
}

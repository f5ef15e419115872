package web

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID   string
	TenantID string
}

// SessionValidator turns a bearer token into a principal. The default is
// JWT validation; tests and embedded deployments can substitute their own.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// TenantResolver supplies a tenant id for sessions that carry none.
// Implementations may auto-provision.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, userID string) (string, error)
}

type principalKey struct{}

// PrincipalFrom reads the authenticated principal stored by the auth
// middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// sessionClaims are the JWT claims the platform issues.
type sessionClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
}

// JWTValidator validates HMAC-signed session tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for tokens signed with secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and verifies the token. The subject claim is the user id.
func (v *JWTValidator) Validate(ctx context.Context, token string) (*Principal, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return &Principal{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

// AutoProvisionResolver assigns each user a stable tenant id, creating one
// on first sight. Suitable for single-node deployments where tenants map
// one-to-one onto users.
type AutoProvisionResolver struct {
	mu      sync.Mutex
	tenants map[string]string
}

// NewAutoProvisionResolver creates an empty resolver.
func NewAutoProvisionResolver() *AutoProvisionResolver {
	return &AutoProvisionResolver{tenants: make(map[string]string)}
}

// ResolveTenant returns the user's tenant, provisioning one when absent.
func (r *AutoProvisionResolver) ResolveTenant(ctx context.Context, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.tenants[userID]; ok {
		return id, nil
	}
	id := "tenant-" + userID
	r.tenants[userID] = id
	return id, nil
}

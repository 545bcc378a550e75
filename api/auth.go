package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/logger"
)

// =============================================================================
// TOKENS
// =============================================================================

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrInvalidRole  = errors.New("token carries an unknown role")
)

// Claims are the JWT claims the service understands. The subject is the
// user id.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	ProjectID string `json:"project_id,omitempty"`
}

// Authenticator verifies bearer tokens signed with a shared HMAC secret.
// Tokens are minted elsewhere; IssueToken exists for tests and the demo
// scenarios.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (a *Authenticator) IssueToken(p inventory.Principal, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(p.Role),
	}
	if p.ProjectID != nil {
		claims.ProjectID = *p.ProjectID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a token into the principal it names.
func (a *Authenticator) Verify(token string) (*inventory.Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	p := &inventory.Principal{UserID: claims.Subject, Role: inventory.Role(claims.Role)}
	if !p.Role.Valid() {
		return nil, ErrInvalidRole
	}
	if claims.ProjectID != "" {
		pid := claims.ProjectID
		p.ProjectID = &pid
	}
	return p, nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *inventory.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, or nil. The service
// layer turns a nil principal into NotAuthenticated.
func PrincipalFrom(ctx context.Context) *inventory.Principal {
	p, _ := ctx.Value(principalKey{}).(*inventory.Principal)
	return p
}

// authenticate attaches the bearer token's principal to the request. A
// request without a token passes through anonymous; a bad token is
// rejected here.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			h.metrics.RecordAuthFailure("malformed_header")
			writeError(w, r, inventory.ErrNotAuthenticated)
			return
		}

		p, err := h.auth.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrExpiredToken) {
				reason = "expired_token"
			}
			h.metrics.RecordAuthFailure(reason)
			logger.FromContext(r.Context()).Warn("rejected bearer token")
			writeError(w, r, inventory.ErrNotAuthenticated)
			return
		}

		ctx := WithPrincipal(r.Context(), p)
		ctx = logger.WithUserID(ctx, p.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

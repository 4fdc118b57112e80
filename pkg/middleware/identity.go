package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type identityKey struct{}

const ginIdentityKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ginIdentityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

type roleClaims struct {
	Role string `json:"role,omitempty"`
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	key    []byte
	issuer string
	leeway time.Duration
}

// MinSecretLength is the shortest HS256 key accepted, the size of the MAC.
const MinSecretLength = 32

func NewTokenVerifier(cfg *config.Config) (*TokenVerifier, error) {
	if len(cfg.Auth.JWTSecret) < MinSecretLength {
		return nil, fmt.Errorf("auth.jwt_secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Auth.JWTSecret))
	}
	return &TokenVerifier{
		key:    []byte(cfg.Auth.JWTSecret),
		issuer: cfg.Auth.Issuer,
		leeway: time.Minute,
	}, nil
}

func (v *TokenVerifier) Verify(raw string) (Identity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Identity{}, err
	}

	var std jwt.Claims
	var custom roleClaims
	if err := tok.Claims(v.key, &std, &custom); err != nil {
		return Identity{}, err
	}

	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: v.issuer, Time: time.Now()}, v.leeway); err != nil {
		return Identity{}, err
	}

	if std.Subject == "" {
		return Identity{}, errutil.Unauthorized("token has no subject", nil)
	}

	role := custom.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{UserID: std.Subject, Role: role}, nil
}

// Sign issues a token for id. Used by operator tooling and tests.
func (v *TokenVerifier) Sign(id Identity, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: v.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	now := time.Now()
	std := jwt.Claims{
		Subject:  id.UserID,
		Issuer:   v.issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(signer).Claims(std).Claims(roleClaims{Role: id.Role}).Serialize()
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller identity on both the gin and request contexts.
func Authenticate(v *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			_ = c.Error(errutil.Unauthorized("missing bearer token", nil))
			c.Abort()
			return
		}

		id, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			_ = c.Error(errutil.Unauthorized("invalid token", err))
			c.Abort()
			return
		}

		c.Set(ginIdentityKey, id)
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

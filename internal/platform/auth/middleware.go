// Package auth authenticates API callers from bearer JWTs and exposes the
// resulting identity (user, organization, roles, verification) through the
// request context.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	OrgIDKey     contextKey = "org_id"
	UserRolesKey contextKey = "user_roles"
	VerifiedKey  contextKey = "verified"
)

// Claims are the token claims the server understands. Verified marks an
// identity whose researcher or organization credentials were checked by
// the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	OrgID    string   `json:"org_id,omitempty"`
	Roles    []string `json:"roles"`
	Verified bool     `json:"verified"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	// Optional lets requests without an Authorization header through
	// anonymously. A presented token must still be valid.
	Optional bool
}

// JWTMiddleware validates bearer tokens. With a SigningKey tokens are HS256;
// otherwise RS256 keys come from JWKSURL, or from the issuer's OIDC
// discovery document when JWKSURL is empty.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return cfg.SigningKey, nil
		}
	} else {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" && cfg.Issuer != "" {
			if provider, err := NewOIDCProvider(cfg.Issuer); err == nil {
				jwksURL = provider.JWKSURI
			}
		}
		keyFunc = jwksKeyFunc(jwksURL)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				if cfg.Optional {
					return next(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), Identity{
				UserID:   claims.Subject,
				OrgID:    claims.OrgID,
				Roles:    claims.Roles,
				Verified: claims.Verified,
			})))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token act as a verified admin "dev-user"; requests carrying a
// token are validated with cfg.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	jwtMW := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := jwtMW(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" && len(cfg.SigningKey) > 0 {
				return validated(c)
			}
			ctx := WithIdentity(c.Request().Context(), Identity{
				UserID:   "dev-user",
				Roles:    []string{"admin"},
				Verified: true,
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	OrgID    string
	Roles    []string
	Verified bool
}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, id.UserID)
	ctx = context.WithValue(ctx, OrgIDKey, id.OrgID)
	ctx = context.WithValue(ctx, UserRolesKey, id.Roles)
	ctx = context.WithValue(ctx, VerifiedKey, id.Verified)
	return ctx
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func OrgIDFromContext(ctx context.Context) string {
	oid, _ := ctx.Value(OrgIDKey).(string)
	return oid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func VerifiedFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(VerifiedKey).(bool)
	return v
}

// Owner id prefixes keep organization and user ids in separate namespaces.
const (
	OwnerOrgPrefix  = "org:"
	OwnerUserPrefix = "user:"
)

// OwnerFromContext returns the party that owns claims made by this caller:
// the organization when the token names one, otherwise the user. ok is
// false for an unauthenticated context.
func OwnerFromContext(ctx context.Context) (ownerID string, verified bool, ok bool) {
	if org := OrgIDFromContext(ctx); org != "" {
		return OwnerOrgPrefix + org, VerifiedFromContext(ctx), true
	}
	if user := UserIDFromContext(ctx); user != "" {
		return OwnerUserPrefix + user, VerifiedFromContext(ctx), true
	}
	return "", false, false
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// OwnerHeader carries the owner scope when AllowOwnerHeader is set.
const OwnerHeader = "X-Owner-Id"

type AuthConfig struct {
	JWTSecret string
	// AllowOwnerHeader trusts X-Owner-Id without a token. Local development only.
	AllowOwnerHeader bool
}

// Principal is the authenticated caller. OwnerID scopes every record query.
type Principal struct {
	OwnerID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ownerFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.OwnerID != "" {
		return p.OwnerID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{OwnerID: claims.Subject, Source: "jwt"}, nil
}

// SignToken mints an HS256 token whose subject is owner. ttl <= 0 means no expiry.
func SignToken(secret, owner string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(owner) == "" {
		return "", errors.New("owner required")
	}
	claims := jwtClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  owner,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "opsdeck",
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authenticator resolves the caller of every request under the base path
// except the open endpoints.
type authenticator struct {
	basePath string
	cfg      AuthConfig
	open     map[string]bool
	log      zerolog.Logger
}

func newAuthMiddleware(basePath string, cfg AuthConfig, logger zerolog.Logger) func(http.Handler) http.Handler {
	a := &authenticator{
		basePath: basePath,
		cfg:      cfg,
		open: map[string]bool{
			path.Join(basePath, "health"):         true,
			path.Join(basePath, "openapi.json"):   true,
			path.Join(basePath, "auth/dev/login"): true,
		},
		log: logger,
	}
	return a.wrap
}

func (a *authenticator) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !a.guarded(req.URL.Path) {
			next.ServeHTTP(w, req)
			return
		}
		p, serr := a.principal(req)
		if serr != nil {
			respondStatusError(w, serr)
			return
		}
		next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
	})
}

func (a *authenticator) guarded(p string) bool {
	if a.basePath != "" && !strings.HasPrefix(p, a.basePath) {
		return false
	}
	return !a.open[p]
}

// principal prefers a bearer token; a bad token is never retried as the
// owner header.
func (a *authenticator) principal(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, errInvalidCredentials()
		}
		p, err := authenticateJWT(token, a.cfg.JWTSecret)
		if err != nil {
			a.log.Debug().Err(err).Str("path", req.URL.Path).Msg("rejected bearer token")
			return Principal{}, errInvalidCredentials()
		}
		return p, nil
	}
	if owner := strings.TrimSpace(req.Header.Get(OwnerHeader)); owner != "" && a.cfg.AllowOwnerHeader {
		return Principal{OwnerID: owner, Source: "owner_header"}, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errInvalidCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

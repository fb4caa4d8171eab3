// AngelaMos | 2026
// jwt.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/carterperez-dev/varylite/internal/config"
	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/middleware"
)

const (
	jwksRefreshInterval = 15 * time.Minute
	jwksRetryInterval   = 10 * time.Second
)

// Denylist reports whether a token id was revoked before its expiry.
type Denylist interface {
	IsAccessTokenBlacklisted(ctx context.Context, jti string) (bool, error)
}

// Verifier validates access tokens issued by the external identity
// provider. HS256 tokens are checked against the shared secret; otherwise
// the provider's JWKS is fetched and cached.
type Verifier struct {
	config   config.AuthConfig
	secret   jwk.Key
	denylist Denylist

	mu        sync.RWMutex
	keySet    jwk.Set
	fetchedAt time.Time
	retryAt   time.Time
	fetchErr  error
	fetch     func(ctx context.Context, url string) (jwk.Set, error)
}

func NewVerifier(cfg config.AuthConfig, denylist Denylist) (*Verifier, error) {
	v := &Verifier{
		config:   cfg,
		denylist: denylist,
		fetch: func(ctx context.Context, url string) (jwk.Set, error) {
			return jwk.Fetch(ctx, url)
		},
	}

	if cfg.JWTSecret != "" {
		key, err := jwk.Import([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("import jwt secret: %w", err)
		}
		v.secret = key
		return v, nil
	}

	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("auth: jwt secret or jwks url is required")
	}

	return v, nil
}

func (v *Verifier) Mode() string {
	if v.secret != nil {
		return "HS256"
	}
	return "JWKS"
}

func (v *Verifier) VerifyAccessToken(
	ctx context.Context,
	tokenString string,
) (*middleware.AccessTokenClaims, error) {
	keyOpt, err := v.keyOption(ctx)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParseOption{
		keyOpt,
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		if isTokenExpiredError(err) {
			return nil, fmt.Errorf("verify token: %w", core.ErrTokenExpired)
		}
		return nil, fmt.Errorf("verify token: %w", core.ErrTokenInvalid)
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf(
			"verify token: missing subject: %w",
			core.ErrTokenInvalid,
		)
	}

	var email string
	//nolint:errcheck // email claim is optional
	_ = token.Get("email", &email)

	claims := &middleware.AccessTokenClaims{
		UserID: subject,
		Email:  strings.ToLower(email),
	}

	if jti, ok := token.JwtID(); ok {
		claims.TokenID = jti
	}
	if exp, ok := token.Expiration(); ok {
		claims.ExpiresAt = exp
	}

	if claims.TokenID != "" && v.denylist != nil {
		revoked, err := v.denylist.IsAccessTokenBlacklisted(ctx, claims.TokenID)
		if err != nil {
			return nil, fmt.Errorf("verify token: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("verify token: %w", core.ErrTokenRevoked)
		}
	}

	return claims, nil
}

func (v *Verifier) keyOption(ctx context.Context) (jwt.ParseOption, error) {
	if v.secret != nil {
		return jwt.WithKey(jwa.HS256(), v.secret), nil
	}

	set, err := v.jwks(ctx)
	if err != nil {
		return nil, err
	}

	return jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)), nil
}

// jwks returns the cached key set, refetching it once it is older than
// jwksRefreshInterval. After a failed fetch the stale set (or the fetch
// error) is served until jwksRetryInterval passes.
func (v *Verifier) jwks(ctx context.Context) (jwk.Set, error) {
	v.mu.RLock()
	set, usable := v.cachedLocked(time.Now())
	v.mu.RUnlock()

	if usable {
		return set, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	if set, usable := v.cachedLocked(now); usable {
		return set, nil
	}
	if now.Before(v.retryAt) {
		return nil, v.unavailable(v.fetchErr)
	}

	fresh, err := v.fetch(ctx, v.config.JWKSURL)
	if err != nil {
		v.retryAt = now.Add(jwksRetryInterval)
		v.fetchErr = err
		if v.keySet != nil {
			return v.keySet, nil
		}
		return nil, v.unavailable(err)
	}

	v.keySet = fresh
	v.fetchedAt = now
	v.retryAt = time.Time{}
	v.fetchErr = nil
	return fresh, nil
}

func (v *Verifier) cachedLocked(now time.Time) (jwk.Set, bool) {
	if v.keySet == nil {
		return nil, false
	}
	if now.Sub(v.fetchedAt) < jwksRefreshInterval || now.Before(v.retryAt) {
		return v.keySet, true
	}
	return nil, false
}

func (v *Verifier) unavailable(err error) error {
	return errors.Join(
		core.ErrUnavailable,
		fmt.Errorf("fetch jwks: %w", err),
	)
}

func isTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "exp") &&
		strings.Contains(errStr, "not satisfied")
}

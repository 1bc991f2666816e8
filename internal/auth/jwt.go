// Package auth issues and validates the HS256 bearer tokens that calling
// services present to the HTTP API.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/common/logging"
)

const (
	// Issuer is stamped on and required in every token.
	Issuer = "oauth-refresher"
	// DefaultTokenTTL is used when GenerateJWT is given a non-positive ttl.
	DefaultTokenTTL = 24 * time.Hour
	// MinSecretLength matches the config validation for JWT_SECRET.
	MinSecretLength = 32

	blacklistPrefix = "jwt:blacklist:"
)

// Claims identifies the calling service through the subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Blacklist stores revoked tokens until they would have expired anyway.
// *redis.Client implements it.
type Blacklist interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

type contextKey struct{}

type Auth struct {
	secret    []byte
	blacklist Blacklist
	now       func() time.Time
	logger    logging.Logger
}

// New returns an error when secret is shorter than MinSecretLength.
// blacklist may be nil, in which case tokens cannot be revoked.
func New(secret string, blacklist Blacklist) (*Auth, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.ConfigError(fmt.Sprintf("JWT secret must be at least %d characters", MinSecretLength))
	}
	return &Auth{
		secret:    []byte(secret),
		blacklist: blacklist,
		now:       time.Now,
		logger:    logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "auth"}),
	}, nil
}

// GenerateJWT mints a token for subject valid for ttl.
func (a *Auth) GenerateJWT(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.ValidationError("subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.InternalError("failed to sign token", err)
	}
	return signed, nil
}

// ValidateJWT parses tokenString, checks signature, issuer and expiry, and
// rejects revoked tokens.
func (a *Auth) ValidateJWT(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return nil, errors.AuthError("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.AuthError("token has no subject")
	}

	if a.blacklist != nil {
		revoked, err := a.blacklist.Exists(ctx, blacklistPrefix+tokenString)
		if err != nil {
			return nil, errors.ConnectionError("failed to check token revocation", err)
		}
		if revoked {
			return nil, errors.AuthError("token has been revoked")
		}
	}

	return claims, nil
}

// RevokeJWT blacklists a valid token for the rest of its lifetime.
func (a *Auth) RevokeJWT(ctx context.Context, tokenString string) error {
	if a.blacklist == nil {
		return errors.ConfigError("token revocation requires Redis")
	}

	claims, err := a.ValidateJWT(ctx, tokenString)
	if err != nil {
		return err
	}

	ttl := claims.ExpiresAt.Time.Sub(a.now())
	if ttl <= 0 {
		return nil
	}
	if err := a.blacklist.Set(ctx, blacklistPrefix+tokenString, claims.Subject, ttl); err != nil {
		return errors.ConnectionError("failed to revoke token", err)
	}
	return nil
}

// RequireJWT rejects requests without a valid bearer token and stores the
// caller's subject in the request context.
func (a *Auth) RequireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			unauthorized(w, "Authentication required")
			return
		}

		claims, err := a.ValidateJWT(r.Context(), tokenString)
		if err != nil {
			if errors.IsType(err, errors.ErrTypeConnection) {
				a.logger.Error("Token revocation check failed", err)
			}
			unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithCaller(ctx, claims.Subject)))
	})
}

// SubjectFromContext returns the authenticated caller set by RequireJWT.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(contextKey{}).(string)
	return subject, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="oauth-refresher"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

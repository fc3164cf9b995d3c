package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"runbox/internal/common/cache"
	pkgerrors "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const tokenBlacklistKey = "runbox:token:blacklist"

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret       []byte
	issuer       string
	blacklist    cache.SetOps
	redisTimeout time.Duration
}

// NewTokenVerifier creates a verifier. blacklist may be nil.
func NewTokenVerifier(secret, issuer string, blacklist cache.SetOps, redisTimeout time.Duration) *TokenVerifier {
	if redisTimeout <= 0 {
		redisTimeout = 100 * time.Millisecond
	}
	return &TokenVerifier{
		secret:       []byte(secret),
		issuer:       issuer,
		blacklist:    blacklist,
		redisTimeout: redisTimeout,
	}
}

// Claims identifies the caller of a verified token.
type Claims struct {
	Subject string
	Role    string
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verify parses raw and checks signature, expiry, issuer and revocation.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if len(v.secret) == 0 {
		return Claims{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return Claims{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Claims{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Claims{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if v.blacklist != nil {
		ctxCache, cancel := context.WithTimeout(ctx, v.redisTimeout)
		defer cancel()
		revoked, err := v.blacklist.SIsMember(ctxCache, tokenBlacklistKey, hashToken(raw))
		if err != nil {
			return Claims{}, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
		}
		if revoked {
			return Claims{}, pkgerrors.New(pkgerrors.TokenInvalid)
		}
	}
	return Claims{Subject: claims.Subject, Role: claims.Role}, nil
}

// AuthMiddleware requires a valid bearer token. A nil verifier leaves the
// route public.
func AuthMiddleware(verifier *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}
		token := extractBearerToken(c.GetHeader("Authorization"))
		claims, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(contextkey.UserID.Name(), claims.Subject)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, claims.Subject))
		c.Next()
	}
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

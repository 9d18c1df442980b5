package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	jwtIssuer   = "aifx-v2"
	jwtAudience = "aifx-v2-users"

	ctxUserID    = "user_id"
	ctxServiceID = "service_id"
	ctxAuthKind  = "auth_kind"
)

// Claims are the JWT claims carried by user access tokens.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// TokenPair is issued on login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

// IssueTokens mints an HS256 access/refresh pair for a user.
func (s *Server) IssueTokens(userID string) (*TokenPair, error) {
	now := time.Now().UTC()

	access, err := s.signToken(userID, now, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := s.signToken(userID, now, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Server) signToken(userID string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Audience:  jwt.ClaimStrings{jwtAudience},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// parseJWT validates an HS256 token against issuer and audience.
func (s *Server) parseJWT(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	},
		jwt.WithIssuer(jwtIssuer),
		jwt.WithAudience(jwtAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// isAPIKeyShape reports whether a bearer token looks like an opaque API
// key: 64 hex characters, no dot. Everything else is treated as a JWT.
func isAPIKeyShape(token string) bool {
	if len(token) != 64 || strings.Contains(token, ".") {
		return false
	}
	for _, r := range token {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// authMiddleware authenticates requests by bearer token. 64-hex tokens
// are API keys (internal services); everything else is a user JWT.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abort(c, KindUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		if isAPIKeyShape(token) {
			key, err := s.db.ValidateAPIKey(c.Request.Context(), token)
			if err != nil {
				log.Error().Err(err).Msg("API key validation failed")
				abort(c, KindInternal, "authentication error")
				return
			}
			if key == nil {
				abort(c, KindUnauthorized, "invalid or expired API key")
				return
			}
			c.Set(ctxServiceID, key.ServiceID)
			c.Set(ctxAuthKind, "api_key")
			keyID := key.ID
			go func() {
				touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = s.db.TouchAPIKey(touchCtx, keyID)
			}()
			c.Next()
			return
		}

		claims, err := s.parseJWT(token)
		if err != nil {
			log.Debug().Err(err).Str("ip", c.ClientIP()).Msg("JWT validation failed")
			abort(c, KindUnauthorized, "invalid token")
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxAuthKind, "jwt")
		c.Next()
	}
}

// requireService rejects requests not authenticated with an API key.
func (s *Server) requireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxAuthKind) != "api_key" {
			abort(c, KindForbidden, "endpoint requires service credentials")
			return
		}
		c.Next()
	}
}

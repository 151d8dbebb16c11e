package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	apikeydomain "github.com/smallbiznis/verdant/internal/apikey/domain"
	auditcontext "github.com/smallbiznis/verdant/internal/auditcontext"
)

const (
	contextAuthTypeKey     = "auth_type"
	contextAPIKeyIDKey     = "api_key_id"
	contextAPIKeyScopesKey = "api_key_scopes"

	actorTypeAPIKey    = "api_key"
	actorTypeBootstrap = "bootstrap"
)

// APIKeyRequired authenticates requests with a Bearer API key.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		key, err := s.apiKeySvc.Authenticate(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, apikeydomain.ErrNotFound) || errors.Is(err, apikeydomain.ErrRevoked) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		scopes := make([]string, 0, len(key.Scopes))
		scopes = append(scopes, key.Scopes...)
		ctx = context.WithValue(ctx, contextAuthTypeKey, actorTypeAPIKey)
		ctx = context.WithValue(ctx, contextAPIKeyIDKey, int64(key.ID))
		ctx = context.WithValue(ctx, contextAPIKeyScopesKey, scopes)
		ctx = auditcontext.WithActor(ctx, actorTypeAPIKey, key.ID.String())

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// BootstrapOrAPIKeyRequired gates key creation. A valid API key always
// passes. While no key exists yet, the configured bootstrap token passes
// instead, so a fresh deployment can mint its first key.
func (s *Server) BootstrapOrAPIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if key, err := s.apiKeySvc.Authenticate(c.Request.Context(), raw); err == nil {
			ctx := auditcontext.WithActor(c.Request.Context(), actorTypeAPIKey, key.ID.String())
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		count, err := s.apiKeySvc.Count(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}

		token := s.cfg.BootstrapToken
		if count > 0 || token == "" ||
			subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := auditcontext.WithActor(c.Request.Context(), actorTypeBootstrap, "bootstrap")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

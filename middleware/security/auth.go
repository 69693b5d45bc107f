package security

import (
	"net/http"
	"strings"

	"PPresence/tools/errs"
	toolsec "PPresence/tools/security"

	"github.com/gin-gonic/gin"
)

// Context keys set by the middleware for downstream handlers.
const (
	CtxUserIDKey = "userId"
	CtxTokenKey  = "authorization"
)

type Options struct {
	JWT toolsec.Options

	HeaderToken               string // default "authorization"
	EnableAuthorizationBearer bool   // default true
}

func DefaultOptions(jwt toolsec.Options) *Options {
	return &Options{
		JWT:                       jwt,
		HeaderToken:               CtxTokenKey,
		EnableAuthorizationBearer: true,
	}
}

// Middleware rejects requests without a verifiable token and stores the
// subject under CtxUserIDKey.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		// accept Authorization: Bearer xxx as well
		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuth.WithDetail("missing token"))
			return
		}

		userID, err := toolsec.Verify(opts.JWT, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuth.WithDetail("invalid token"))
			return
		}

		c.Set(CtxTokenKey, token)
		c.Set(CtxUserIDKey, userID)
		c.Next()
	}
}

// UserID reads the authenticated subject injected by Middleware.
func UserID(c *gin.Context) string {
	v, _ := c.Get(CtxUserIDKey)
	s, _ := v.(string)
	return s
}

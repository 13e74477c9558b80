package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/arencloud/hermes-upload/internal/authz"
	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/gin-gonic/gin"
)

const ctxCapability = "hermes.capability"

// requireCapability verifies the x-access-token header. A missing or
// invalid token is always 401; a valid token of the wrong scope is 403.
func requireCapability(v *vault.Vault, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := strings.TrimSpace(c.GetHeader(upload.TokenHeader))
		if tok == "" {
			respondError(c, http.StatusUnauthorized, "missing capability token")
			return
		}
		capability, err := v.VerifyCapability(tok)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "invalid capability")
			return
		}
		if capability.Scope != scope && capability.Scope != vault.ScopeAdmin {
			respondError(c, http.StatusForbidden, "capability scope does not allow this operation")
			return
		}
		c.Set(ctxCapability, capability)
		c.Next()
	}
}

func capabilityFrom(c *gin.Context) vault.Capability {
	v, _ := c.Get(ctxCapability)
	capability, _ := v.(vault.Capability)
	return capability
}

func grantFrom(c *gin.Context) authz.Grant {
	return authz.FromCapability(capabilityFrom(c))
}

// requireAdminKey checks "Authorization: Bearer <HERMES_ADMIN_API_KEY>".
func requireAdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || key == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(key)) != 1 {
			respondError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

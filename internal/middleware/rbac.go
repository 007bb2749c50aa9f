package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
	"github.com/noah-isme/sma-letter-api/pkg/response"
)

// RoleOperator gates operational endpoints such as the metrics summary.
const RoleOperator = "OPERATOR"

// RequireRoles admits callers whose token carries at least one of the roles.
// Letter commands are authorized per letter by the workflow, not here.
func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[strings.ToUpper(role)] = struct{}{}
	}
	return func(c *gin.Context) {
		claims := ClaimsFromContext(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		for _, role := range claims.Roles {
			if _, ok := allowed[strings.ToUpper(role)]; ok {
				c.Next()
				return
			}
		}
		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

package authorization

import (
	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"

	"knowledgebase/permission"
)

// ActorFromContext builds a permission.Actor from the JWT claims attached
// to the current request by Guard's middleware, so the claims shape
// stays owned by this package. No package in this repository calls it.
func ActorFromContext(c *gin.Context) permission.Actor {
	claims := jwt.ExtractClaims(c)
	userID := extractUserID(claims)
	roles := extractRoles(claims)
	superuser, _ := claims["is_superuser"].(bool)

	var orgID *uint64
	if raw, ok := claims["org_id"]; ok {
		switch v := raw.(type) {
		case float64:
			org := uint64(v)
			orgID = &org
		case uint64:
			org := v
			orgID = &org
		}
	}

	return permission.Actor{
		ID:          userID,
		OrgID:       orgID,
		Roles:       roles,
		IsSuperuser: superuser,
	}
}

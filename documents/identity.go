package documents

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"knowledgebase/apierror"
	"knowledgebase/authorization"
	"knowledgebase/permission"
)

// actorFromContext adapts the JWT-derived identity into the shape the
// permission predicate and the search/versions packages expect. It
// aborts the request and returns ok=false if no valid identity is
// present, which RequireAuthenticated should already have ruled out.
func actorFromContext(c *gin.Context) (permission.Actor, bool) {
	user := authorization.CurrentUser(c)
	if user == nil {
		apierror.Status(c, http.StatusUnauthorized, "invalid token")
		return permission.Actor{}, false
	}
	return permission.Actor{
		ID:          user.ID,
		OrgID:       user.OrgID,
		Roles:       user.Roles,
		IsSuperuser: user.IsSuperuser,
	}, true
}

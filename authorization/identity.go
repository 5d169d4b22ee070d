package authorization

import (
	"context"
	"errors"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	golangjwt "github.com/golang-jwt/jwt/v4"
)

// CurrentUser extracts the AuthenticatedUser carried in the request's
// JWT claims, the same fields IdentityHandler derives at middleware
// time. It returns nil when the request carries no valid claims, which
// callers downstream of RequireAuthenticated should never see.
func CurrentUser(c *gin.Context) *AuthenticatedUser {
	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return nil
	}
	userID := extractUserID(claims)
	if userID == 0 {
		return nil
	}

	username, _ := claims["username"].(string)
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

	return &AuthenticatedUser{
		ID:          userID,
		Username:    username,
		Roles:       extractRoles(claims),
		OrgID:       orgID,
		IsSuperuser: superuser,
	}
}

// ErrBearerTokenInvalid is returned by AuthenticateBearer when a raw
// bearer token string is neither a valid access-token JWT nor an active
// tool token.
var ErrBearerTokenInvalid = errors.New("authorization: bearer token invalid or expired")

// AuthenticateBearer resolves a raw bearer token string to the identity
// it carries, trying it first as a signed access-token JWT and falling
// back to a persisted tool token — the same either-or acceptance the
// tool-protocol stream promises its callers, reused here so both an
// interactive client and a long-lived integration can open that stream
// with the credential they already hold.
func (m *Module) AuthenticateBearer(ctx context.Context, rawToken string) (*AuthenticatedUser, error) {
	if m == nil {
		return nil, ErrBearerTokenInvalid
	}

	if user := m.parseAccessToken(rawToken); user != nil {
		return user, nil
	}

	ownerID, err := VerifyToolToken(m.db, rawToken)
	if err != nil {
		return nil, ErrBearerTokenInvalid
	}
	user, err := m.userStore.FindByID(ctx, ownerID)
	if err != nil {
		return nil, ErrBearerTokenInvalid
	}
	roles, err := m.userStore.FindRoleNames(ctx, ownerID)
	if err != nil {
		return nil, ErrBearerTokenInvalid
	}
	return &AuthenticatedUser{
		ID:          user.ID,
		Username:    user.Username,
		Roles:       roles,
		OrgID:       user.OrgID,
		IsSuperuser: user.IsSuperuser,
	}, nil
}

func (m *Module) parseAccessToken(rawToken string) *AuthenticatedUser {
	if len(m.jwtSecret) == 0 {
		return nil
	}
	parsed, err := golangjwt.Parse(rawToken, func(t *golangjwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*golangjwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil
	}
	claims, ok := parsed.Claims.(golangjwt.MapClaims)
	if !ok {
		return nil
	}
	userID := extractUserID(jwt.MapClaims(claims))
	if userID == 0 {
		return nil
	}
	username, _ := claims["username"].(string)
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
	return &AuthenticatedUser{
		ID:          userID,
		Username:    username,
		Roles:       extractRoles(jwt.MapClaims(claims)),
		OrgID:       orgID,
		IsSuperuser: superuser,
	}
}

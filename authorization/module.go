package authorization

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"knowledgebase/apierror"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	identityKey    = "user_id"
	defaultTimeout = time.Hour
)

var (
	ErrUsernameTaken       = errors.New("authorization: username already exists")
	ErrWeakPassword        = errors.New("authorization: password must be at least 6 characters")
	ErrUnknownOrganization = errors.New("authorization: organization does not exist")
)

// Module wires together the JWT middleware and backing services.
type Module struct {
	db            *gorm.DB
	userStore     *UserStore
	jwtMiddleware *jwt.GinJWTMiddleware
	jwtSecret     []byte
	captcha       *CaptchaStore
}

// OpenDatabaseFromEnv opens the same connection RegisterRoutes would,
// without mounting any HTTP routes — used by maintenance tooling that
// needs the shared database handle but has no gin.Engine of its own.
func OpenDatabaseFromEnv() (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("authorization: DATABASE_DSN environment variable is required")
	}

	driver := strings.TrimSpace(os.Getenv("DATABASE_DRIVER"))
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("authorization: DATABASE_DRIVER environment variable is required when DSN does not contain a scheme")
		}
	}
	return openDatabase(driver, dsn)
}

// RegisterRoutes bootstraps the authentication endpoints under /auth.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := OpenDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Organization{}, &User{}, &Role{}, &UserRole{}, &ToolToken{}); err != nil {
		return nil, fmt.Errorf("authorization: migrate models: %w", err)
	}
	if err := seedSystemRoles(db); err != nil {
		return nil, err
	}

	userStore := &UserStore{db: db}
	captchaStore := NewCaptchaStore(3 * time.Minute)
	authService := &AuthService{users: userStore}

	middleware, err := buildJWTMiddleware(authService)
	if err != nil {
		return nil, err
	}
	guard := NewGuard(middleware)

	authGroup := router.Group("/auth")
	authGroup.GET("/captcha", func(c *gin.Context) {
		challenge := captchaStore.Issue()
		expiresIn := int(challenge.TTL.Seconds())
		if expiresIn < 1 {
			expiresIn = int(time.Until(challenge.ExpiresAt).Seconds())
			if expiresIn < 1 {
				expiresIn = 1
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"captcha_id": challenge.ID,
			"image":      challenge.ImageBase64,
			"expires_in": expiresIn,
			"expires_at": challenge.ExpiresAt.UTC(),
		})
	})
	authGroup.POST("/register", func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierror.Status(c, http.StatusBadRequest, "invalid request payload")
			return
		}

		if captchaStore != nil && !captchaStore.Verify(req.CaptchaID, req.CaptchaAnswer) {
			apierror.Status(c, http.StatusBadRequest, "invalid captcha")
			return
		}

		ctx := c.Request.Context()
		user, err := authService.Register(ctx, RegisterParams{
			Username: req.Username,
			Password: req.Password,
			OrgID:    req.OrgID,
		})
		if err != nil {
			switch {
			case errors.Is(err, jwt.ErrMissingLoginValues):
				apierror.Status(c, http.StatusBadRequest, "username and password are required")
			case errors.Is(err, ErrWeakPassword):
				apierror.Status(c, http.StatusBadRequest, ErrWeakPassword.Error())
			case errors.Is(err, ErrUsernameTaken):
				apierror.Status(c, http.StatusConflict, "username already exists")
			case errors.Is(err, ErrUnknownOrganization):
				apierror.Status(c, http.StatusBadRequest, ErrUnknownOrganization.Error())
			default:
				apierror.Status(c, http.StatusInternalServerError, "failed to register")
			}
			return
		}

		roles, err := userStore.FindRoleNames(ctx, user.ID)
		if err != nil {
			apierror.Status(c, http.StatusInternalServerError, "failed to load user roles")
			return
		}

		c.JSON(http.StatusCreated, gin.H{"user": buildUserPayload(user, roles)})
	})

	authGroup.POST("/login", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apierror.Status(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body) == 0 {
			apierror.Status(c, http.StatusBadRequest, "invalid request payload")
			return
		}

		var req LoginRequest
		if err := json.Unmarshal(body, &req); err != nil {
			apierror.Status(c, http.StatusBadRequest, "invalid request payload")
			return
		}

		if captchaStore != nil && !captchaStore.Verify(req.CaptchaID, req.CaptchaAnswer) {
			apierror.Status(c, http.StatusBadRequest, "invalid captcha")
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		middleware.LoginHandler(c)
	})
	authGroup.POST("/refresh", middleware.RefreshHandler)

	secured := authGroup.Group("")
	secured.Use(middleware.MiddlewareFunc())
	secured.GET("/profile", func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		userID := extractUserID(claims)
		if userID == 0 {
			apierror.Status(c, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := c.Request.Context()
		user, err := userStore.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				apierror.Status(c, http.StatusNotFound, "user not found")
				return
			}
			apierror.Status(c, http.StatusInternalServerError, "failed to load user")
			return
		}

		roles, err := userStore.FindRoleNames(ctx, userID)
		if err != nil {
			apierror.Status(c, http.StatusInternalServerError, "failed to load roles")
			return
		}

		c.JSON(http.StatusOK, gin.H{"user": buildUserPayload(user, roles)})
	})

	secured.POST("/admin-requests", func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		userID := extractUserID(claims)
		if userID == 0 {
			apierror.Status(c, http.StatusUnauthorized, "invalid token")
			return
		}
		handleAdminRequest(c, userStore, userID)
	})
	secured.POST("/admin-requests/:id/approve", guard.RequireRole(RoleAdmin), func(c *gin.Context) {
		handleApproveAdminRequest(c, userStore)
	})

	registerTokenRoutes(secured, userStore)

	return &Module{
		db:            db,
		userStore:     userStore,
		jwtMiddleware: middleware,
		jwtSecret:     []byte(strings.TrimSpace(os.Getenv("JWT_SECRET"))),
		captcha:       captchaStore,
	}, nil
}

func (m *Module) Middleware() gin.HandlerFunc {
	if m == nil || m.jwtMiddleware == nil {
		return nil
	}
	return m.jwtMiddleware.MiddlewareFunc()
}

// Users exposes the user store directly, for callers (like the
// documents package's permission-sharing checks) that need to look up
// a user's own org_id rather than just the caller's.
func (m *Module) Users() *UserStore {
	if m == nil {
		return nil
	}
	return m.userStore
}

// DB exposes the underlying GORM handle so that other packages (metadata,
// tasks) can share one connection pool instead of opening a second one.
func (m *Module) DB() *gorm.DB {
	if m == nil {
		return nil
	}
	return m.db
}

func openDatabase(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	default:
		return nil, fmt.Errorf("authorization: unsupported database driver %q", driver)
	}
}

func inferDriverFromDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return "sqlite"
	default:
		return ""
	}
}

// seedSystemRoles ensures the closed set of built-in role codes exists so
// that RequireAnyRole checks and shared_with_roles fragments always have a
// concrete Role row to reference.
func seedSystemRoles(db *gorm.DB) error {
	builtins := []Role{
		{Name: "Administrator", Code: RoleAdmin, System: true},
		{Name: "Editor", Code: RoleEditor, System: true},
		{Name: "Viewer", Code: RoleViewer, System: true},
	}
	for _, role := range builtins {
		var existing Role
		err := db.Where("code = ?", role.Code).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := db.Create(&role).Error; err != nil {
				return fmt.Errorf("authorization: seed role %s: %w", role.Code, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("authorization: load role %s: %w", role.Code, err)
		}
	}
	return nil
}

func buildJWTMiddleware(service *AuthService) (*jwt.GinJWTMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "knowledgebase",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if user, ok := data.(*AuthenticatedUser); ok {
				claims := jwt.MapClaims{
					identityKey:    user.ID,
					"username":     user.Username,
					"roles":        user.Roles,
					"is_superuser": user.IsSuperuser,
				}
				if user.OrgID != nil {
					claims["org_id"] = *user.OrgID
				}
				return claims
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			idValue := claims[identityKey]
			username, _ := claims["username"].(string)

			var id uint64
			switch v := idValue.(type) {
			case float64:
				id = uint64(v)
			case int64:
				id = uint64(v)
			case uint64:
				id = v
			case int:
				id = uint64(v)
			case uint:
				id = uint64(v)
			}

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
				ID:          id,
				Username:    username,
				Roles:       extractRoles(claims),
				OrgID:       orgID,
				IsSuperuser: superuser,
			}
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			var req LoginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}

			user, err := service.Authenticate(c.Request.Context(), req.Username, req.Password)
			if err != nil {
				return nil, err
			}

			c.Set("authenticated_user", user)

			return user, nil
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			_, ok := data.(*AuthenticatedUser)
			return ok
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			apierror.Status(c, code, message)
		},
		LoginResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{
				"token":  token,
				"expire": expire,
			}

			if value, ok := c.Get("authenticated_user"); ok {
				if authUser, ok := value.(*AuthenticatedUser); ok && authUser != nil {
					if user, err := service.users.FindByID(c.Request.Context(), authUser.ID); err == nil {
						roles := authUser.Roles
						if roles == nil {
							roles = []string{}
						}
						response["user"] = buildUserPayload(user, roles)
					}
				}
			} else {
				claims := jwt.ExtractClaims(c)
				userID := extractUserID(claims)
				if userID != 0 {
					if user, err := service.users.FindByID(c.Request.Context(), userID); err == nil {
						roles := extractRoles(claims)
						response["user"] = buildUserPayload(user, roles)
					}
				}
			}

			c.JSON(code, response)
		},
		RefreshResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{
				"token":  token,
				"expire": expire,
			}

			claims := jwt.ExtractClaims(c)
			userID := extractUserID(claims)
			roles := extractRoles(claims)

			if userID != 0 {
				if user, err := service.users.FindByID(c.Request.Context(), userID); err == nil {
					response["user"] = buildUserPayload(user, roles)
				}
			}

			c.JSON(code, response)
		},
		TokenLookup:   "header: Authorization, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

// LoginRequest represents the expected payload for the login endpoint.
type LoginRequest struct {
	Username      string `json:"username" binding:"required"`
	Password      string `json:"password" binding:"required"`
	CaptchaID     string `json:"captcha_id" binding:"required"`
	CaptchaAnswer string `json:"captcha_answer" binding:"required"`
}

// RegisterRequest captures the payload for user registration.
type RegisterRequest struct {
	Username      string  `json:"username" binding:"required"`
	Password      string  `json:"password" binding:"required,min=6"`
	CaptchaID     string  `json:"captcha_id" binding:"required"`
	CaptchaAnswer string  `json:"captcha_answer" binding:"required"`
	OrgID         *uint64 `json:"org_id"`
}

// AuthenticatedUser is the minimal identity stored inside JWT claims.
type AuthenticatedUser struct {
	ID          uint64
	Username    string
	Roles       []string
	OrgID       *uint64
	IsSuperuser bool
}

// AuthService handles authentication concerns.
type AuthService struct {
	users *UserStore
}

// Authenticate validates the given credentials and returns an authenticated user.
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (*AuthenticatedUser, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		return nil, jwt.ErrMissingLoginValues
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jwt.ErrFailedAuthentication
		}
		return nil, fmt.Errorf("authorization: authenticate user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, jwt.ErrFailedAuthentication
	}

	roleNames, err := s.users.FindRoleNames(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("authorization: load roles: %w", err)
	}

	now := time.Now().UTC()
	_ = s.users.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Update("last_login_at", now).Error

	return &AuthenticatedUser{ID: user.ID, Username: user.Username, Roles: roleNames, OrgID: user.OrgID, IsSuperuser: user.IsSuperuser}, nil
}

// RegisterParams bundles the fields accepted by AuthService.Register.
type RegisterParams struct {
	Username string
	Password string
	OrgID    *uint64
}

// Register creates a new user with the provided credentials.
func (s *AuthService) Register(ctx context.Context, params RegisterParams) (*User, error) {
	username := strings.TrimSpace(params.Username)
	password := strings.TrimSpace(params.Password)

	if username == "" || password == "" {
		return nil, jwt.ErrMissingLoginValues
	}
	if len(password) < 6 {
		return nil, ErrWeakPassword
	}

	if params.OrgID != nil {
		var count int64
		if err := s.users.db.WithContext(ctx).Model(&Organization{}).Where("id = ?", *params.OrgID).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("authorization: check organization: %w", err)
		}
		if count == 0 {
			return nil, ErrUnknownOrganization
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("authorization: hash password: %w", err)
	}

	user := &User{
		Username:     username,
		PasswordHash: string(hash),
		OrgID:        params.OrgID,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("authorization: create user: %w", err)
	}

	return user, nil
}

// UserStore provides data access helpers backed by GORM.
type UserStore struct {
	db *gorm.DB
}

// FindByID loads a user by primary key.
func (s *UserStore) FindByID(ctx context.Context, id uint64) (*User, error) {
	if s == nil {
		return nil, errors.New("authorization: user store not initialized")
	}
	var user User
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&user)
	if result.Error != nil {
		return nil, result.Error
	}
	return &user, nil
}

// FindByUsername loads a user by unique username.
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	result := s.db.WithContext(ctx).Where("username = ?", username).First(&user)
	if result.Error != nil {
		return nil, result.Error
	}
	return &user, nil
}

// Create inserts a new user record.
func (s *UserStore) Create(ctx context.Context, user *User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

// FindRoleNames returns the role codes assigned to the given user.
func (s *UserStore) FindRoleNames(ctx context.Context, userID uint64) ([]string, error) {
	var roles []string
	err := s.db.WithContext(ctx).
		Model(&Role{}).
		Select("roles.code").
		Joins("JOIN user_roles ON user_roles.role_id = roles.id").
		Where("user_roles.user_id = ?", userID).
		Scan(&roles).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	return roles, nil
}

// GrantRole assigns the named role code to a user, idempotently.
func (s *UserStore) GrantRole(ctx context.Context, userID uint64, roleCode string) error {
	var role Role
	if err := s.db.WithContext(ctx).Where("code = ?", roleCode).First(&role).Error; err != nil {
		return fmt.Errorf("authorization: load role %s: %w", roleCode, err)
	}

	var existing UserRole
	err := s.db.WithContext(ctx).Where("user_id = ? AND role_id = ?", userID, role.ID).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.db.WithContext(ctx).Create(&UserRole{UserID: userID, RoleID: role.ID}).Error
}

func extractUserID(claims jwt.MapClaims) uint64 {
	if claims == nil {
		return 0
	}
	idValue, ok := claims[identityKey]
	if !ok {
		return 0
	}

	switch v := idValue.(type) {
	case float64:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	case uint:
		return uint64(v)
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return uint64(parsed)
		}
	}
	return 0
}

func extractRoles(claims jwt.MapClaims) []string {
	if claims == nil {
		return []string{}
	}

	switch raw := claims["roles"].(type) {
	case []string:
		return append([]string{}, raw...)
	case []interface{}:
		roles := make([]string, 0, len(raw))
		for _, role := range raw {
			if name, ok := role.(string); ok {
				roles = append(roles, name)
			}
		}
		return roles
	default:
		return []string{}
	}
}

func buildUserPayload(user *User, roles []string) gin.H {
	if user == nil {
		return gin.H{}
	}

	return gin.H{
		"id":            user.ID,
		"username":      user.Username,
		"status":        user.Status,
		"org_id":        user.OrgID,
		"is_superuser":  user.IsSuperuser,
		"last_login_at": user.LastLoginAt,
		"created_at":    user.CreatedAt,
		"updated_at":    user.UpdatedAt,
		"roles":         roles,
	}
}

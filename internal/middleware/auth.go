package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"shop/internal/utils"
	pkgutils "shop/pkg/utils"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "

	// Context keys set by Auth.
	UserIDKey    = "user_id"
	UserRoleKey  = "user_role"
	UserEmailKey = "user_email"
)

// TokenValidator resolves a bearer token to the caller.
type TokenValidator func(token string) (*UserInfo, error)

// AuthConfig configures Auth.
type AuthConfig struct {
	TokenValidator TokenValidator
	// SkipPaths are served without a token.
	SkipPaths []string
}

// UserInfo is the authenticated caller.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

// JWTValidator validates tokens issued by the auth service.
func JWTValidator(m *utils.JWTManager) TokenValidator {
	return func(token string) (*UserInfo, error) {
		claims, err := m.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		return &UserInfo{ID: claims.UserID, Email: claims.Email, Role: claims.Role}, nil
	}
}

// Auth rejects requests without a valid bearer token.
func Auth(validator TokenValidator) gin.HandlerFunc {
	return AuthWithConfig(AuthConfig{TokenValidator: validator})
}

// AuthWithConfig is Auth with skip paths.
func AuthWithConfig(config AuthConfig) gin.HandlerFunc {
	skipPaths := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			pkgutils.ErrorResponse(c, pkgutils.CodeUnauthorized, "Missing or malformed authorization header")
			c.Abort()
			return
		}

		user, err := config.TokenValidator(token)
		if err != nil {
			pkgutils.ErrorResponse(c, pkgutils.CodeUnauthorized, "Invalid token")
			c.Abort()
			return
		}

		setUser(c, user)
		c.Next()
	}
}

// OptionalAuth sets the caller when a valid token is present and never rejects.
func OptionalAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if user, err := validator(token); err == nil {
				setUser(c, user)
			}
		}
		c.Next()
	}
}

// RequireRole must run after Auth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := GetUserRole(c)
		if !ok {
			pkgutils.ErrorResponse(c, pkgutils.CodeUnauthorized, "Authentication required")
			c.Abort()
			return
		}
		for _, r := range roles {
			if strings.EqualFold(role, r) {
				c.Next()
				return
			}
		}
		pkgutils.ErrorResponse(c, pkgutils.CodeForbidden, "Insufficient permissions")
		c.Abort()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader(AuthorizationHeader)
	if !strings.HasPrefix(header, BearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
	return token, token != ""
}

func setUser(c *gin.Context, user *UserInfo) {
	c.Set(UserIDKey, user.ID)
	c.Set(UserRoleKey, user.Role)
	if user.Email != "" {
		c.Set(UserEmailKey, user.Email)
	}
}

// GetUserID returns the authenticated user id.
func GetUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// GetUserRole returns the authenticated user's role.
func GetUserRole(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserRoleKey)
	if !ok {
		return "", false
	}
	role, ok := v.(string)
	return role, ok
}

// IsAdmin reports whether the caller holds the ADMIN role.
func IsAdmin(c *gin.Context) bool {
	role, ok := GetUserRole(c)
	return ok && strings.EqualFold(role, utils.RoleAdmin)
}

package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	app "github.com/puripat-lakornthai/line-bot-backend/cmd/api/app"
)

// AuthUser represents the authenticated user.
type AuthUser struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

const tokenTTL = 12 * time.Hour

// Middleware validates the bearer token signed with the local secret,
// or injects a fixed admin user during tests.
func Middleware(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.TestBypassAuth {
			c.Set("user", AuthUser{ID: 1, Username: "test", DisplayName: "Test User", Role: "admin"})
			c.Next()
			return
		}
		if a.Cfg.JWTSecret == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "jwt secret not configured"})
			return
		}
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(a.Cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		u := AuthUser{
			Username:    getStringClaim(claims, "username"),
			DisplayName: getStringClaim(claims, "name"),
			Role:        getStringClaim(claims, "role"),
		}
		if sub, ok := claims["sub"].(float64); ok {
			u.ID = int64(sub)
		}
		c.Set("user", u)
		c.Next()
	}
}

func getStringClaim(c jwt.MapClaims, key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// SignToken issues a signed token for a user.
func SignToken(secret string, u AuthUser) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      u.ID,
		"username": u.Username,
		"name":     u.DisplayName,
		"role":     u.Role,
		"iat":      now.Unix(),
		"exp":      now.Add(tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login checks credentials against the users table and returns a JWT.
func Login(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in loginReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
			return
		}
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"token": "test-token"})
			return
		}
		var (
			u    AuthUser
			hash string
		)
		const q = `select user_id, username, coalesce(full_name,''), role, coalesce(password_hash,'') from users where username=$1`
		if err := a.DB.QueryRow(c.Request.Context(), q, in.Username).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &hash); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		token, err := SignToken(a.Cfg.JWTSecret, u)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "user": u})
	}
}

// Me returns the authenticated user.
func Me(c *gin.Context) {
	u, ok := c.Get("user")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, u)
}

// RequireRole ensures the user has one of the required roles. Admins
// pass every gate.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uVal, ok := c.Get("user")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		user, ok := uVal.(AuthUser)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid user"})
			return
		}
		if user.Role == "admin" {
			c.Next()
			return
		}
		for _, want := range roles {
			if user.Role == want {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printdesk/internal/config"
)

const (
	cookieName      = "printdesk_auth"
	defaultTokenTTL = 12 * time.Hour
	issuer          = "printdesk"
)

type Claims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

// AuthMiddleware guards the operator API with a single configured account.
// When disabled every request is treated as authenticated.
type AuthMiddleware struct {
	enabled  bool
	secret   []byte
	user     string
	passHash []byte
	ttl      time.Duration
	now      func() time.Time
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	AuthEnabled   bool   `json:"auth_enabled"`
	User          string `json:"user,omitempty"`
}

func NewAuthMiddleware(cfg *config.AuthConfig) (*AuthMiddleware, error) {
	a := &AuthMiddleware{
		enabled:  cfg.Enabled,
		secret:   []byte(cfg.JWTSecret),
		user:     cfg.AdminUser,
		passHash: []byte(cfg.AdminPassHash),
		ttl:      cfg.TokenTTL,
		now:      time.Now,
	}
	if a.ttl <= 0 {
		a.ttl = defaultTokenTTL
	}
	if a.enabled && (len(a.secret) == 0 || len(a.passHash) == 0) {
		return nil, errors.New("auth enabled without jwt secret or admin password hash")
	}
	return a, nil
}

func (a *AuthMiddleware) Enabled() bool {
	return a.enabled
}

func (a *AuthMiddleware) generateToken(user string) (string, error) {
	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			Issuer:    issuer,
		},
		Authenticated: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (a *AuthMiddleware) getTokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (a *AuthMiddleware) setAuthCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(cookieName, token, int(a.ttl.Seconds()), "/", "", true, true)
}

func (a *AuthMiddleware) clearAuthCookie(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", true, true)
}

func (a *AuthMiddleware) checkCredentials(user, password string) bool {
	if user != "" && subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.passHash, []byte(password)) == nil
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	if !a.enabled {
		c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "Authentication disabled"})
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Success: false, Message: "Invalid request"})
		return
	}

	if !a.checkCredentials(req.Username, req.Password) {
		c.JSON(http.StatusUnauthorized, LoginResponse{Success: false, Message: "Invalid credentials"})
		return
	}

	token, err := a.generateToken(a.user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Success: false, Message: "Failed to generate token"})
		return
	}

	a.setAuthCookie(c, token)
	c.JSON(http.StatusOK, LoginResponse{Success: true, Token: token})
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	a.clearAuthCookie(c)
	c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "Logged out"})
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	if !a.enabled {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: true})
		return
	}

	claims, err := a.validateToken(a.getTokenFromRequest(c))
	if err != nil {
		c.JSON(http.StatusOK, StatusResponse{AuthEnabled: true})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Authenticated: claims.Authenticated, AuthEnabled: true, User: claims.Subject})
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set("authenticated", true)
			c.Next()
			return
		}

		token := a.getTokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		if !claims.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		c.Set("authenticated", true)
		c.Set("claims", claims)
		c.Next()
	}
}

func (a *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := a.validateToken(a.getTokenFromRequest(c))
		if !a.enabled || err != nil {
			c.Set("authenticated", !a.enabled)
			c.Next()
			return
		}

		c.Set("authenticated", claims.Authenticated)
		c.Set("claims", claims)
		c.Next()
	}
}

// Actor names the operator behind a request for audit records.
func Actor(c *gin.Context) string {
	if v, ok := c.Get("claims"); ok {
		if claims, ok := v.(*Claims); ok && claims.Subject != "" {
			return claims.Subject
		}
	}
	return "anonymous"
}

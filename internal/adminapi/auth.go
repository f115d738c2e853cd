package adminapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

// AuthConfig holds the admin login credentials and signing secrets; all
// of it is expected to come from config.Secrets, never from YAML.
type AuthConfig struct {
	Username   string
	Password   string
	TOTPSecret string
	JWTSecret  []byte
}

// adminClaims is the JWT payload issued on a successful admin login.
type adminClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

// loginHandler validates username, password and TOTP code in that order
// and issues a 24h JWT on success.
func (s *Server) loginHandler(c *gin.Context) {
	if s.auth.TOTPSecret == "" || s.auth.Password == "" {
		c.JSON(http.StatusInternalServerError, loginResponse{Message: "admin auth is not configured"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, loginResponse{Message: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	if req.Username != s.auth.Username || req.Password != s.auth.Password {
		c.JSON(http.StatusUnauthorized, loginResponse{Message: "invalid credentials"})
		return
	}
	if !totp.Validate(req.TOTPCode, s.auth.TOTPSecret) {
		c.JSON(http.StatusUnauthorized, loginResponse{Message: "invalid totp code"})
		return
	}

	token, err := s.issueToken(req.Username)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"error": err}).Error("adminapi: token signing failed")
		c.JSON(http.StatusInternalServerError, loginResponse{Message: "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, loginResponse{Success: true, Token: token, Message: "login successful"})
}

func (s *Server) issueToken(username string) (string, error) {
	claims := adminClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "relayer-admin",
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.auth.JWTSecret)
}

func (s *Server) parseToken(raw string) (*adminClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &adminClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.auth.JWTSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*adminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// requireAuth rejects requests without a valid Bearer admin token.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "missing bearer token"})
			c.Abort()
			return
		}
		claims, err := s.parseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.logger.WithFields(logrus.Fields{"path": c.Request.URL.Path, "error": err}).Warn("adminapi: rejected token")
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid or expired token"})
			c.Abort()
			return
		}
		c.Set("admin_username", claims.Username)
		c.Next()
	}
}

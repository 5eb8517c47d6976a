package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/consult-signaling/internal/models"
)

const identityKey = "identity"

var (
	ErrTokenMissing = errors.New("authorization token required")
	ErrTokenFormat  = errors.New("invalid authorization header format")
	ErrTokenInvalid = errors.New("invalid token")
)

// JWTClaims represents the claims in the JWT token issued by the portal's
// auth service.
type JWTClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts the claims into the principal bound to a connection.
func (c *JWTClaims) Identity() models.Identity {
	return models.Identity{
		UserID:      c.UserID,
		Role:        models.Role(c.Role),
		DisplayName: c.Name,
		AvatarURL:   c.Avatar,
	}
}

// IssueToken signs an HS256 token for identity.
func IssueToken(secret string, identity models.Identity, ttl time.Duration) (string, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := JWTClaims{
		UserID: identity.UserID,
		Role:   string(identity.Role),
		Name:   identity.DisplayName,
		Avatar: identity.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates tokenString and returns the identity it carries.
func ParseToken(tokenString, secret string) (models.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return models.Identity{}, ErrTokenInvalid
	}
	identity := claims.Identity()
	if err := identity.Validate(); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	return identity, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter browsers use for websockets.
func TokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", ErrTokenFormat
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrTokenMissing
}

// JWTAuth creates middleware that validates JWT tokens and stores the
// caller's identity in the gin context.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := TokenFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		identity, err := ParseToken(tokenString, jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(identityKey, identity)
		c.Set("user_id", identity.UserID)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by JWTAuth.
func IdentityFrom(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return models.Identity{}, false
	}
	identity, ok := v.(models.Identity)
	return identity, ok
}

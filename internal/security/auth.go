package security

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AdminClaims are the claims carried by admin JWT tokens
type AdminClaims struct {
	Subject string `json:"sub_name"`
	jwt.RegisteredClaims
}

// Authenticator validates client bearer keys and admin JWT tokens
type Authenticator struct {
	authKey        string
	adminJWTSecret string
	logger         *logrus.Logger
}

// NewAuthenticator creates an authenticator for the configured keys
func NewAuthenticator(authKey, adminJWTSecret string, logger *logrus.Logger) *Authenticator {
	return &Authenticator{
		authKey:        authKey,
		adminJWTSecret: adminJWTSecret,
		logger:         logger,
	}
}

// ValidateRequest checks the Authorization header against the configured
// client key using a constant-time comparison.
func (a *Authenticator) ValidateRequest(r *http.Request) bool {
	token := extractBearer(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.authKey)) == 1
}

// GenerateAdminToken issues an HS256 admin token. Used by operators, not by
// the request path.
func (a *Authenticator) GenerateAdminToken(subject string, ttl time.Duration) (string, error) {
	if a.adminJWTSecret == "" {
		return "", fmt.Errorf("admin JWT secret is not configured")
	}

	now := time.Now()
	claims := &AdminClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "transit-filter-api",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.adminJWTSecret))
}

// ValidateAdminToken verifies an admin JWT from the Authorization header
func (a *Authenticator) ValidateAdminToken(r *http.Request) (*AdminClaims, error) {
	if a.adminJWTSecret == "" {
		return nil, fmt.Errorf("admin endpoint is not enabled")
	}

	tokenString := extractBearer(r)
	if tokenString == "" {
		return nil, fmt.Errorf("missing bearer token")
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.adminJWTSecret), nil
	})
	if err != nil {
		a.logger.WithError(err).Warn("Invalid admin token")
		return nil, fmt.Errorf("invalid admin token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid admin token")
	}

	return claims, nil
}

// extractBearer pulls the token out of the Authorization header
func extractBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}

// ClientIP extracts the originating client address, honoring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}

	return ip
}

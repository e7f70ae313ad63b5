package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/httputil"
	"github.com/dropvault/dropclaim/internal/logging"
)

// AdminClaims are the JWT claims accepted on the admin surface.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type adminSubjectKey struct{}

// AdminAuth guards the admin routes with an HMAC-signed JWT carrying the
// admin role.
type AdminAuth struct {
	secret []byte
	logger *logging.Logger
}

// NewAdminAuth creates the admin auth middleware.
func NewAdminAuth(secret string, logger *logging.Logger) *AdminAuth {
	if logger == nil {
		logger = logging.NewDefault("admin-auth")
	}
	return &AdminAuth{secret: []byte(secret), logger: logger}
}

// Handler validates the bearer token and requires the admin role.
func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			httputil.WriteError(w, r, svcerr.Unauthorized("admin API is not configured"))
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			httputil.WriteError(w, r, svcerr.Unauthorized("missing Authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteError(w, r, svcerr.Unauthorized("invalid Authorization header format"))
			return
		}

		claims, err := a.validateToken(parts[1])
		if err != nil {
			a.logger.WithContext(r.Context()).WithError(err).Warn("admin token rejected")
			httputil.WriteError(w, r, svcerr.Unauthorized("invalid token"))
			return
		}
		if claims.Role != "admin" {
			httputil.WriteError(w, r, svcerr.Unauthorized("admin role required"))
			return
		}

		ctx := context.WithValue(r.Context(), adminSubjectKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AdminAuth) validateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token invalid")
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

// AdminSubject returns the authenticated admin subject from the context.
func AdminSubject(ctx context.Context) string {
	if v, ok := ctx.Value(adminSubjectKey{}).(string); ok {
		return v
	}
	return ""
}

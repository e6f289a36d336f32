package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

// ContextKey represents keys for context values
type ContextKey string

// UserContextKey holds the authenticated *domain.User
const UserContextKey ContextKey = "user"

const accessTokenCookie = "accessToken"

// JWTClaims represents the claims in access tokens; Subject is the user id
type JWTClaims struct {
	Email string `json:"email"`
	Type  string `json:"type"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies HS256 bearer tokens issued by the auth service
type AuthMiddleware struct {
	secret []byte
	users  ports.UserRepository // optional
	ew     ErrorWriter
}

// NewAuthMiddleware creates the middleware. Without a user repository the
// principal is built from the verified claims alone.
func NewAuthMiddleware(secret string, users ports.UserRepository, ew ErrorWriter) *AuthMiddleware {
	return &AuthMiddleware{
		secret: []byte(secret),
		users:  users,
		ew:     ew,
	}
}

// RequireAuth rejects requests without a valid access token
func (am *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := extractToken(r)
		if err != nil {
			am.ew.Write(w, err)
			return
		}

		claims, err := am.parse(tokenString)
		if err != nil {
			am.ew.Write(w, domain.Unauthorized("invalid_or_expired_token"))
			return
		}
		if claims.Type != "access" {
			am.ew.Write(w, domain.Unauthorized("invalid_token_type"))
			return
		}

		user, err := am.resolveUser(r.Context(), claims)
		if err != nil {
			am.ew.Write(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) parse(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return am.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// resolveUser looks the principal up by id first, then by email
func (am *AuthMiddleware) resolveUser(ctx context.Context, claims *JWTClaims) (*domain.User, error) {
	if am.users == nil {
		if claims.Subject == "" {
			return nil, domain.Unauthorized("user_not_found")
		}
		return &domain.User{ID: claims.Subject, Email: claims.Email}, nil
	}

	if claims.Subject != "" {
		user, err := am.users.GetUserByID(ctx, claims.Subject)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ports.ErrUserNotFound) {
			return nil, domain.Internal(err)
		}
	}

	if strings.TrimSpace(claims.Email) != "" {
		user, err := am.users.GetUserByEmail(ctx, claims.Email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ports.ErrUserNotFound) {
			return nil, domain.Internal(err)
		}
	}

	return nil, domain.Unauthorized("user_not_found")
}

// extractToken reads the access token cookie, then the Authorization header
func extractToken(r *http.Request) (string, error) {
	if c, err := r.Cookie(accessTokenCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", domain.Unauthorized("authorization_required")
	}
	tokenParts := strings.SplitN(authHeader, " ", 2)
	if len(tokenParts) != 2 || !strings.EqualFold(tokenParts[0], "Bearer") || tokenParts[1] == "" {
		return "", domain.Unauthorized("invalid_authorization_header")
	}
	return tokenParts[1], nil
}

// UserFromContext returns the authenticated user set by RequireAuth
func UserFromContext(ctx context.Context) (*domain.User, bool) {
	u, ok := ctx.Value(UserContextKey).(*domain.User)
	return u, ok
}

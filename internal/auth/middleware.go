// Package auth authenticates API callers with HS256 bearer tokens whose
// subject is the user's email address.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

const issuer = "mailsync"

var (
	ErrEmptyToken   = errors.New("token is empty")
	ErrInvalidToken = errors.New("token is invalid")
)

// Validator checks bearer tokens. In test mode a token of the form
// "email:user@example.com" is accepted without a signature.
type Validator struct {
	secret   []byte
	testMode bool
	logger   *zap.Logger
	now      func() time.Time
}

func NewValidator(secret string, testMode bool, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{secret: []byte(secret), testMode: testMode, logger: logger, now: time.Now}
}

// IssueToken signs a token for email that expires after ttl.
func IssueToken(secret, email string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   strings.ToLower(strings.TrimSpace(email)),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates the token and returns the user's email.
func (v *Validator) ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" || token == "email:" {
		return "", ErrEmptyToken
	}

	if v.testMode && strings.HasPrefix(token, "email:") {
		return strings.ToLower(strings.TrimPrefix(token, "email:")), nil
	}

	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !strings.Contains(claims.Subject, "@") {
		return "", fmt.Errorf("%w: subject is not an email address", ErrInvalidToken)
	}

	return strings.ToLower(claims.Subject), nil
}

// BearerToken extracts the token from an Authorization header value.
// The scheme is case-insensitive per RFC 7235.
func BearerToken(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	return token, token != ""
}

// RequireAuth checks for a valid bearer token in the Authorization header and
// stores the user's email in the request context. Returns 401 Unauthorized if
// authentication fails.
func (v *Validator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			v.logger.Debug("no Authorization header present", zap.String("path", r.URL.Path))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token, ok := BearerToken(authHeader)
		if !ok {
			v.logger.Debug("invalid Authorization header format", zap.String("path", r.URL.Path))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userEmail, err := v.ValidateToken(token)
		if err != nil {
			v.logger.Info("token validation failed", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserEmail(r.Context(), userEmail)))
	})
}

// WithUserEmail returns a context carrying the authenticated email.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, UserEmailKey, email)
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}

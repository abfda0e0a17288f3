// Package auth guards the runner's HTTP surface: a shared cron secret for the
// scheduler trigger and operator JWTs for the lifecycle endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentfi/agentfi-runner/pkg/config"
)

// Errors returned by the auth service.
var (
	ErrInvalidToken = errors.New("auth: invalid or expired JWT token")
	ErrNoJWTSecret  = errors.New("auth: jwt secret not configured")
)

const (
	cronSecretHeader = "X-Cron-Secret"
	defaultTokenTTL  = 24 * time.Hour
)

// OperatorClaims identifies the operator behind a request.
type OperatorClaims struct {
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ViaCron   bool      `json:"via_cron"`
}

// Service validates cron secrets and issues and validates operator tokens.
type Service struct {
	jwtSecret  []byte
	cronSecret string
	jwtTTL     time.Duration
	now        func() time.Time
}

// NewService creates a new auth service. An empty cron secret leaves the
// tick trigger open.
func NewService(cfg config.AuthConfig) *Service {
	if cfg.CronSecret == "" {
		slog.Warn("auth: cron secret not set, tick endpoint is unauthenticated")
	}
	return &Service{
		jwtSecret:  []byte(cfg.JWTSecret),
		cronSecret: cfg.CronSecret,
		jwtTTL:     defaultTokenTTL,
		now:        time.Now,
	}
}

// IssueToken signs an operator JWT for subject.
func (s *Service) IssueToken(subject string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", ErrNoJWTSecret
	}
	now := s.timeNow()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT verifies a JWT token and returns the operator claims.
func (s *Service) ValidateJWT(_ context.Context, tokenStr string) (*OperatorClaims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrInvalidToken
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.timeNow))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, ErrInvalidToken
	}

	iat, _ := claims.GetIssuedAt()
	exp, _ := claims.GetExpirationTime()
	if iat == nil || exp == nil {
		return nil, ErrInvalidToken
	}

	return &OperatorClaims{
		Subject:   subject,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

func (s *Service) timeNow() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// CronOpen reports whether the cron secret is unset.
func (s *Service) CronOpen() bool {
	return s.cronSecret == ""
}

// checkCron reports whether r carries the cron secret, either in
// X-Cron-Secret or as a bearer token.
func (s *Service) checkCron(r *http.Request) bool {
	if s.cronSecret == "" {
		return false
	}
	presented := r.Header.Get(cronSecretHeader)
	if presented == "" {
		presented = bearer(r)
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cronSecret)) == 1
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// --- Middleware ---

type contextKey string

const claimsKey contextKey = "operatorClaims"

// CronMiddleware requires the cron secret. It passes every request through
// when no secret is configured.
func (s *Service) CronMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.CronOpen() && !s.checkCron(r) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid cron secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OperatorMiddleware accepts either the cron secret or a valid operator JWT
// and injects OperatorClaims into the request context. With neither secret
// configured the routes are open.
func (s *Service) OperatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.checkCron(r) {
			ctx := context.WithValue(r.Context(), claimsKey, &OperatorClaims{Subject: "cron", ViaCron: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if s.CronOpen() && len(s.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := bearer(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid authorization header")
			return
		}
		claims, err := s.ValidateJWT(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext extracts OperatorClaims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *OperatorClaims {
	claims, _ := ctx.Value(claimsKey).(*OperatorClaims)
	return claims
}

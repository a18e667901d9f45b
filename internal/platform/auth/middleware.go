package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const StageKey contextKey = "stage"

const (
	DefaultIssuer   = "medextract"
	DefaultTokenTTL = 5 * time.Minute
)

var ErrStageMismatch = errors.New("token is not valid for this stage")

// Claims authorise a single stage invocation.
type Claims struct {
	jwt.RegisteredClaims
	Stage string `json:"stage"`
}

// StageSigner issues and verifies HS256 stage invocation tokens shared
// between dispatchers and stage hosts.
type StageSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewStageSigner(secret []byte) *StageSigner {
	return &StageSigner{secret: secret, issuer: DefaultIssuer, ttl: DefaultTokenTTL, now: time.Now}
}

// Sign returns a short-lived token scoped to stage.
func (s *StageSigner) Sign(stage string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   "stage:" + stage,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Stage: stage,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign stage token: %w", err)
	}
	return token, nil
}

// Verify parses tokenStr and checks it was issued for stage.
func (s *StageSigner) Verify(tokenStr, stage string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Stage != stage {
		return nil, ErrStageMismatch
	}
	return claims, nil
}

// StageTokenMiddleware requires a bearer token issued for the stage named
// by the :stage path parameter.
func StageTokenMiddleware(signer *StageSigner) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			stage := c.Param("stage")
			claims, err := signer.Verify(parts[1], stage)
			if err != nil {
				if errors.Is(err, ErrStageMismatch) {
					return echo.NewHTTPError(http.StatusForbidden, err.Error())
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := context.WithValue(c.Request().Context(), StageKey, claims.Stage)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware admits every request. It is only installed when no
// stage secret is configured in development.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), StageKey, c.Param("stage"))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func StageFromContext(ctx context.Context) string {
	s, _ := ctx.Value(StageKey).(string)
	return s
}

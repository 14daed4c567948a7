// Package auth issues and verifies the optional bearer tokens that bind a caller to a user id.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

const (
	DefaultExpiry = 24 * time.Hour
	issuer        = "persona-gateway"

	// ContextUserID is the echo context key holding the authenticated user id.
	ContextUserID = "auth_user_id"
)

var ErrForbidden = errors.New("token does not grant access to this user")

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type Config struct {
	// Secret signs tokens; an empty secret disables authentication.
	Secret    string
	APIKey    string
	APISecret string
	Expiry    time.Duration
}

type Authenticator struct {
	secret    []byte
	apiKey    string
	apiSecret string
	expiry    time.Duration
	now       func() time.Time
}

func NewAuthenticator(config Config) *Authenticator {
	if config.Expiry <= 0 {
		config.Expiry = DefaultExpiry
	}
	return &Authenticator{
		secret:    []byte(config.Secret),
		apiKey:    config.APIKey,
		apiSecret: config.APISecret,
		expiry:    config.Expiry,
		now:       time.Now,
	}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Issue signs an HS256 token for userID.
func (a *Authenticator) Issue(userID string) (string, error) {
	now := a.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// CheckCredentials compares the API key pair used to obtain tokens.
func (a *Authenticator) CheckCredentials(key, secret string) bool {
	return a.apiKey != "" && key == a.apiKey && secret == a.apiSecret
}

// Middleware requires a valid bearer token and stores its user id in the echo context.
// Browsers cannot set headers on websocket upgrades, so a "token" query parameter is
// accepted as well. When authentication is disabled it passes every request through.
func (a *Authenticator) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !a.Enabled() {
			return next(c)
		}

		tokenString := c.QueryParam("token")
		if authHeader := c.Request().Header.Get(echo.HeaderAuthorization); authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization format")
			}
		}
		if tokenString == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
		}

		claims, err := a.Verify(tokenString)
		if err != nil {
			log.WithCtx(c.Request().Context()).Debug("JWT validation failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
		}
		c.Set(ContextUserID, claims.UserID)
		return next(c)
	}
}

// Authorize checks that the authenticated caller may act as userID.
func (a *Authenticator) Authorize(c echo.Context, userID string) error {
	if !a.Enabled() {
		return nil
	}
	if claimed, _ := c.Get(ContextUserID).(string); claimed != userID {
		return ErrForbidden
	}
	return nil
}

// UserParam wraps routes carrying :userId so the token must belong to that user.
func (a *Authenticator) UserParam(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := a.Authorize(c, c.Param("userId")); err != nil {
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		}
		return next(c)
	}
}

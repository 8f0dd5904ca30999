package tokenauth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/rotation"
	"github.com/tech-arch1tect/tokenguard/services/tokenauth"
)

const (
	UserIDKey   = "_tokenauth_user_id"
	ClaimsKey   = "_tokenauth_claims"
	SecurityKey = "_tokenauth_security"

	// DeviceHeader carries the client computed device fingerprint. When it
	// is absent the fingerprint is derived from the User-Agent.
	DeviceHeader = "X-Device-Fingerprint"
)

func RequireAccessToken(svc *tokenauth.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Access token required")
			}

			v, err := svc.VerifyAccessToken(c.Request().Context(), tokenString, RequestContext(c))
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "Token verification unavailable")
			}
			if !v.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, string(v.Reason))
			}

			c.Set(UserIDKey, v.UserID)
			c.Set(ClaimsKey, v.Claims)
			c.Set(SecurityKey, v.Security)

			return next(c)
		}
	}
}

// RequireCSRF must run after RequireAccessToken. Safe methods pass through,
// as does everything when cfg.Enabled is false.
func RequireCSRF(svc *tokenauth.Service, cfg config.CSRFConfig) echo.MiddlewareFunc {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = "X-CSRF-Token"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Enabled {
				return next(c)
			}

			switch c.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
				return next(c)
			}

			claims := GetClaims(c)
			if claims == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authentication required")
			}

			token := c.Request().Header.Get(headerName)
			if token == "" {
				return echo.NewHTTPError(http.StatusForbidden, "CSRF token required")
			}

			ok, err := svc.VerifyCSRFToken(token, claims.JTI(), claims.UserID)
			if err != nil || !ok {
				return echo.NewHTTPError(http.StatusForbidden, "Invalid CSRF token")
			}

			return next(c)
		}
	}
}

// RequestContext collects what the token engine needs to know about the
// calling client.
func RequestContext(c echo.Context) tokenauth.VerifyContext {
	return tokenauth.VerifyContext{
		IPAddress:  c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
		DeviceHash: c.Request().Header.Get(DeviceHeader),
	}
}

func RefreshContext(c echo.Context) rotation.RequestContext {
	return rotation.RequestContext{
		IPAddress:  c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
		DeviceHash: c.Request().Header.Get(DeviceHeader),
	}
}

func GetUserID(c echo.Context) uint {
	if userID, ok := c.Get(UserIDKey).(uint); ok {
		return userID
	}
	return 0
}

func GetClaims(c echo.Context) *jwt.Claims {
	if claims, ok := c.Get(ClaimsKey).(*jwt.Claims); ok {
		return claims
	}
	return nil
}

func GetSecurity(c echo.Context) (tokenauth.Security, bool) {
	s, ok := c.Get(SecurityKey).(tokenauth.Security)
	return s, ok
}

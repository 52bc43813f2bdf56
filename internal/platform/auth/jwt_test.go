package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func signToken(t *testing.T, claims *Claims, key []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func jwtServer(cfg JWTConfig) *echo.Echo {
	e := echo.New()
	e.Use(JWTMiddleware(cfg))
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, CallerFromContext(c.Request().Context()))
	})
	e.GET("/admin", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, RequireRole("admin"))
	e.GET("/review", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, RequireRole("reviewer"))
	return e
}

func request(e *echo.Echo, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddlewareValidToken(t *testing.T) {
	e := jwtServer(JWTConfig{SigningKey: testKey})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "clinic-app",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"submitter"},
	}, testKey)

	rec := request(e, "/", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "clinic-app" {
		t.Errorf("caller = %q, want clinic-app", rec.Body.String())
	}
}

func TestJWTMiddlewareMissingHeader(t *testing.T) {
	e := jwtServer(JWTConfig{SigningKey: testKey})
	if rec := request(e, "/", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddlewareWrongKey(t *testing.T) {
	e := jwtServer(JWTConfig{SigningKey: testKey})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "clinic-app",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, []byte("another-signing-key-32-bytes-long"))

	if rec := request(e, "/", token); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddlewareExpiredToken(t *testing.T) {
	e := jwtServer(JWTConfig{SigningKey: testKey})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "clinic-app",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, testKey)

	if rec := request(e, "/", token); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddlewareIssuerMismatch(t *testing.T) {
	e := jwtServer(JWTConfig{SigningKey: testKey, Issuer: "https://idp.example.com"})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "clinic-app",
			Issuer:    "https://rogue.example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, testKey)

	if rec := request(e, "/", token); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireRoleEnforcement(t *testing.T) {
	e := jwtServer(JWTConfig{SigningKey: testKey})

	reviewer := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dr-reviewer",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"reviewer"},
	}, testKey)

	if rec := request(e, "/review", reviewer); rec.Code != http.StatusOK {
		t.Errorf("reviewer on /review = %d, want 200", rec.Code)
	}
	if rec := request(e, "/admin", reviewer); rec.Code != http.StatusForbidden {
		t.Errorf("reviewer on /admin = %d, want 403", rec.Code)
	}
}

func TestRequireRoleAdminAlwaysPasses(t *testing.T) {
	e := jwtServer(JWTConfig{SigningKey: testKey})
	admin := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-admin",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"admin"},
	}, testKey)

	for _, path := range []string{"/admin", "/review"} {
		if rec := request(e, path, admin); rec.Code != http.StatusOK {
			t.Errorf("admin on %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(DevAuthMiddleware())
	e.GET("/admin", func(c echo.Context) error {
		return c.String(http.StatusOK, CallerFromContext(c.Request().Context()))
	}, RequireRole("admin"))

	rec := request(e, "/admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "dev-user" {
		t.Errorf("caller = %q, want dev-user", rec.Body.String())
	}
}

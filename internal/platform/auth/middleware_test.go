package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			c := e.NewContext(req, httptest.NewRecorder())

			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %v", err)
			}
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "caregiver-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:  RoleProfessional,
		Roles: []string{"nurse"},
	}
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotID, gotRole string
	var gotRoles []string
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		ctx := c.Request().Context()
		gotID = UserIDFromContext(ctx)
		gotRole = CaregiverRoleFromContext(ctx)
		gotRoles = RolesFromContext(ctx)
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != "caregiver-42" {
		t.Errorf("expected caregiver-42, got %s", gotID)
	}
	if gotRole != RoleProfessional {
		t.Errorf("expected professional role, got %s", gotRole)
	}
	if len(gotRoles) != 2 || gotRoles[0] != RoleProfessional || gotRoles[1] != "nurse" {
		t.Errorf("expected [professional nurse], got %v", gotRoles)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "caregiver-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Role: RoleFamily,
	}
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for expired token, got %v", err)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}, Role: RoleFamily}
	tokenStr := createTestToken(t, claims, []byte("some-other-key"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c); err == nil {
		t.Error("expected error for token signed with another key")
	}
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	tokenStr := createTestToken(t, Claims{Role: RoleFamily}, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c); err == nil {
		t.Error("expected error for token without subject")
	}
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "evil"}, Role: RoleFamily}
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://id.example.com"}
	if err := JWTMiddleware(cfg)(okHandler)(c); err == nil {
		t.Error("expected error for issuer mismatch")
	}
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	var gotID, gotRole string
	h := DevAuthMiddleware()(func(c echo.Context) error {
		gotID = UserIDFromContext(c.Request().Context())
		gotRole = CaregiverRoleFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != DevCaregiverID {
		t.Errorf("expected %s, got %s", DevCaregiverID, gotID)
	}
	if gotRole != RoleFamily {
		t.Errorf("expected family role, got %s", gotRole)
	}
}

func TestDevAuthMiddleware_WithToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer something")
	c := e.NewContext(req, httptest.NewRecorder())

	var gotID string
	h := DevAuthMiddleware()(func(c echo.Context) error {
		gotID = UserIDFromContext(c.Request().Context())
		return nil
	})
	h(c)
	if gotID != "" {
		t.Errorf("expected no injected identity when a token is present, got %q", gotID)
	}
}

func TestCaregiverRoleFromContext(t *testing.T) {
	tests := []struct {
		roles []string
		want  string
	}{
		{nil, ""},
		{[]string{"admin"}, "admin"},
		{[]string{"admin", "professional"}, "professional"},
		{[]string{"family"}, "family"},
	}
	for _, tt := range tests {
		ctx := WithIdentity(context.Background(), "u", tt.roles)
		if got := CaregiverRoleFromContext(ctx); got != tt.want {
			t.Errorf("CaregiverRoleFromContext(%v) = %q, want %q", tt.roles, got, tt.want)
		}
	}
}

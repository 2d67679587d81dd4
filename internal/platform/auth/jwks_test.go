package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func jwkFor(kid string, pub *rsa.PublicKey) jwksKey {
	return jwksKey{
		Kty: "RSA",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// jwksServer serves whatever keys currently holds and counts fetches.
type jwksServer struct {
	*httptest.Server
	keys    atomic.Value
	fetches int32
}

func newJWKSServer(t *testing.T, keys ...jwksKey) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.keys.Store(keys)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"keys": s.keys.Load()})
	}))
	t.Cleanup(s.Close)
	return s
}

func TestJWKSCache_FetchesAndCaches(t *testing.T) {
	priv := generateRSAKey(t)
	srv := newJWKSServer(t, jwkFor("k1", &priv.PublicKey), jwksKey{Kty: "EC", Kid: "ec1"})
	cache := NewJWKSCache(srv.URL, time.Minute)

	key, err := cache.GetKey("k1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if key.N.Cmp(priv.PublicKey.N) != 0 || key.E != priv.PublicKey.E {
		t.Error("fetched key does not match the served key")
	}
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("cached GetKey: %v", err)
	}
	if n := atomic.LoadInt32(&srv.fetches); n != 1 {
		t.Errorf("expected one fetch while the cache is fresh, got %d", n)
	}
}

func TestJWKSCache_UnknownKidRefetches(t *testing.T) {
	first := generateRSAKey(t)
	srv := newJWKSServer(t, jwkFor("k1", &first.PublicKey))
	cache := NewJWKSCache(srv.URL, time.Hour)

	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.GetKey("rotated"); err == nil {
		t.Fatal("expected an error for a kid the provider does not publish")
	}
	if n := atomic.LoadInt32(&srv.fetches); n != 2 {
		t.Errorf("expected a refetch on the kid miss, got %d fetches", n)
	}

	second := generateRSAKey(t)
	srv.keys.Store([]jwksKey{jwkFor("k1", &first.PublicKey), jwkFor("rotated", &second.PublicKey)})
	key, err := cache.GetKey("rotated")
	if err != nil {
		t.Fatalf("expected the rotated key after refetch: %v", err)
	}
	if key.N.Cmp(second.PublicKey.N) != 0 {
		t.Error("rotated key does not match")
	}
}

func TestJWKSCache_RefreshesAfterTTL(t *testing.T) {
	priv := generateRSAKey(t)
	srv := newJWKSServer(t, jwkFor("k1", &priv.PublicKey))
	cache := NewJWKSCache(srv.URL, time.Minute)

	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatal(err)
	}
	cache.mu.Lock()
	cache.fetchedAt = time.Now().Add(-2 * time.Minute)
	cache.mu.Unlock()

	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&srv.fetches); n != 2 {
		t.Errorf("expected a refetch after the TTL, got %d fetches", n)
	}
}

func TestJWKSCache_EndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewJWKSCache(srv.URL, time.Minute).GetKey("k1"); err == nil {
		t.Fatal("expected an error when the JWKS endpoint fails")
	}
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	priv := generateRSAKey(t)
	srv := newJWKSServer(t, jwkFor("k1", &priv.PublicKey))

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "caregiver-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: RoleFamily,
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	mw := JWTMiddleware(JWTConfig{JWKSURL: srv.URL})
	var gotID string
	h := mw(func(c echo.Context) error {
		gotID = UserIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != "caregiver-7" {
		t.Errorf("expected caregiver-7, got %q", gotID)
	}

	delete(token.Header, "kid")
	unkeyed, _ := token.SignedString(priv)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+unkeyed)
	err = h(e.NewContext(req, httptest.NewRecorder()))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a token without kid, got %v", err)
	}
}

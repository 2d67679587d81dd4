package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newIdempotentHandler(store IdempotencyStore, status int, calls *int32) echo.HandlerFunc {
	mw := Idempotency(IdempotencyConfig{Store: store, Logger: zerolog.Nop()})
	return mw(func(c echo.Context) error {
		n := atomic.AddInt32(calls, 1)
		return c.JSON(status, map[string]int32{"call": n})
	})
}

func postWithKey(e *echo.Echo, h echo.HandlerFunc, key string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/medications/x/administrations", strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	e := echo.New()
	var calls int32
	h := newIdempotentHandler(NewMemoryIdempotencyStore(), http.StatusCreated, &calls)

	first, err := postWithKey(e, h, "k1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := postWithKey(e, h, "k1")
	if err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
	if second.Code != http.StatusCreated {
		t.Errorf("expected replayed 201, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body %q differs from original %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(IdempotencyReplayedHeader) != "true" {
		t.Error("expected replay header on second response")
	}
	if !strings.HasPrefix(second.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		t.Errorf("expected JSON content type, got %q", second.Header().Get(echo.HeaderContentType))
	}
}

func TestIdempotency_KeyReusedWithDifferentBody(t *testing.T) {
	e := echo.New()
	var calls int32
	var seen []string
	h := Idempotency(IdempotencyConfig{Store: NewMemoryIdempotencyStore(), Logger: zerolog.Nop()})(func(c echo.Context) error {
		atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(c.Request().Body)
		seen = append(seen, string(body))
		return c.JSON(http.StatusOK, map[string]string{"outcome": "conflicts_found"})
	})
	post := func(body string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/medications/x/administrations", strings.NewReader(body))
		req.Header.Set(IdempotencyKeyHeader, "attempt-1")
		rec := httptest.NewRecorder()
		return rec, h(e.NewContext(req, rec))
	}

	if _, err := post(`{"administered_at":"2024-03-01T09:40:00Z"}`); err != nil {
		t.Fatal(err)
	}
	_, err := post(`{"administered_at":"2024-03-01T09:40:00Z","resolution":{"method":"dual_entry"}}`)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a reused key with a new body, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
	if len(seen) != 1 || seen[0] != `{"administered_at":"2024-03-01T09:40:00Z"}` {
		t.Errorf("handler did not see the original body: %q", seen)
	}

	rec, err := post(`{"administered_at":"2024-03-01T09:40:00Z"}`)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get(IdempotencyReplayedHeader) != "true" {
		t.Error("expected an identical retry to be replayed")
	}
}

func TestIdempotency_DifferentKeysRunIndependently(t *testing.T) {
	e := echo.New()
	var calls int32
	h := newIdempotentHandler(NewMemoryIdempotencyStore(), http.StatusCreated, &calls)

	postWithKey(e, h, "k1")
	postWithKey(e, h, "k2")
	postWithKey(e, h, "")
	postWithKey(e, h, "")

	if calls != 4 {
		t.Errorf("expected 4 handler calls, got %d", calls)
	}
}

func TestIdempotency_ServerErrorsNotStored(t *testing.T) {
	e := echo.New()
	var calls int32
	h := newIdempotentHandler(NewMemoryIdempotencyStore(), http.StatusServiceUnavailable, &calls)

	postWithKey(e, h, "k1")
	postWithKey(e, h, "k1")

	if calls != 2 {
		t.Errorf("expected 5xx responses to be retried, got %d calls", calls)
	}
}

func TestIdempotency_HandlerErrorNotStored(t *testing.T) {
	e := echo.New()
	var calls int32
	h := Idempotency(IdempotencyConfig{Store: NewMemoryIdempotencyStore(), Logger: zerolog.Nop()})(func(c echo.Context) error {
		atomic.AddInt32(&calls, 1)
		return echo.NewHTTPError(http.StatusBadRequest, "bad")
	})

	if _, err := postWithKey(e, h, "k1"); err == nil {
		t.Fatal("expected handler error")
	}
	if _, err := postWithKey(e, h, "k1"); err == nil {
		t.Fatal("expected handler error on retry")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestIdempotency_InFlightConflict(t *testing.T) {
	e := echo.New()
	store := NewMemoryIdempotencyStore()
	release := make(chan struct{})
	started := make(chan struct{})
	h := Idempotency(IdempotencyConfig{Store: store, Logger: zerolog.Nop()})(func(c echo.Context) error {
		close(started)
		<-release
		return c.NoContent(http.StatusCreated)
	})

	done := make(chan error, 1)
	go func() {
		_, err := postWithKey(e, h, "k1")
		done <- err
	}()
	<-started

	_, err := postWithKey(e, h, "k1")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409 while first request is in flight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	e := echo.New()
	var calls int32
	h := newIdempotentHandler(NewMemoryIdempotencyStore(), http.StatusCreated, &calls)

	_, err := postWithKey(e, h, strings.Repeat("k", maxIdempotencyKeyLen+1))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestIdempotency_GetRequestsPassThrough(t *testing.T) {
	e := echo.New()
	var calls int32
	h := newIdempotentHandler(NewMemoryIdempotencyStore(), http.StatusOK, &calls)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(IdempotencyKeyHeader, "k1")
		if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 2 {
		t.Errorf("expected GETs to bypass idempotency, got %d calls", calls)
	}
}

func TestMemoryIdempotencyStore_Lock(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()

	release, err := s.Lock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lock(ctx, "k", time.Minute); err != ErrRequestInFlight {
		t.Errorf("expected ErrRequestInFlight, got %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lock(ctx, "k", time.Minute); err != nil {
		t.Errorf("expected lock to be free after release, got %v", err)
	}
}

func TestRedisIdempotencyStore(t *testing.T) {
	url := os.Getenv("MEDADMIN_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MEDADMIN_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	s := NewRedisIdempotencyStore(client, "medadmin:test:"+time.Now().Format("150405.000000")+":")
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	if got, err := s.Get(ctx, "k"); err != nil || got != nil {
		t.Fatalf("expected miss, got %v, %v", got, err)
	}
	release, err := s.Lock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lock(ctx, "k", time.Minute); err != ErrRequestInFlight {
		t.Errorf("expected ErrRequestInFlight, got %v", err)
	}
	want := &StoredResponse{Status: 201, ContentType: "application/json", Body: []byte(`{"ok":true}`)}
	if err := s.Save(ctx, "k", want, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := release(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil || got == nil {
		t.Fatalf("expected stored response, got %v, %v", got, err)
	}
	if got.Status != want.Status || string(got.Body) != string(want.Body) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

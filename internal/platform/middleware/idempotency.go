package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/labstack/echo/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotencyReplayedHeader = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

// ErrRequestInFlight is returned by IdempotencyStore.Lock while another
// request with the same key is still being processed.
var ErrRequestInFlight = errors.New("request with this idempotency key is in flight")

// StoredResponse is the replayable part of a completed response.
// RequestHash fingerprints the body of the request that produced it.
type StoredResponse struct {
	RequestHash string `json:"request_hash"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// ---------------------------------------------------------------------------
// IdempotencyStore interface
// ---------------------------------------------------------------------------

// IdempotencyStore remembers responses by key and serialises concurrent
// requests that share a key.
type IdempotencyStore interface {
	// Get returns nil, nil when nothing is stored under key.
	Get(ctx context.Context, key string) (*StoredResponse, error)
	Save(ctx context.Context, key string, resp *StoredResponse, ttl time.Duration) error
	// Lock claims key for ttl. It returns ErrRequestInFlight when the key is
	// already claimed.
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// ---------------------------------------------------------------------------
// MemoryIdempotencyStore
// ---------------------------------------------------------------------------

// MemoryIdempotencyStore keeps responses in process. Suitable for a single
// replica or tests.
type MemoryIdempotencyStore struct {
	responses *gocache.Cache
	locks     *gocache.Cache
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		responses: gocache.New(24*time.Hour, 10*time.Minute),
		locks:     gocache.New(time.Minute, time.Minute),
	}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*StoredResponse, error) {
	v, ok := s.responses.Get(key)
	if !ok {
		return nil, nil
	}
	resp := *v.(*StoredResponse)
	return &resp, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp *StoredResponse, ttl time.Duration) error {
	cp := *resp
	s.responses.Set(key, &cp, ttl)
	return nil
}

func (s *MemoryIdempotencyStore) Lock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if err := s.locks.Add(key, struct{}{}, ttl); err != nil {
		return nil, ErrRequestInFlight
	}
	return func(context.Context) error {
		s.locks.Delete(key)
		return nil
	}, nil
}

// ---------------------------------------------------------------------------
// RedisIdempotencyStore
// ---------------------------------------------------------------------------

// RedisIdempotencyStore shares idempotency state across replicas. Responses
// are JSON values under "<prefix>resp:<key>"; in-flight claims are redislock
// locks under "<prefix>lock:<key>".
type RedisIdempotencyStore struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
}

func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "medadmin:idem:"
	}
	return &RedisIdempotencyStore{
		client: client,
		locker: redislock.New(client),
		prefix: prefix,
	}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*StoredResponse, error) {
	data, err := s.client.Get(ctx, s.prefix+"resp:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get idempotent response: %w", err)
	}
	var resp StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode idempotent response: %w", err)
	}
	return &resp, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, resp *StoredResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+"resp:"+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotent response: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := s.locker.Obtain(ctx, s.prefix+"lock:"+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRequestInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("obtain idempotency lock: %w", err)
	}
	return lock.Release, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ---------------------------------------------------------------------------
// Buffered response writer
// ---------------------------------------------------------------------------

// bufferedResponseWriter captures the response so it can be stored before
// being flushed to the real writer.
type bufferedResponseWriter struct {
	writer     http.ResponseWriter
	buf        *bytes.Buffer
	statusCode int
}

func newBufferedResponseWriter(w http.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{
		writer:     w,
		buf:        &bytes.Buffer{},
		statusCode: http.StatusOK,
	}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.writer.Header()
}

func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *bufferedResponseWriter) WriteHeader(code int) {
	w.statusCode = code
}

func (w *bufferedResponseWriter) Flush() {}

func (w *bufferedResponseWriter) flushTo() error {
	w.writer.WriteHeader(w.statusCode)
	if w.buf.Len() > 0 {
		_, err := w.writer.Write(w.buf.Bytes())
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Idempotency middleware
// ---------------------------------------------------------------------------

// IdempotencyConfig configures the Idempotency middleware.
type IdempotencyConfig struct {
	Store IdempotencyStore
	// TTL is how long a completed response is replayable.
	TTL time.Duration
	// LockTTL bounds how long an in-flight claim survives a crashed handler.
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// Idempotency replays the stored response for a POST that repeats an
// Idempotency-Key header. Keys are scoped per caller and path. Reusing a key
// with a different body gets 422 rather than the earlier response. A second
// request arriving while the first is still running gets 409. Responses
// with status >= 500 and handler errors are not stored so the client can
// retry them. Store failures degrade to normal processing.
func Idempotency(cfg IdempotencyConfig) echo.MiddlewareFunc {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			header := req.Header.Get(IdempotencyKeyHeader)
			if req.Method != http.MethodPost || header == "" {
				return next(c)
			}
			if len(header) > maxIdempotencyKeyLen {
				return echo.NewHTTPError(http.StatusBadRequest, "idempotency key too long")
			}

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			hash := requestHash(body)

			ctx := req.Context()
			key := clientKey(c) + ":" + req.URL.Path + ":" + header
			log := cfg.Logger.With().Str("request_id", requestID(c)).Str("idempotency_key", header).Logger()

			if stored, err := cfg.Store.Get(ctx, key); err != nil {
				log.Warn().Err(err).Msg("idempotency lookup failed")
				return next(c)
			} else if stored != nil {
				return replay(c, stored, hash)
			}

			release, err := cfg.Store.Lock(ctx, key, cfg.LockTTL)
			if errors.Is(err, ErrRequestInFlight) {
				return echo.NewHTTPError(http.StatusConflict, "a request with this idempotency key is already in progress")
			}
			if err != nil {
				log.Warn().Err(err).Msg("idempotency lock failed")
				return next(c)
			}
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("idempotency lock release failed")
				}
			}()

			// The first holder may have finished between Get and Lock.
			if stored, err := cfg.Store.Get(ctx, key); err == nil && stored != nil {
				return replay(c, stored, hash)
			}

			res := c.Response()
			origWriter := res.Writer
			buf := newBufferedResponseWriter(origWriter)
			res.Writer = buf

			if err := next(c); err != nil {
				res.Writer = origWriter
				return err
			}
			res.Writer = origWriter

			if buf.statusCode < http.StatusInternalServerError {
				stored := &StoredResponse{
					RequestHash: hash,
					Status:      buf.statusCode,
					ContentType: res.Header().Get(echo.HeaderContentType),
					Body:        buf.buf.Bytes(),
				}
				if err := cfg.Store.Save(context.WithoutCancel(ctx), key, stored, cfg.TTL); err != nil {
					log.Warn().Err(err).Msg("idempotency save failed")
				}
			}
			return buf.flushTo()
		}
	}
}

func requestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func replay(c echo.Context, stored *StoredResponse, hash string) error {
	if stored.RequestHash != hash {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "idempotency key reused with a different request")
	}
	c.Response().Header().Set(IdempotencyReplayedHeader, "true")
	return c.Blob(stored.Status, stored.ContentType, stored.Body)
}

package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/manthysbr/jobpipe/internal/core/ports"
)

const pageKeyPrefix = "jobpipe:page:"

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Service wraps the shared Redis client used for the budget ledger, the
// page cache and the asynq task queue.
type Service struct {
	client *redisv8.Client
	logger *slog.Logger
}

func New(ctx context.Context, logger *slog.Logger, opts Options) (*Service, error) {
	c := redisv8.NewClient(&redisv8.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(logger, c), nil
}

func NewWithClient(logger *slog.Logger, client *redisv8.Client) *Service {
	return &Service{client: client, logger: logger}
}

func (s *Service) Close() error            { return s.client.Close() }
func (s *Service) Client() *redisv8.Client { return s.client }

func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Service) AsynqRedisOpt() asynq.RedisClientOpt {
	o := s.client.Options()
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

func pageKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return pageKeyPrefix + hex.EncodeToString(sum[:16])
}

// GetPage returns a cached page. Any error is treated as a miss.
func (s *Service) GetPage(ctx context.Context, url string) (*ports.Page, bool) {
	b, err := s.client.Get(ctx, pageKey(url)).Bytes()
	if err != nil {
		if !errors.Is(err, redisv8.Nil) {
			s.logger.Warn("page cache read failed", "url", url, "error", err)
		}
		return nil, false
	}
	var page ports.Page
	if err := json.Unmarshal(b, &page); err != nil {
		return nil, false
	}
	return &page, true
}

func (s *Service) SetPage(ctx context.Context, page *ports.Page, ttl time.Duration) error {
	b, err := json.Marshal(page)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, pageKey(page.URL), b, ttl).Err()
}

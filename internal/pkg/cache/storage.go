package cache

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/storage/redis"

	"github.com/fractiverse/router/internal/pkg/config"
)

// limiterDatabase keeps rate limiter counters apart from the credit locks in DB 0.
const limiterDatabase = 1

// NewLimiterStorage returns a fiber storage backed by Redis for the request
// limiter, or nil when Redis is not configured or was unreachable at startup
// so the limiter keeps its in-memory default.
func NewLimiterStorage(cfg config.CacheConfig) fiber.Storage {
	if !cfg.Enabled() || !Available() {
		return nil
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		log.Warnf("[Cache] Invalid CACHE_PORT %q, using 6379", cfg.Port)
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}

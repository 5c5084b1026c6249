package cache

import (
	"context"
	"time"

	"github.com/fractiverse/router/internal/pkg/config"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

var (
	client    *redis.Client
	available bool
)

// SetupCache initializes the connection to the Redis server. A failed ping is
// only logged; callers that need Redis fail open.
func SetupCache(cfg config.CacheConfig) *redis.Client {
	client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	available = err == nil
	if err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", cfg.Addr(), err)
	} else {
		log.Infof("[Cache] Connected to Redis: %s", pong)
	}
	return client
}

// Available reports whether the last SetupCache reached Redis.
func Available() bool {
	return available
}

func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}

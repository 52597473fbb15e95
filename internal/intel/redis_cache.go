package intel

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"netshield/internal/model"
)

const redisKeyPrefix = "netshield:osint:"

// RedisCache stores profiles in Redis so enrichment survives restarts and
// can be shared between a probe host and the daemon. Failures degrade to
// cache misses; the resolver path handles them.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis instance named by url
// (redis://host:port/db) and verifies the connection.
func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ip string, now time.Time) (*model.OSINTProfile, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, redisKeyPrefix+ip).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("WARN: redis get for %s failed: %v", ip, err)
		}
		return nil, false
	}

	var profile model.OSINTProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		log.Printf("WARN: corrupt cached profile for %s: %v", ip, err)
		return nil, false
	}
	if profile.Expired(now) {
		return nil, false
	}
	return &profile, true
}

func (c *RedisCache) Set(ip string, profile *model.OSINTProfile) {
	data, err := json.Marshal(profile)
	if err != nil {
		log.Printf("WARN: failed to marshal profile for %s: %v", ip, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Set(ctx, redisKeyPrefix+ip, data, c.ttl).Err(); err != nil {
		log.Printf("WARN: redis set for %s failed: %v", ip, err)
	}
}

// Len reports -1: Redis keyspace size is not tracked per prefix.
func (c *RedisCache) Len() int { return -1 }

// Close releases the Redis connection.
func (c *RedisCache) Close() error { return c.client.Close() }

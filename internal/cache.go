package internal

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Two-tier lookup cache for collaborator reads (geofence definitions,
// identity resolution). The memory tier keeps hot keys for a few seconds so
// the streaming path never waits on redis; the redis tier survives restarts.

var rdb *redis.Client
var cacheCtx = context.Background()
var memCache *cache.Cache

var redisDataExpiration time.Duration
var memoryDataExpiration time.Duration

var redisInitialized bool

// InitCache initializes the two-tier cache. With dryRun, or an empty URI,
// only the memory tier is used.
func InitCache(redisURI string, redisPassword string, redisDB int, dryRun bool) {
	redisDataExpiration = 12 * time.Hour
	memoryDataExpiration = 10 * time.Second
	memCache = cache.New(memoryDataExpiration, 20*time.Second)

	if dryRun || redisURI == "" {
		zap.S().Infof("Running cache without redis tier")
		redisInitialized = false
		return
	}

	rdb = redis.NewClient(&redis.Options{
		Addr:     redisURI,
		Password: redisPassword,
		DB:       redisDB,
	})
	redisInitialized = true
}

func IsRedisAvailable() bool {
	if !redisInitialized || rdb == nil {
		return false
	}
	timeout, cancel := context.WithTimeout(cacheCtx, 10*time.Second)
	defer cancel()
	statusCmd := rdb.Ping(timeout)
	return statusCmd != nil && statusCmd.Val() == "PONG"
}

// GetTiered attempts to get key from the memory cache, falling back to redis.
func GetTiered(key string) (cached bool, value []byte) {
	if v, hit := memCache.Get(key); hit {
		if b, ok := v.([]byte); ok {
			return true, b
		}
	}

	if !redisInitialized {
		return false, nil
	}

	d := time.Now().Add(memoryDataExpiration)
	ctx, cancel := context.WithDeadline(cacheCtx, d)
	defer cancel()

	value, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false, nil
	}

	// Write back to the memory tier
	memCache.SetDefault(key, value)
	return true, value
}

// SetTiered sets the memory tier and redis with the given redis expiration.
func SetTiered(key string, value []byte, redisExpiration time.Duration) {
	memCache.SetDefault(key, value)
	if redisInitialized {
		rdb.Set(cacheCtx, key, value, redisExpiration)
	}
}

// SetTieredLongTerm calls SetTiered with the default redis expiration.
func SetTieredLongTerm(key string, value []byte) {
	SetTiered(key, value, redisDataExpiration)
}

// SetTieredShortTerm calls SetTiered with the default memory expiration.
func SetTieredShortTerm(key string, value []byte) {
	SetTiered(key, value, memoryDataExpiration)
}

func SetMemcached(key string, value any) {
	memCache.SetDefault(key, value)
}

func GetMemcached(key string) (value any, found bool) {
	value, found = memCache.Get(key)
	return
}

func SetMemcachedLong(key string, value any, d time.Duration) {
	memCache.Set(key, value, d)
}

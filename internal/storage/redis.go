package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"biome-tales/internal/config"
	"biome-tales/internal/interfaces"
	"biome-tales/internal/models"
)

const (
	storyLockKeyPrefix  = "story:lock:"
	storyPagesKeyPrefix = "story:pages:"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisStore struct {
	client       *redis.Client
	lockTTL      time.Duration
	pageCacheTTL time.Duration
	log          *zap.Logger
}

func NewRedisStore(cfg config.RedisConfig, log *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return NewRedisStoreWithClient(client, cfg, log), nil
}

// NewRedisStoreWithClient wraps an already connected client.
func NewRedisStoreWithClient(client *redis.Client, cfg config.RedisConfig, log *zap.Logger) *RedisStore {
	if log == nil {
		log = zap.NewNop()
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 3 * time.Minute
	}
	pageTTL := cfg.PageCacheTTL
	if pageTTL <= 0 {
		pageTTL = 10 * time.Minute
	}
	return &RedisStore{
		client:       client,
		lockTTL:      lockTTL,
		pageCacheTTL: pageTTL,
		log:          log.With(zap.String("component", "redis")),
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Acquire takes the single-writer lock for a story. ok is false when some
// other request is already generating a page for it.
func (s *RedisStore) Acquire(ctx context.Context, storyID uint) (func(), bool, error) {
	key := fmt.Sprintf("%s%d", storyLockKeyPrefix, storyID)
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire story lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// The request context may already be done; release on a fresh one.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, s.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.log.Warn("failed to release story lock", zap.Uint("story_id", storyID), zap.Error(err))
		}
	}
	return release, true, nil
}

// CachedPersistence serves ListPages from Redis. Cached lists are keyed by a
// per-story generation that every page write or delete bumps, so a list read
// from the database before a write can never be served after it.
type CachedPersistence struct {
	interfaces.PersistencePort
	redis *RedisStore
}

// NewCachedPersistence decorates next with the Redis page cache.
func NewCachedPersistence(next interfaces.PersistencePort, redisStore *RedisStore) *CachedPersistence {
	return &CachedPersistence{PersistencePort: next, redis: redisStore}
}

func (c *CachedPersistence) ListPages(ctx context.Context, storyID uint) ([]models.StoryPage, error) {
	gen, err := c.generation(ctx, storyID)
	if err != nil {
		c.redis.log.Warn("page cache generation read failed", zap.Uint("story_id", storyID), zap.Error(err))
		return c.PersistencePort.ListPages(ctx, storyID)
	}
	key := pagesKey(storyID, gen)

	raw, err := c.redis.client.Get(ctx, key).Bytes()
	if err == nil {
		var pages []models.StoryPage
		if jsonErr := json.Unmarshal(raw, &pages); jsonErr == nil {
			return pages, nil
		}
		c.redis.log.Warn("dropping unreadable page cache entry", zap.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		c.redis.log.Warn("page cache read failed", zap.String("key", key), zap.Error(err))
	}

	pages, err := c.PersistencePort.ListPages(ctx, storyID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(pages)
	if err != nil {
		return pages, nil
	}
	// The generation key must outlive every list cached under it.
	_, err = c.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, c.redis.pageCacheTTL)
		pipe.Expire(ctx, generationKey(storyID), 2*c.redis.pageCacheTTL)
		return nil
	})
	if err != nil {
		c.redis.log.Warn("page cache write failed", zap.String("key", key), zap.Error(err))
	}
	return pages, nil
}

func (c *CachedPersistence) InsertPage(ctx context.Context, page *models.StoryPage) error {
	err := c.PersistencePort.InsertPage(ctx, page)
	c.invalidate(ctx, page.StoryID)
	return err
}

func (c *CachedPersistence) DeleteStory(ctx context.Context, id uint) error {
	err := c.PersistencePort.DeleteStory(ctx, id)
	c.invalidate(ctx, id)
	return err
}

// invalidate runs after the database write so readers that loaded the old
// list are left holding a superseded generation.
func (c *CachedPersistence) invalidate(ctx context.Context, storyID uint) {
	key := generationKey(storyID)
	_, err := c.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*c.redis.pageCacheTTL)
		return nil
	})
	if err != nil {
		c.redis.log.Warn("page cache invalidation failed", zap.Uint("story_id", storyID), zap.Error(err))
	}
}

func (c *CachedPersistence) generation(ctx context.Context, storyID uint) (int64, error) {
	gen, err := c.redis.client.Get(ctx, generationKey(storyID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func pagesKey(storyID uint, gen int64) string {
	return fmt.Sprintf("%s%d@%d", storyPagesKeyPrefix, storyID, gen)
}

func generationKey(storyID uint) string {
	return fmt.Sprintf("%s%d:gen", storyPagesKeyPrefix, storyID)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"biome-tales/internal/config"
	"biome-tales/internal/interfaces"
	"biome-tales/internal/metrics"
	"biome-tales/internal/models"
)

const biomesCacheKey = "biomes"

// Store is the gorm-backed persistence gateway. Story headers and the biome
// catalog are immutable from the pipeline's point of view, so both are
// cached in process.
type Store struct {
	db         *gorm.DB
	log        *zap.Logger
	cache      *cache.Cache
	group      singleflight.Group
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// Open connects using the configured driver.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewStore(db, cfg, log), nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB, cfg config.DatabaseConfig, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	ttl := cfg.StoryCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		db:         db,
		log:        log.With(zap.String("component", "store")),
		cache:      cache.New(ttl, 2*ttl),
		maxRetries: cfg.MaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
				cfg.Username,
				cfg.Password,
				cfg.Host,
				cfg.Port,
				cfg.Database,
			)
		}
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			sslMode := cfg.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, sslMode)
		}
		return postgres.Open(dsn), nil
	case "sqlite":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite driver needs a dsn")
		}
		if !strings.HasPrefix(cfg.DSN, "file:") && !strings.Contains(cfg.DSN, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	default:
		return logger.Error
	}
}

// AutoMigrate creates or updates every table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(models.All()...)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) GetDB() *gorm.DB {
	return s.db
}

// Transaction helper
func (s *Store) WithTx(fn func(*gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) CreateStory(ctx context.Context, story *models.Story) error {
	err := s.retry(ctx, "create_story", func() error {
		return s.db.WithContext(ctx).Create(story).Error
	})
	if err != nil {
		return s.translate("create story", err)
	}
	s.cache.SetDefault(storyCacheKey(story.ID), *story)
	return nil
}

// GetStory reads a story header. Concurrent misses for the same id share one
// query.
func (s *Store) GetStory(ctx context.Context, id uint) (*models.Story, error) {
	key := storyCacheKey(id)
	if v, ok := s.cache.Get(key); ok {
		story := v.(models.Story)
		return &story, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		var story models.Story
		err := s.retry(ctx, "get_story", func() error {
			return s.db.WithContext(ctx).First(&story, id).Error
		})
		if err != nil {
			return nil, err
		}
		s.cache.SetDefault(key, story)
		return story, nil
	})
	if err != nil {
		return nil, s.translate(fmt.Sprintf("story %d", id), err)
	}

	story := v.(models.Story)
	return &story, nil
}

// DeleteStory removes a story and its pages.
func (s *Store) DeleteStory(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("story_id = ?", id).Delete(&models.StoryPage{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Story{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	s.cache.Delete(storyCacheKey(id))
	if err != nil {
		return s.translate(fmt.Sprintf("delete story %d", id), err)
	}
	return nil
}

// InsertPage appends a page. A second page with the same number for the
// same story fails with ErrPageConflict.
func (s *Store) InsertPage(ctx context.Context, page *models.StoryPage) error {
	err := s.retry(ctx, "insert_page", func() error {
		return s.db.WithContext(ctx).Create(page).Error
	})
	if err != nil {
		return s.translate(fmt.Sprintf("page %d of story %d", page.PageNum, page.StoryID), err)
	}
	return nil
}

func (s *Store) ListPages(ctx context.Context, storyID uint) ([]models.StoryPage, error) {
	var pages []models.StoryPage
	err := s.retry(ctx, "list_pages", func() error {
		pages = pages[:0]
		return s.db.WithContext(ctx).
			Where("story_id = ?", storyID).
			Order("page_num ASC").
			Find(&pages).Error
	})
	if err != nil {
		return nil, s.translate(fmt.Sprintf("pages of story %d", storyID), err)
	}
	return pages, nil
}

// ListStories returns newest stories first with their page counts.
func (s *Store) ListStories(ctx context.Context, limit, offset int) ([]models.StorySummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var stories []models.Story
	err := s.retry(ctx, "list_stories", func() error {
		stories = stories[:0]
		return s.db.WithContext(ctx).
			Order("id DESC").
			Limit(limit).
			Offset(offset).
			Find(&stories).Error
	})
	if err != nil {
		return nil, s.translate("list stories", err)
	}
	if len(stories) == 0 {
		return []models.StorySummary{}, nil
	}

	ids := make([]uint, len(stories))
	for i, st := range stories {
		ids[i] = st.ID
	}

	var counts []struct {
		StoryID uint
		N       int
	}
	err = s.retry(ctx, "count_pages", func() error {
		counts = counts[:0]
		return s.db.WithContext(ctx).
			Model(&models.StoryPage{}).
			Select("story_id, COUNT(*) AS n").
			Where("story_id IN ?", ids).
			Group("story_id").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, s.translate("count pages", err)
	}

	byStory := make(map[uint]int, len(counts))
	for _, c := range counts {
		byStory[c.StoryID] = c.N
	}

	out := make([]models.StorySummary, 0, len(stories))
	for _, st := range stories {
		out = append(out, models.StorySummary{
			ID:        st.ID,
			Title:     st.Title,
			Biome:     st.Biome,
			PageCount: byStory[st.ID],
			CreatedAt: st.CreatedAt,
		})
	}
	return out, nil
}

// ListBiomes returns the catalog with each biome's story count. Stories
// name their biome by id or by display name, so both are counted.
func (s *Store) ListBiomes(ctx context.Context) ([]models.Biome, error) {
	biomes, err := s.biomeCatalog(ctx)
	if err != nil {
		return nil, err
	}

	counts, err := s.storyCountsByBiome(ctx)
	if err != nil {
		return nil, err
	}
	for i := range biomes {
		b := &biomes[i]
		b.StoryCount = counts[b.ID]
		if b.Name != b.ID {
			b.StoryCount += counts[b.Name]
		}
	}
	return biomes, nil
}

func (s *Store) biomeCatalog(ctx context.Context) ([]models.Biome, error) {
	if v, ok := s.cache.Get(biomesCacheKey); ok {
		return append([]models.Biome(nil), v.([]models.Biome)...), nil
	}

	var biomes []models.Biome
	err := s.retry(ctx, "list_biomes", func() error {
		biomes = biomes[:0]
		return s.db.WithContext(ctx).Order("sort_order ASC, id ASC").Find(&biomes).Error
	})
	if err != nil {
		return nil, s.translate("list biomes", err)
	}
	s.cache.SetDefault(biomesCacheKey, append([]models.Biome(nil), biomes...))
	return biomes, nil
}

type biomeCount struct {
	Biome string
	Total int
}

func (s *Store) storyCountsByBiome(ctx context.Context) (map[string]int, error) {
	var rows []biomeCount
	err := s.retry(ctx, "count_stories_by_biome", func() error {
		rows = rows[:0]
		return s.db.WithContext(ctx).
			Model(&models.Story{}).
			Select("biome, COUNT(*) AS total").
			Group("biome").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, s.translate("count stories by biome", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Biome] = r.Total
	}
	return counts, nil
}

// UpsertBiomes writes the catalog, replacing existing rows by id.
func (s *Store) UpsertBiomes(ctx context.Context, biomes []models.Biome) error {
	if len(biomes) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&biomes).Error
	s.cache.Delete(biomesCacheKey)
	if err != nil {
		return s.translate("upsert biomes", err)
	}
	return nil
}

// SeedBiomes converts the configured catalog and upserts it, preserving
// the configured order.
func (s *Store) SeedBiomes(ctx context.Context, catalog []config.BiomeConfig) error {
	biomes := make([]models.Biome, 0, len(catalog))
	for i, b := range catalog {
		biomes = append(biomes, models.Biome{
			ID:          b.ID,
			Name:        b.Name,
			Description: b.Description,
			ImageURL:    b.ImageURL,
			Gradient:    b.Gradient,
			Unlocked:    b.Unlocked,
			SortOrder:   i,
		})
	}
	return s.UpsertBiomes(ctx, biomes)
}

// retry runs op with bounded exponential backoff. Missing rows and
// constraint violations are permanent.
func (s *Store) retry(ctx context.Context, operation string, op func() error) error {
	attempt := 0
	wrapped := func() error {
		if attempt > 0 {
			metrics.StoreRetriesTotal.WithLabelValues(operation).Inc()
		}
		attempt++

		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		s.log.Warn("transient store error", zap.String("operation", operation), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	return backoff.Retry(wrapped, b)
}

func (s *Store) translate(what string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, interfaces.ErrNotFound)
	case isDuplicateKey(err):
		return fmt.Errorf("%s: %w", what, interfaces.ErrPageConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", what, interfaces.ErrPersistence, err)
	default:
		s.log.Error("store operation failed", zap.String("what", what), zap.Error(err))
		return fmt.Errorf("%s: %w: %v", what, interfaces.ErrPersistence, err)
	}
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		isDuplicateKey(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// isDuplicateKey also matches raw driver messages for dialects whose
// translator does not cover unique violations.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}

func storyCacheKey(id uint) string {
	return "story:" + strconv.FormatUint(uint64(id), 10)
}

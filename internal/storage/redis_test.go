package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"biome-tales/internal/config"
	"biome-tales/internal/interfaces"
	"biome-tales/internal/models"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client, config.RedisConfig{LockTTL: time.Minute}, zap.NewNop()), mr
}

func TestRedisStoryLock(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()

	release, ok, err := rs.Acquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("story:lock:7"))

	_, ok, err = rs.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok, "second writer must not get the lock")

	other, ok, err := rs.Acquire(ctx, 8)
	require.NoError(t, err)
	assert.True(t, ok)
	other()

	release()
	assert.False(t, mr.Exists("story:lock:7"))

	again, ok, err := rs.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func TestRedisLockExpires(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()

	stale, ok, err := rs.Acquire(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	fresh, ok, err := rs.Acquire(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)

	// The expired holder must not delete the new holder's lock.
	stale()
	assert.True(t, mr.Exists("story:lock:3"))
	fresh()
}

type mockPersistence struct {
	mock.Mock
}

func (m *mockPersistence) CreateStory(ctx context.Context, story *models.Story) error {
	return m.Called(ctx, story).Error(0)
}

func (m *mockPersistence) GetStory(ctx context.Context, id uint) (*models.Story, error) {
	args := m.Called(ctx, id)
	if s, ok := args.Get(0).(*models.Story); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPersistence) DeleteStory(ctx context.Context, id uint) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockPersistence) InsertPage(ctx context.Context, page *models.StoryPage) error {
	return m.Called(ctx, page).Error(0)
}

func (m *mockPersistence) ListPages(ctx context.Context, storyID uint) ([]models.StoryPage, error) {
	args := m.Called(ctx, storyID)
	pages, _ := args.Get(0).([]models.StoryPage)
	return pages, args.Error(1)
}

func (m *mockPersistence) ListStories(ctx context.Context, limit, offset int) ([]models.StorySummary, error) {
	args := m.Called(ctx, limit, offset)
	list, _ := args.Get(0).([]models.StorySummary)
	return list, args.Error(1)
}

func (m *mockPersistence) ListBiomes(ctx context.Context) ([]models.Biome, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]models.Biome)
	return list, args.Error(1)
}

func TestCachedPersistenceListPages(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()
	next := new(mockPersistence)
	cached := NewCachedPersistence(next, rs)

	pages := []models.StoryPage{{StoryID: 5, PageNum: 1, Text: "Once upon a time."}}
	next.On("ListPages", mock.Anything, uint(5)).Return(pages, nil).Once()

	first, err := cached.ListPages(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, pages[0].Text, first[0].Text)
	assert.True(t, mr.Exists("story:pages:5@0"))

	second, err := cached.ListPages(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, first[0].Text, second[0].Text)

	next.AssertExpectations(t)
}

func TestCachedPersistenceInvalidatesOnInsert(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()
	next := new(mockPersistence)
	cached := NewCachedPersistence(next, rs)

	next.On("ListPages", mock.Anything, uint(9)).Return([]models.StoryPage{{StoryID: 9, PageNum: 1, Text: "a"}}, nil).Once()
	_, err := cached.ListPages(ctx, 9)
	require.NoError(t, err)
	require.True(t, mr.Exists("story:pages:9@0"))

	page := &models.StoryPage{StoryID: 9, PageNum: 2, Text: "b"}
	next.On("InsertPage", mock.Anything, page).Return(nil).Once()
	require.NoError(t, cached.InsertPage(ctx, page))
	gen, err := mr.Get("story:pages:9:gen")
	require.NoError(t, err)
	assert.Equal(t, "1", gen)

	next.On("ListPages", mock.Anything, uint(9)).Return([]models.StoryPage{
		{StoryID: 9, PageNum: 1, Text: "a"},
		{StoryID: 9, PageNum: 2, Text: "b"},
	}, nil).Once()
	fresh, err := cached.ListPages(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	next.AssertExpectations(t)
}

// gatedPages is a backing store whose next ListPages call takes its snapshot
// and then waits until hold is closed.
type gatedPages struct {
	interfaces.PersistencePort

	mu      sync.Mutex
	pages   []models.StoryPage
	hold    chan struct{}
	entered chan struct{}
}

func (g *gatedPages) ListPages(ctx context.Context, storyID uint) ([]models.StoryPage, error) {
	g.mu.Lock()
	snapshot := append([]models.StoryPage(nil), g.pages...)
	hold := g.hold
	g.hold = nil
	g.mu.Unlock()

	if hold != nil {
		close(g.entered)
		<-hold
	}
	return snapshot, nil
}

func (g *gatedPages) InsertPage(ctx context.Context, page *models.StoryPage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pages = append(g.pages, *page)
	return nil
}

func TestCachedPersistenceDropsListLoadedBeforeInsert(t *testing.T) {
	rs, _ := newTestRedis(t)
	ctx := context.Background()
	hold := make(chan struct{})
	backing := &gatedPages{
		pages:   []models.StoryPage{{StoryID: 4, PageNum: 1, Text: "a"}},
		hold:    hold,
		entered: make(chan struct{}),
	}
	cached := NewCachedPersistence(backing, rs)

	done := make(chan []models.StoryPage, 1)
	go func() {
		pages, _ := cached.ListPages(ctx, 4)
		done <- pages
	}()

	<-backing.entered
	require.NoError(t, cached.InsertPage(ctx, &models.StoryPage{StoryID: 4, PageNum: 2, Text: "b"}))
	close(hold)
	assert.Len(t, <-done, 1, "the slow reader saw the list from before the insert")

	pages, err := cached.ListPages(ctx, 4)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, 2, pages[1].PageNum)
}

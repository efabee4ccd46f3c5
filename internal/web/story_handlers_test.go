package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"biome-tales/internal/config"
	"biome-tales/internal/interfaces"
	"biome-tales/internal/models"
)

type mockStories struct{ mock.Mock }

func (m *mockStories) CreateStory(ctx context.Context, title, beginning, biome string) (uint, error) {
	args := m.Called(ctx, title, beginning, biome)
	return args.Get(0).(uint), args.Error(1)
}

func (m *mockStories) ContinuePage(ctx context.Context, storyID uint, prior int, continuation string) (int, error) {
	args := m.Called(ctx, storyID, prior, continuation)
	return args.Int(0), args.Error(1)
}

func (m *mockStories) FinishStory(ctx context.Context, storyID uint) ([]models.StoryPage, error) {
	args := m.Called(ctx, storyID)
	pages, _ := args.Get(0).([]models.StoryPage)
	return pages, args.Error(1)
}

func (m *mockStories) GetStory(ctx context.Context, storyID uint) (*models.Story, error) {
	args := m.Called(ctx, storyID)
	story, _ := args.Get(0).(*models.Story)
	return story, args.Error(1)
}

func (m *mockStories) ListStories(ctx context.Context, limit, offset int) ([]models.StorySummary, error) {
	args := m.Called(ctx, limit, offset)
	out, _ := args.Get(0).([]models.StorySummary)
	return out, args.Error(1)
}

func (m *mockStories) ListBiomes(ctx context.Context) ([]models.Biome, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]models.Biome)
	return out, args.Error(1)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func newTestRouter(t *testing.T, stories StoryService, probes map[string]Probe) http.Handler {
	t.Helper()
	return NewRouter(RouterConfig{
		Server:  config.ServerConfig{PipelineTimeout: time.Minute},
		Stories: stories,
		Probes:  probes,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestCreateStoryHandler(t *testing.T) {
	svc := new(mockStories)
	svc.On("CreateStory", mock.Anything, "Fox", "A fox.", "Enchanted Forest").Return(uint(12), nil).Once()

	rec, env := do(t, newTestRouter(t, svc, nil), http.MethodPost, "/api/v1/stories",
		`{"title":"Fox","beginning":"A fox.","biome":"Enchanted Forest"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"story_id":12,"page_num":1}`, string(env.Data))
	svc.AssertExpectations(t)
}

func TestCreateStoryHandlerRejected(t *testing.T) {
	svc := new(mockStories)
	svc.On("CreateStory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(uint(5), interfaces.ErrContentRejected).Once()

	rec, env := do(t, newTestRouter(t, svc, nil), http.MethodPost, "/api/v1/stories",
		`{"title":"x","beginning":"y","biome":"z"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "content_rejected", env.Error.Code)
	assert.JSONEq(t, `{"story_id":5}`, string(env.Data), "the kept story is reported")
}

func TestCreateStoryHandlerBadBody(t *testing.T) {
	svc := new(mockStories)
	router := newTestRouter(t, svc, nil)

	for _, body := range []string{"", "{", `{"title":"x","mood":"happy"}`} {
		rec, env := do(t, router, http.MethodPost, "/api/v1/stories", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.NotNil(t, env.Error)
		assert.Equal(t, "validation_error", env.Error.Code)
	}
	svc.AssertNotCalled(t, "CreateStory", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestContinuePageHandler(t *testing.T) {
	svc := new(mockStories)
	svc.On("ContinuePage", mock.Anything, uint(3), 2, "They dive.").Return(3, nil).Once()

	rec, env := do(t, newTestRouter(t, svc, nil), http.MethodPost, "/api/v1/stories/3/pages",
		`{"prior_page_num":2,"continuation":"They dive."}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"story_id":3,"page_num":3}`, string(env.Data))
	svc.AssertExpectations(t)
}

func TestContinuePageHandlerRequiresPriorPage(t *testing.T) {
	svc := new(mockStories)
	rec, env := do(t, newTestRouter(t, svc, nil), http.MethodPost, "/api/v1/stories/3/pages",
		`{"continuation":"They dive."}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestContinuePageHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{interfaces.Validationf("continuation is required"), http.StatusBadRequest, "validation_error"},
		{interfaces.ErrContentRejected, http.StatusUnprocessableEntity, "content_rejected"},
		{fmt.Errorf("story 9: %w", interfaces.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: stale", interfaces.ErrPageConflict), http.StatusConflict, "page_conflict"},
		{fmt.Errorf("%w: timeout", interfaces.ErrOracle), http.StatusBadGateway, "oracle_error"},
		{fmt.Errorf("%w: db gone", interfaces.ErrPersistence), http.StatusInternalServerError, "persistence_error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := new(mockStories)
			svc.On("ContinuePage", mock.Anything, uint(9), 1, "go").Return(0, tc.err).Once()

			rec, env := do(t, newTestRouter(t, svc, nil), http.MethodPost, "/api/v1/stories/9/pages",
				`{"prior_page_num":1,"continuation":"go"}`)

			assert.Equal(t, tc.status, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tc.code, env.Error.Code)
			assert.NotContains(t, env.Error.Message, "db gone", "backend detail stays in the logs")
		})
	}
}

func TestInvalidStoryID(t *testing.T) {
	router := newTestRouter(t, new(mockStories), nil)
	for _, path := range []string{"/api/v1/stories/abc/finish", "/api/v1/stories/0", "/api/v1/stories/-4/finish"} {
		rec, _ := do(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestFinishStoryHandler(t *testing.T) {
	svc := new(mockStories)
	svc.On("FinishStory", mock.Anything, uint(4)).Return([]models.StoryPage{
		{StoryID: 4, PageNum: 1, Text: "one"},
		{StoryID: 4, PageNum: 2, Text: "two"},
	}, nil).Once()

	rec, env := do(t, newTestRouter(t, svc, nil), http.MethodGet, "/api/v1/stories/4/finish", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		StoryID uint               `json:"story_id"`
		Pages   []models.StoryPage `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, uint(4), data.StoryID)
	require.Len(t, data.Pages, 2)
	assert.Equal(t, "two", data.Pages[1].Text)
}

func TestGetStoryHandler(t *testing.T) {
	svc := new(mockStories)
	svc.On("GetStory", mock.Anything, uint(8)).Return(&models.Story{ID: 8, Title: "Dunes", Biome: "Desert"}, nil).Once()
	svc.On("FinishStory", mock.Anything, uint(8)).Return([]models.StoryPage{}, nil).Once()

	rec, env := do(t, newTestRouter(t, svc, nil), http.MethodGet, "/api/v1/stories/8", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail StoryDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "Dunes", detail.Story.Title)
	assert.Empty(t, detail.Pages)

	svc.On("GetStory", mock.Anything, uint(99)).Return(nil, interfaces.ErrNotFound).Once()
	rec, _ = do(t, newTestRouter(t, svc, nil), http.MethodGet, "/api/v1/stories/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListStoriesHandler(t *testing.T) {
	svc := new(mockStories)
	svc.On("ListStories", mock.Anything, 5, 10).Return([]models.StorySummary{{ID: 1, Title: "a", PageCount: 3}}, nil).Once()
	svc.On("ListStories", mock.Anything, 20, 0).Return(nil, nil).Once()
	router := newTestRouter(t, svc, nil)

	rec, env := do(t, router, http.MethodGet, "/api/v1/stories?limit=5&offset=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"page_count":3`)

	rec, env = do(t, router, http.MethodGet, "/api/v1/stories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"stories":[]`)

	rec, _ = do(t, router, http.MethodGet, "/api/v1/stories?limit=lots", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestListBiomesHandler(t *testing.T) {
	svc := new(mockStories)
	svc.On("ListBiomes", mock.Anything).Return([]models.Biome{
		{ID: "forest", Name: "Enchanted Forest", Gradient: "bg-gradient-forest", Unlocked: true, StoryCount: 3},
		{ID: "tundra", Name: "Frozen Tundra"},
	}, nil).Once()

	rec, env := do(t, newTestRouter(t, svc, nil), http.MethodGet, "/api/v1/biomes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var biomes []models.Biome
	require.NoError(t, json.Unmarshal(env.Data, &biomes))
	require.Len(t, biomes, 2)
	assert.True(t, biomes[0].Unlocked)
	assert.False(t, biomes[1].Unlocked)
	assert.Equal(t, 3, biomes[0].StoryCount)
	assert.Equal(t, "bg-gradient-forest", biomes[0].Gradient)
}

func TestHealthCheck(t *testing.T) {
	ok := func(context.Context) error { return nil }
	broken := func(context.Context) error { return errors.New("connection refused") }

	rec, _ := do(t, newTestRouter(t, new(mockStories), map[string]Probe{"database": ok}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec, _ = do(t, newTestRouter(t, new(mockStories), map[string]Probe{"database": ok, "redis": broken}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, new(mockStories), nil)
	do(t, router, http.MethodGet, "/health", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "biome_tales_http_requests_total")
}

func TestImagesAreServed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.png"), []byte("\x89PNG\r\n\x1a\n"), 0o644))

	router := NewRouter(RouterConfig{
		Images:  config.ImagesConfig{Directory: dir, PublicBaseURL: "/images"},
		Stories: new(mockStories),
	})

	req := httptest.NewRequest(http.MethodGet, "/images/abc.png", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestImageSidecarsAreHidden(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.png"), []byte("\x89PNG\r\n\x1a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.meta"), []byte(`{"prompt":"my cat Tom"}`), 0o644))

	router := NewRouter(RouterConfig{
		Images:  config.ImagesConfig{Directory: dir, PublicBaseURL: "/images"},
		Stories: new(mockStories),
	})

	for _, target := range []string{"/images/abc.meta", "/images/", "/images/ABC.META"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.NotContains(t, rec.Body.String(), "Tom", target)
	}
}

func TestCORS(t *testing.T) {
	router := NewRouter(RouterConfig{
		Server:  config.ServerConfig{AllowedOrigins: []string{"http://localhost:5173"}},
		Stories: new(mockStories),
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/stories", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/stories", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

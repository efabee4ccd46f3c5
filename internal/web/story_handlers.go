package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"biome-tales/internal/interfaces"
	"biome-tales/internal/models"
)

const maxBodyBytes = 64 << 10

// StoryService is the pipeline as the HTTP layer sees it.
type StoryService interface {
	CreateStory(ctx context.Context, title, beginning, biome string) (uint, error)
	ContinuePage(ctx context.Context, storyID uint, priorPageNum int, continuation string) (int, error)
	FinishStory(ctx context.Context, storyID uint) ([]models.StoryPage, error)
	GetStory(ctx context.Context, storyID uint) (*models.Story, error)
	ListStories(ctx context.Context, limit, offset int) ([]models.StorySummary, error)
	ListBiomes(ctx context.Context) ([]models.Biome, error)
}

// StoryHandlers handles story-related requests
type StoryHandlers struct {
	stories StoryService
	hub     *PageHub
	timeout time.Duration
	log     *zap.Logger
}

// NewStoryHandlers creates a new story handlers instance. timeout bounds
// each pipeline step; zero leaves only the request context.
func NewStoryHandlers(stories StoryService, hub *PageHub, timeout time.Duration, log *zap.Logger) *StoryHandlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &StoryHandlers{
		stories: stories,
		hub:     hub,
		timeout: timeout,
		log:     log.With(zap.String("component", "story_handlers")),
	}
}

// CreateStoryRequest represents a story creation request
type CreateStoryRequest struct {
	Title     string `json:"title"`
	Beginning string `json:"beginning"`
	Biome     string `json:"biome"`
}

// ContinuePageRequest carries the page the client is looking at and what
// should happen next.
type ContinuePageRequest struct {
	PriorPageNum *int   `json:"prior_page_num"`
	Continuation string `json:"continuation"`
}

// PageRef names a stored page.
type PageRef struct {
	StoryID uint `json:"story_id"`
	PageNum int  `json:"page_num,omitempty"`
}

// StoryDetail is a story header with its pages.
type StoryDetail struct {
	Story *models.Story      `json:"story"`
	Pages []models.StoryPage `json:"pages"`
}

func (h *StoryHandlers) pipelineContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *StoryHandlers) CreateStory(w http.ResponseWriter, r *http.Request) {
	var req CreateStoryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err, nil)
		return
	}

	ctx, cancel := h.pipelineContext(r)
	defer cancel()

	id, err := h.stories.CreateStory(ctx, req.Title, req.Beginning, req.Biome)
	if err != nil {
		h.logFailure("create story", err, zap.Uint("story_id", id))
		var partial interface{}
		if id != 0 {
			partial = PageRef{StoryID: id}
		}
		writeError(w, err, partial)
		return
	}

	writeData(w, http.StatusCreated, PageRef{StoryID: id, PageNum: 1})
}

func (h *StoryHandlers) ContinuePage(w http.ResponseWriter, r *http.Request) {
	storyID, err := storyIDParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	var req ContinuePageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	if req.PriorPageNum == nil {
		writeError(w, interfaces.Validationf("prior_page_num is required"), nil)
		return
	}

	ctx, cancel := h.pipelineContext(r)
	defer cancel()

	next, err := h.stories.ContinuePage(ctx, storyID, *req.PriorPageNum, req.Continuation)
	if err != nil {
		h.logFailure("continue page", err, zap.Uint("story_id", storyID), zap.Int("prior_page_num", *req.PriorPageNum))
		writeError(w, err, nil)
		return
	}

	writeData(w, http.StatusCreated, PageRef{StoryID: storyID, PageNum: next})
}

func (h *StoryHandlers) FinishStory(w http.ResponseWriter, r *http.Request) {
	storyID, err := storyIDParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	pages, err := h.stories.FinishStory(r.Context(), storyID)
	if err != nil {
		h.logFailure("finish story", err, zap.Uint("story_id", storyID))
		writeError(w, err, nil)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{"story_id": storyID, "pages": pages})
}

func (h *StoryHandlers) GetStory(w http.ResponseWriter, r *http.Request) {
	storyID, err := storyIDParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	story, err := h.stories.GetStory(r.Context(), storyID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	pages, err := h.stories.FinishStory(r.Context(), storyID)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	writeData(w, http.StatusOK, StoryDetail{Story: story, Pages: pages})
}

func (h *StoryHandlers) ListStories(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	stories, err := h.stories.ListStories(r.Context(), limit, offset)
	if err != nil {
		h.logFailure("list stories", err)
		writeError(w, err, nil)
		return
	}
	if stories == nil {
		stories = []models.StorySummary{}
	}

	writeData(w, http.StatusOK, map[string]interface{}{"stories": stories, "limit": limit, "offset": offset})
}

func (h *StoryHandlers) ListBiomes(w http.ResponseWriter, r *http.Request) {
	biomes, err := h.stories.ListBiomes(r.Context())
	if err != nil {
		h.logFailure("list biomes", err)
		writeError(w, err, nil)
		return
	}
	if biomes == nil {
		biomes = []models.Biome{}
	}
	writeData(w, http.StatusOK, biomes)
}

// Events streams page_created events for one story over a websocket.
func (h *StoryHandlers) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, Envelope{
			Success: false,
			Error:   &APIError{Code: "unavailable", Message: "live updates are disabled"},
		})
		return
	}

	storyID, err := storyIDParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if _, err := h.stories.GetStory(r.Context(), storyID); err != nil {
		writeError(w, err, nil)
		return
	}

	h.hub.Serve(w, r, storyID)
}

// logFailure keeps expected client errors at info level.
func (h *StoryHandlers) logFailure(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.String("code", interfaces.ErrorCode(err)), zap.Error(err))
	switch statusFor(err) {
	case http.StatusInternalServerError, http.StatusBadGateway:
		h.log.Error("pipeline step failed", fields...)
	default:
		h.log.Info("pipeline step refused", fields...)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return interfaces.Validationf("request body is empty")
		}
		return interfaces.Validationf("invalid request body: %v", err)
	}
	return nil
}

func storyIDParam(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "storyID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, interfaces.Validationf("invalid story id %q", raw)
	}
	return uint(id), nil
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, interfaces.Validationf("%s must be a non-negative integer", name)
	}
	return v, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"biome-tales/internal/interfaces"
	"biome-tales/internal/metrics"
	"biome-tales/internal/models"
)

// StoryEngine sequences validation, safety screening, generation and
// persistence for one page of a story at a time.
type StoryEngine struct {
	store  interfaces.PersistencePort
	safety interfaces.SafetyOraclePort
	text   interfaces.TextOraclePort
	image  interfaces.ImageOraclePort

	locker       interfaces.StoryLocker
	publisher    interfaces.PageEventPublisher
	log          *zap.Logger
	atomicCreate bool
}

// Option configures optional collaborators of a StoryEngine.
type Option func(*StoryEngine)

// WithLocker serializes ContinuePage calls per story.
func WithLocker(l interfaces.StoryLocker) Option {
	return func(e *StoryEngine) { e.locker = l }
}

// WithPublisher announces every stored page.
func WithPublisher(p interfaces.PageEventPublisher) Option {
	return func(e *StoryEngine) { e.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *StoryEngine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithAtomicCreate removes the Story row again when its first page could not
// be written.
func WithAtomicCreate(enabled bool) Option {
	return func(e *StoryEngine) { e.atomicCreate = enabled }
}

// NewStoryEngine creates a new story engine
func NewStoryEngine(
	store interfaces.PersistencePort,
	safety interfaces.SafetyOraclePort,
	text interfaces.TextOraclePort,
	image interfaces.ImageOraclePort,
	opts ...Option,
) *StoryEngine {
	e := &StoryEngine{
		store:  store,
		safety: safety,
		text:   text,
		image:  image,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.String("component", "story_engine"))
	return e
}

// CreateStory stores a new story and writes its first page. The story id is
// returned together with any error from page generation, so callers can
// still offer the story for retry when the default non-atomic mode is used.
func (e *StoryEngine) CreateStory(ctx context.Context, title, beginning, biome string) (id uint, err error) {
	defer observe("create", time.Now(), &err)

	title = strings.TrimSpace(title)
	beginning = strings.TrimSpace(beginning)
	biome = strings.TrimSpace(biome)
	if title == "" {
		return 0, interfaces.Validationf("title is required")
	}
	if beginning == "" {
		return 0, interfaces.Validationf("beginning is required")
	}

	story := &models.Story{Title: title, BeginningPrompt: beginning, Biome: biome}
	if err := e.store.CreateStory(ctx, story); err != nil {
		return 0, err
	}
	log := e.log.With(zap.Uint("story_id", story.ID))

	if err := e.generateFirstPage(ctx, story); err != nil {
		if e.atomicCreate {
			// The request context may already be spent; the cleanup must still run.
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if delErr := e.store.DeleteStory(cleanupCtx, story.ID); delErr != nil {
				log.Error("failed to remove story after first page failed", zap.Error(delErr))
			}
			return 0, err
		}
		log.Warn("story kept without a first page", zap.Error(err))
		return story.ID, err
	}

	log.Info("story created", zap.String("biome", story.Biome))
	return story.ID, nil
}

func (e *StoryEngine) generateFirstPage(ctx context.Context, story *models.Story) error {
	if e.safety.ContainsProfanity(ctx, story.Title+", "+story.BeginningPrompt) {
		return interfaces.ErrContentRejected
	}

	prompt := interfaces.StoryPrompt{
		Title:     story.Title,
		Beginning: story.BeginningPrompt,
		Biome:     story.Biome,
	}
	_, err := e.writePage(ctx, story.ID, 1, prompt)
	return err
}

// ContinuePage writes page priorPageNum+1. priorPageNum must be the story's
// current last page; anything else is a stale submission and fails with
// ErrPageConflict.
func (e *StoryEngine) ContinuePage(ctx context.Context, storyID uint, priorPageNum int, continuation string) (next int, err error) {
	defer observe("continue", time.Now(), &err)

	continuation = strings.TrimSpace(continuation)
	if continuation == "" {
		return 0, interfaces.Validationf("continuation is required")
	}
	if priorPageNum < 0 {
		return 0, interfaces.Validationf("prior page number %d is negative", priorPageNum)
	}

	if e.locker != nil {
		release, ok, err := e.locker.Acquire(ctx, storyID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: story %d is being continued by another request", interfaces.ErrPageConflict, storyID)
		}
		defer release()
	}

	story, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return 0, err
	}
	pages, err := e.store.ListPages(ctx, storyID)
	if err != nil {
		return 0, err
	}

	if current := lastPageNum(pages); priorPageNum != current {
		return 0, fmt.Errorf("%w: story %d is at page %d, not %d", interfaces.ErrPageConflict, storyID, current, priorPageNum)
	}

	if e.safety.ContainsProfanity(ctx, continuation) {
		return 0, interfaces.ErrContentRejected
	}

	prompt := interfaces.StoryPrompt{
		Title:        story.Title,
		Beginning:    StorySoFar(pages),
		Continuation: continuation,
		Biome:        story.Biome,
	}
	if priorPageNum == 0 {
		// A story whose first page never got written still has its opening.
		prompt.Beginning = story.BeginningPrompt
	}
	return e.writePage(ctx, storyID, priorPageNum+1, prompt)
}

// writePage runs both oracles and stores the result. The biome comes from
// the stored story, never from the prompt.
func (e *StoryEngine) writePage(ctx context.Context, storyID uint, pageNum int, prompt interfaces.StoryPrompt) (int, error) {
	generated, err := e.text.ContinueStory(ctx, prompt)
	if err != nil {
		return 0, err
	}
	imageURL, err := e.image.Illustrate(ctx, prompt)
	if err != nil {
		return 0, err
	}

	story, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return 0, err
	}

	page := models.StoryPage{
		StoryID:  storyID,
		PageNum:  pageNum,
		Text:     generated.TextContent,
		ImageURL: imageURL,
		Biome:    story.Biome,
	}
	if err := e.store.InsertPage(ctx, &page); err != nil {
		if errors.Is(err, interfaces.ErrPageConflict) {
			e.log.Info("lost page race", zap.Uint("story_id", storyID), zap.Int("page_num", pageNum))
		}
		return 0, err
	}

	e.log.Debug("page stored",
		zap.Uint("story_id", storyID),
		zap.Int("page_num", pageNum),
		zap.Int("text_len", len(page.Text)),
		zap.Bool("illustrated", page.ImageURL != ""),
	)
	if e.publisher != nil {
		e.publisher.PublishPage(page)
	}
	return pageNum, nil
}

// FinishStory returns every page in order. A story without pages yields an
// empty slice.
func (e *StoryEngine) FinishStory(ctx context.Context, storyID uint) (pages []models.StoryPage, err error) {
	defer observe("finish", time.Now(), &err)

	if _, err := e.store.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	pages, err = e.store.ListPages(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if pages == nil {
		pages = []models.StoryPage{}
	}
	return pages, nil
}

func (e *StoryEngine) GetStory(ctx context.Context, storyID uint) (*models.Story, error) {
	return e.store.GetStory(ctx, storyID)
}

func (e *StoryEngine) ListStories(ctx context.Context, limit, offset int) ([]models.StorySummary, error) {
	return e.store.ListStories(ctx, limit, offset)
}

func (e *StoryEngine) ListBiomes(ctx context.Context) ([]models.Biome, error) {
	return e.store.ListBiomes(ctx)
}

// StorySoFar joins page texts with single spaces. pages must already be in
// ascending page order.
func StorySoFar(pages []models.StoryPage) string {
	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.Text
	}
	return strings.Join(texts, " ")
}

func lastPageNum(pages []models.StoryPage) int {
	last := 0
	for _, p := range pages {
		if p.PageNum > last {
			last = p.PageNum
		}
	}
	return last
}

func observe(operation string, start time.Time, errp *error) {
	metrics.PipelineStepDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if *errp != nil {
		outcome = interfaces.ErrorCode(*errp)
	}
	metrics.PipelineStepsTotal.WithLabelValues(operation, outcome).Inc()
}

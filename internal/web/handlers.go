package web

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"biome-tales/internal/config"
	"biome-tales/internal/metrics"
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// RouterConfig carries everything NewRouter mounts.
type RouterConfig struct {
	Server  config.ServerConfig
	Images  config.ImagesConfig
	Stories StoryService
	Hub     *PageHub
	Probes  map[string]Probe
	Log     *zap.Logger
}

type Handlers struct {
	probes map[string]Probe
	log    *zap.Logger
}

func NewHandlers(probes map[string]Probe, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{probes: probes, log: log}
}

// HealthCheck runs every probe with a short deadline. Any failure turns the
// answer into a 503 that names the broken dependency.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.probes))
	healthy := true
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			h.log.Warn("health probe failed", zap.String("probe", name), zap.Error(err))
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{"status": "ok", "service": "biome-tales", "checks": checks}
	status := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// corsMiddleware allows the configured origins. "*" allows any.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || set[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", "300")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request and records it in the HTTP metrics under
// its route pattern, so ids in the path do not explode label cardinality.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func NewRouter(rc RouterConfig) *chi.Mux {
	log := rc.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.With(zap.String("component", "http"))))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(rc.Server.AllowedOrigins))

	handlers := NewHandlers(rc.Probes, log)
	stories := NewStoryHandlers(rc.Stories, rc.Hub, rc.Server.PipelineTimeout, log)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	// Locally rendered illustrations. Hosted providers return absolute URLs
	// and need no route.
	if base := strings.TrimRight(rc.Images.PublicBaseURL, "/"); strings.HasPrefix(base, "/") && rc.Images.Directory != "" {
		fs := http.StripPrefix(base+"/", http.FileServer(http.Dir(rc.Images.Directory)))
		r.Handle(base+"/*", imagesOnly(fs))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/biomes", stories.ListBiomes)

		r.Route("/stories", func(r chi.Router) {
			r.Post("/", stories.CreateStory)
			r.Get("/", stories.ListStories)

			r.Route("/{storyID}", func(r chi.Router) {
				r.Get("/", stories.GetStory)
				r.Post("/pages", stories.ContinuePage)
				r.Get("/finish", stories.FinishStory)
				r.Get("/events", stories.Events)
			})
		})
	})

	return r
}

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".webp": true, ".gif": true}

// imagesOnly hides everything in the image directory that is not an image,
// including the prompt sidecars and directory listings.
func imagesOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !imageExtensions[strings.ToLower(path.Ext(r.URL.Path))] {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

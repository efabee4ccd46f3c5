package generators

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"biome-tales/internal/metrics"
)

// storedImage is the sidecar written next to every illustration.
type storedImage struct {
	Key          string    `json:"key"`
	FileName     string    `json:"file_name"`
	Prompt       string    `json:"prompt"`
	ContentType  string    `json:"content_type"`
	FileSize     int64     `json:"file_size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ImageStore keeps rendered illustrations on disk and hands out public URLs
// for them. The index of prompt keys is what ttl and maxEntries bound: an
// expired or evicted key is forgotten, so the next identical prompt renders
// again, but its image file stays because stored pages link to it. Zero
// for either limit means no limit.
type ImageStore struct {
	entries    map[string]*storedImage
	directory  string
	baseURL    string
	maxEntries int
	ttl        time.Duration
	mu         sync.RWMutex
	stats      ImageStoreStats
}

// ImageStoreStats holds statistics about store usage
type ImageStoreStats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	TotalEntries int   `json:"total_entries"`
	TotalSize    int64 `json:"total_size"`
}

// NewImageStore creates a store rooted at directory whose files are served
// under baseURL.
func NewImageStore(directory, baseURL string, maxEntries int, ttl time.Duration) *ImageStore {
	return &ImageStore{
		entries:    make(map[string]*storedImage),
		directory:  directory,
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Directory is the folder the store writes to.
func (s *ImageStore) Directory() string {
	return s.directory
}

// Initialize loads existing entries from disk
func (s *ImageStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.directory, 0755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}

	files, err := os.ReadDir(s.directory)
	if err != nil {
		return fmt.Errorf("failed to read image directory: %w", err)
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".meta" {
			continue
		}

		metaPath := filepath.Join(s.directory, f.Name())
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}

		var entry storedImage
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Key == "" {
			continue
		}

		if s.expired(&entry) {
			s.removeSidecar(&entry)
			continue
		}

		s.entries[entry.Key] = &entry
		s.stats.TotalEntries++
		s.stats.TotalSize += entry.FileSize
	}

	metrics.ImageStoreEntries.Set(float64(len(s.entries)))
	return nil
}

// Lookup returns the URL of a live entry.
func (s *ImageStore) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		return "", false
	}
	if s.expired(entry) {
		s.forget(key)
		s.stats.Misses++
		return "", false
	}

	entry.LastAccessed = time.Now()
	s.stats.Hits++
	return s.urlFor(entry.FileName), true
}

// Save writes the image bytes and their sidecar, then returns the URL.
func (s *ImageStore) Save(ctx context.Context, key string, data []byte, prompt string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to store empty image")
	}

	contentType := http.DetectContentType(data)
	fileName := key + extensionFor(contentType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.directory, 0755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	filePath := filepath.Join(s.directory, fileName)
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}

	now := time.Now()
	entry := &storedImage{
		Key:          key,
		FileName:     fileName,
		Prompt:       prompt,
		ContentType:  contentType,
		FileSize:     int64(len(data)),
		CreatedAt:    now,
		LastAccessed: now,
	}

	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.directory, key+".meta"), meta, 0644); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	if old, ok := s.entries[key]; ok {
		s.stats.TotalEntries--
		s.stats.TotalSize -= old.FileSize
	}
	s.entries[key] = entry
	s.stats.TotalEntries++
	s.stats.TotalSize += entry.FileSize

	for s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		s.evictOldest(key)
	}

	metrics.ImageStoreEntries.Set(float64(len(s.entries)))
	return s.urlFor(fileName), nil
}

// CleanExpired forgets expired keys and returns how many were dropped.
func (s *ImageStore) CleanExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return 0
	}

	count := 0
	for key, entry := range s.entries {
		if s.expired(entry) {
			s.forget(key)
			count++
		}
	}

	metrics.ImageStoreEntries.Set(float64(len(s.entries)))
	return count
}

// RunJanitor cleans expired entries every interval until ctx is done.
func (s *ImageStore) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.ttl == 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanExpired(ctx)
		}
	}
}

// GetStats returns store statistics
func (s *ImageStore) GetStats() ImageStoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// evictOldest forgets the least recently used key other than keep.
func (s *ImageStore) evictOldest(keep string) {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range s.entries {
		if key == keep {
			continue
		}
		if oldestKey == "" || entry.LastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.LastAccessed
		}
	}

	if oldestKey == "" {
		return
	}
	s.forget(oldestKey)
}

// forget must be called with mu held. The image file is left in place.
func (s *ImageStore) forget(key string) {
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	s.removeSidecar(entry)
	delete(s.entries, key)
	s.stats.TotalEntries--
	s.stats.TotalSize -= entry.FileSize
}

func (s *ImageStore) removeSidecar(entry *storedImage) {
	_ = os.Remove(filepath.Join(s.directory, entry.Key+".meta"))
}

func (s *ImageStore) expired(entry *storedImage) bool {
	return s.ttl > 0 && time.Since(entry.CreatedAt) > s.ttl
}

func (s *ImageStore) urlFor(fileName string) string {
	return s.baseURL + "/" + fileName
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

const cacheNamespace = "letters"

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CacheService fronts the read cache for letter history and listings. It is
// best effort: failures are logged and never fail the caller's request.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// HistoryKey caches a letter's ordered audit entries.
func HistoryKey(letterID string) string {
	return fmt.Sprintf("%s:history:%s", cacheNamespace, letterID)
}

// ListingKey caches one page of a user's inbox or mine listing.
func ListingKey(kind, userID string, filter models.LetterFilter) string {
	statuses := make([]string, len(filter.Status))
	for i, status := range filter.Status {
		statuses[i] = string(status)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%d:%d", cacheNamespace, kind, userID, strings.Join(statuses, ","), filter.Limit, filter.Offset)
}

func listingPattern(kind, userID string) string {
	return fmt.Sprintf("%s:%s:%s:*", cacheNamespace, kind, userID)
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get attempts to retrieve a cached entry. It returns true when the cache was hit.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) bool {
	if !s.Enabled() {
		return false
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	s.metrics.RecordCacheOperation(err == nil, time.Since(start))
	if err != nil && !errors.Is(err, appErrors.ErrCacheMiss) {
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	}
	return err == nil
}

// Set stores the value in cache.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}) {
	if !s.Enabled() {
		return
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, s.defaultTTL)
	s.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateLetter drops every cached view a transition can change: the
// letter's history, the creator's listings and the inboxes of the previous
// and next assignee.
func (s *CacheService) InvalidateLetter(ctx context.Context, letter *models.Letter, previousAssignee *string) {
	if !s.Enabled() || letter == nil {
		return
	}
	if err := s.repo.Delete(ctx, HistoryKey(letter.ID)); err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("letter_id", letter.ID), zap.Error(err))
	}
	patterns := []string{listingPattern("mine", letter.CreatedByID)}
	seen := map[string]struct{}{}
	for _, assignee := range []*string{previousAssignee, letter.CurrentAssigneeID} {
		if assignee == nil || *assignee == "" {
			continue
		}
		if _, ok := seen[*assignee]; ok {
			continue
		}
		seen[*assignee] = struct{}{}
		patterns = append(patterns, listingPattern("inbox", *assignee))
	}
	for _, pattern := range patterns {
		if err := s.repo.DeleteByPattern(ctx, pattern); err != nil {
			s.logger.Warn("cache invalidate failed", zap.String("pattern", pattern), zap.Error(err))
		}
	}
}

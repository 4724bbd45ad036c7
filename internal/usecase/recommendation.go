package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/logging"
	"github.com/example/emotune/internal/music"
)

// ErrCatalogUnavailable is returned when no catalog client is configured.
var ErrCatalogUnavailable = errors.New("music catalog not available")

const trackLimit = 10

// Recommendation lists tracks for the genre mapped from an emotion.
type Recommendation struct {
	Emotion string        `json:"emotion"`
	Genre   string        `json:"genre"`
	Market  string        `json:"market"`
	Tracks  []music.Track `json:"tracks"`
}

// RecommendationUseCase turns an emotion into catalog tracks.
type RecommendationUseCase struct {
	catalog music.Catalog
	cache   *retryingCache
	ttl     time.Duration
	logger  *zap.Logger
}

// NewRecommendationUseCase builds the use case. catalog may be nil, in which
// case every lookup fails with ErrCatalogUnavailable.
func NewRecommendationUseCase(catalog music.Catalog, cache Cache, ttl time.Duration, logger *zap.Logger) *RecommendationUseCase {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	named := logger.Named("recommendation_usecase")
	return &RecommendationUseCase{
		catalog: catalog,
		cache:   newRetryingCache(cache, named),
		ttl:     ttl,
		logger:  named,
	}
}

// Available reports whether a catalog client is configured.
func (uc *RecommendationUseCase) Available() bool {
	return uc.catalog != nil
}

// Recommend maps emotionName to a genre and searches tracks in language.
func (uc *RecommendationUseCase) Recommend(ctx context.Context, emotionName, language string) (*Recommendation, error) {
	genre := music.GenreFor(emotionName)
	locale := music.LocaleFor(language)
	rec := &Recommendation{Emotion: emotionName, Genre: genre, Market: locale.Market}

	if uc.catalog == nil {
		return nil, ErrCatalogUnavailable
	}

	key := fmt.Sprintf("recommendations:%s:%s:%s", genre, locale.Market, locale.Language)
	if cached, err := uc.cache.get(ctx, "", "cache.get.recommendations", key); err == nil {
		var tracks []music.Track
		if err := json.Unmarshal([]byte(cached), &tracks); err == nil {
			rec.Tracks = tracks
			return rec, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		uc.logger.Warn("failed to read cache", zap.Error(err))
	}

	tracks, err := uc.catalog.SearchTracks(ctx, music.Query(genre, locale), locale.Market, trackLimit)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.search_tracks", "", err)
		uc.logger.Warn("catalog search failed", zap.String("genre", genre), zap.Error(wrapped))
		return nil, wrapped
	}
	rec.Tracks = tracks

	if serialized, err := json.Marshal(tracks); err == nil {
		if err := uc.cache.set(ctx, "", "cache.set.recommendations", key, string(serialized), uc.ttl); err != nil {
			uc.logger.Warn("failed to cache recommendations", zap.Error(err))
		}
	}
	return rec, nil
}

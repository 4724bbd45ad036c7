package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/classifier"
	"github.com/example/emotune/internal/emotion"
	"github.com/example/emotune/internal/events"
	"github.com/example/emotune/internal/imageprocessor"
	"github.com/example/emotune/internal/logging"
	"github.com/example/emotune/internal/repository"
)

// PredictionRepository defines the persistence operations needed by detection.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*repository.PredictionLog, error)
	CountByEmotion(ctx context.Context) ([]repository.EmotionCount, error)
}

// Detection is the outcome of one emotion detection request.
type Detection struct {
	RequestID    string              `json:"request_id"`
	UserID       string              `json:"user_id,omitempty"`
	Prediction   *emotion.Prediction `json:"prediction"`
	ModelVersion string              `json:"model_version"`
	Hash         string              `json:"sha1_hash"`
	Source       string              `json:"source"`
	CreatedAt    time.Time           `json:"created_at"`
}

// EmotionUseCase runs the preprocess -> classify -> decide pipeline and keeps
// its results. It is built once at startup and shared by all requests.
type EmotionUseCase struct {
	classifier classifier.Classifier
	repo       PredictionRepository
	cache      *retryingCache
	events     events.Publisher
	logger     *zap.Logger
	resultTTL  time.Duration
	now        func() time.Time
}

// NewEmotionUseCase constructs the detection use case.
func NewEmotionUseCase(c classifier.Classifier, repo PredictionRepository, cache Cache, resultTTL time.Duration, logger *zap.Logger) *EmotionUseCase {
	if resultTTL <= 0 {
		resultTTL = 10 * time.Minute
	}
	named := logger.Named("emotion_usecase")
	return &EmotionUseCase{
		classifier: c,
		repo:       repo,
		cache:      newRetryingCache(cache, named),
		events:     events.Noop{},
		logger:     named,
		resultTTL:  resultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sends every new detection to p.
func (uc *EmotionUseCase) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Noop{}
	}
	uc.events = p
}

// ModelReady reports whether the classifier artifact is loaded.
func (uc *EmotionUseCase) ModelReady() bool {
	return uc.classifier.Ready()
}

// ModelVersion is the loaded artifact version, empty when degraded.
func (uc *EmotionUseCase) ModelVersion() string {
	return uc.classifier.Version()
}

func resultKey(requestID string) string {
	return fmt.Sprintf("prediction:%s", requestID)
}

func hashKey(version, hash string) string {
	return fmt.Sprintf("prediction:hash:%s:%s", version, hash)
}

// DetectEmotion classifies one image. Decode failures wrap
// imageprocessor.ErrDecode; a missing model wraps classifier.ErrModelUnavailable.
func (uc *EmotionUseCase) DetectEmotion(ctx context.Context, userID string, input imageprocessor.Input) (*Detection, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.detect_emotion", requestID)

	data, err := input.Bytes()
	if err != nil {
		return nil, logging.NewOperationError("usecase.read_input", requestID, err)
	}

	tensor, format, err := imageprocessor.Preprocess(data)
	if err != nil {
		opLogger.Info("rejected undecodable image", zap.Error(err), zap.Int("bytes", len(data)))
		return nil, logging.NewOperationError("usecase.preprocess", requestID, err)
	}

	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])
	version := uc.classifier.Version()

	var pred *emotion.Prediction
	if uc.classifier.Ready() {
		pred = uc.lookupByHash(ctx, requestID, version, hash)
	}
	if pred == nil {
		probs, err := uc.classifier.Classify(ctx, tensor)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.classify", requestID, err)
			if errors.Is(err, classifier.ErrModelUnavailable) {
				opLogger.Warn("inference rejected, model unavailable", zap.Error(err))
			} else {
				opLogger.Error("inference failed", zap.Error(wrapped))
			}
			return nil, wrapped
		}
		pred, err = emotion.Decide(uc.classifier.Labels(), probs)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.decide", requestID, err)
			opLogger.Error("classifier returned an unusable vector", zap.Error(wrapped))
			return nil, wrapped
		}
	}

	detection := &Detection{
		RequestID:    requestID,
		UserID:       userID,
		Prediction:   pred,
		ModelVersion: version,
		Hash:         hash,
		Source:       input.Source(),
		CreatedAt:    uc.now(),
	}
	opLogger.Info("emotion detected",
		zap.String("emotion", string(pred.Label)),
		zap.Float32("confidence", pred.Confidence),
		zap.String("format", format),
		zap.String("source", detection.Source))

	uc.persist(ctx, opLogger, detection)
	if err := uc.events.Publish(ctx, events.Detection{
		RequestID:    detection.RequestID,
		UserID:       detection.UserID,
		Emotion:      string(pred.Label),
		Confidence:   pred.Confidence,
		ModelVersion: detection.ModelVersion,
		Source:       detection.Source,
		CreatedAt:    detection.CreatedAt,
	}); err != nil {
		opLogger.Warn("failed to publish detection event", zap.Error(err))
	}
	return detection, nil
}

func (uc *EmotionUseCase) lookupByHash(ctx context.Context, requestID, version, hash string) *emotion.Prediction {
	cached, err := uc.cache.get(ctx, requestID, "cache.get.hash", hashKey(version, hash))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.detect_emotion", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil
	}
	var pred emotion.Prediction
	if err := json.Unmarshal([]byte(cached), &pred); err != nil {
		logging.WithOperation(uc.logger, "usecase.detect_emotion", requestID).Warn("failed to decode cached prediction", zap.Error(err))
		return nil
	}
	return &pred
}

// persist stores the detection. Storage failures are logged; the caller
// still gets its prediction.
func (uc *EmotionUseCase) persist(ctx context.Context, opLogger *zap.Logger, d *Detection) {
	probs, err := json.Marshal(d.Prediction.Probabilities)
	if err != nil {
		opLogger.Error("failed to serialize probabilities", zap.Error(err))
		return
	}
	log := &repository.PredictionLog{
		RequestID:     d.RequestID,
		UserID:        d.UserID,
		Emotion:       string(d.Prediction.Label),
		Confidence:    d.Prediction.Confidence,
		Probabilities: string(probs),
		SHA1Hash:      d.Hash,
		ModelVersion:  d.ModelVersion,
		Source:        d.Source,
		CreatedAt:     d.CreatedAt,
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Error("failed to persist prediction log", zap.Error(err))
	}

	serialized, err := json.Marshal(d)
	if err != nil {
		opLogger.Error("failed to serialize detection", zap.Error(err))
		return
	}
	if err := uc.cache.set(ctx, d.RequestID, "cache.set.result", resultKey(d.RequestID), string(serialized), uc.resultTTL); err != nil {
		opLogger.Warn("failed to cache detection", zap.Error(err))
	}

	predJSON, err := json.Marshal(d.Prediction)
	if err != nil {
		return
	}
	if err := uc.cache.set(ctx, d.RequestID, "cache.set.hash", hashKey(d.ModelVersion, d.Hash), string(predJSON), uc.resultTTL); err != nil {
		opLogger.Warn("failed to cache prediction by hash", zap.Error(err))
	}
}

// GetResult retrieves a detection from the cache or, on a miss, from the
// repository.
func (uc *EmotionUseCase) GetResult(ctx context.Context, requestID string) (*Detection, error) {
	if cached, err := uc.cache.get(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		var d Detection
		if err := json.Unmarshal([]byte(cached), &d); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &d, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return detectionFromLog(log)
}

// History lists the caller's most recent detections.
func (uc *EmotionUseCase) History(ctx context.Context, userID string, limit int) ([]*Detection, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	logs, err := uc.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, logging.NewOperationError("usecase.history", "", err)
	}
	detections := make([]*Detection, 0, len(logs))
	for _, log := range logs {
		d, err := detectionFromLog(log)
		if err != nil {
			uc.logger.Warn("skipping unreadable prediction log", zap.String("request_id", log.RequestID), zap.Error(err))
			continue
		}
		detections = append(detections, d)
	}
	return detections, nil
}

func detectionFromLog(log *repository.PredictionLog) (*Detection, error) {
	label, err := emotion.Parse(log.Emotion)
	if err != nil {
		return nil, err
	}
	probs := map[emotion.Label]float32{}
	if log.Probabilities != "" {
		if err := json.Unmarshal([]byte(log.Probabilities), &probs); err != nil {
			return nil, err
		}
	}
	return &Detection{
		RequestID: log.RequestID,
		UserID:    log.UserID,
		Prediction: &emotion.Prediction{
			Label:         label,
			Confidence:    log.Confidence,
			Probabilities: probs,
		},
		ModelVersion: log.ModelVersion,
		Hash:         log.SHA1Hash,
		Source:       log.Source,
		CreatedAt:    log.CreatedAt,
	}, nil
}

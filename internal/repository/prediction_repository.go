package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// PredictionLog represents a persisted emotion detection.
type PredictionLog struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID        string    `gorm:"column:user_id;index;size:64"`
	Emotion       string    `gorm:"column:emotion;index;size:16"`
	Confidence    float32   `gorm:"column:confidence"`
	Probabilities string    `gorm:"column:probabilities;type:text"`
	SHA1Hash      string    `gorm:"column:sha1_hash;index;size:40"`
	ModelVersion  string    `gorm:"column:model_version;size:64"`
	Source        string    `gorm:"column:source;size:16"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// EmotionCount is one row of the per-emotion aggregation.
type EmotionCount struct {
	Emotion           string  `gorm:"column:emotion"`
	Count             int64   `gorm:"column:count"`
	AverageConfidence float64 `gorm:"column:average_confidence"`
}

// PredictionRepository provides persistence APIs for prediction logs.
type PredictionRepository struct {
	db *gorm.DB
	retrier
}

func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:      db,
		retrier: newRetrier(logger.Named("prediction_repository")),
	}
}

// SaveLog persists a prediction log entry.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_prediction", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_prediction", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// ListByUser returns the most recent predictions of a user.
func (r *PredictionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*PredictionLog, error) {
	var logs []*PredictionLog
	err := r.executeWithRetry(ctx, "repository.list_predictions", "", func() error {
		logs = nil
		return r.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Order("id DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// CountByEmotion aggregates predictions per emotion.
func (r *PredictionRepository) CountByEmotion(ctx context.Context) ([]EmotionCount, error) {
	var rows []EmotionCount
	err := r.executeWithRetry(ctx, "repository.count_by_emotion", "", func() error {
		rows = nil
		return r.db.WithContext(ctx).
			Model(&PredictionLog{}).
			Select("emotion, COUNT(*) AS count, AVG(confidence) AS average_confidence").
			Group("emotion").
			Order("emotion").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

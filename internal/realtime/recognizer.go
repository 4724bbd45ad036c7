package realtime

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/classifier"
	"github.com/example/emotune/internal/emotion"
	"github.com/example/emotune/internal/events"
	"github.com/example/emotune/internal/imageprocessor"
)

// Source tags events produced from the camera loop.
const Source = "webcam"

// Recognizer classifies face crops from a video feed. It publishes an event
// only when the label for a face slot changes, so a steady expression does
// not flood the broker at frame rate.
type Recognizer struct {
	classifier classifier.Classifier
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time

	mu   sync.Mutex
	last map[int]emotion.Label
}

func NewRecognizer(c classifier.Classifier, publisher events.Publisher, logger *zap.Logger) *Recognizer {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Recognizer{
		classifier: c,
		publisher:  publisher,
		logger:     logger.Named("realtime"),
		now:        func() time.Time { return time.Now().UTC() },
		last:       map[int]emotion.Label{},
	}
}

// Recognize classifies the face crop seen in slot (the face's index in the
// current frame). The label order comes from the loaded artifact.
func (r *Recognizer) Recognize(ctx context.Context, slot int, face image.Image) (*emotion.Prediction, error) {
	probs, err := r.classifier.Classify(ctx, imageprocessor.FromImage(face))
	if err != nil {
		return nil, err
	}
	pred, err := emotion.Decide(r.classifier.Labels(), probs)
	if err != nil {
		return nil, err
	}

	if r.changed(slot, pred.Label) {
		event := events.Detection{
			RequestID:    uuid.NewString(),
			Emotion:      string(pred.Label),
			Confidence:   pred.Confidence,
			ModelVersion: r.classifier.Version(),
			Source:       Source,
			CreatedAt:    r.now(),
		}
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Warn("failed to publish detection event", zap.Int("slot", slot), zap.Error(err))
		}
	}
	return pred, nil
}

// Forget drops slots at or beyond n, called when fewer faces are in frame.
func (r *Recognizer) Forget(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for slot := range r.last {
		if slot >= n {
			delete(r.last, slot)
		}
	}
}

func (r *Recognizer) changed(slot int, label emotion.Label) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.last[slot]; ok && prev == label {
		return false
	}
	r.last[slot] = label
	return true
}

package emotion

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Label is one of the closed set of emotions the classifier can emit.
type Label string

const (
	Angry    Label = "Angry"
	Disgust  Label = "Disgust"
	Fear     Label = "Fear"
	Happy    Label = "Happy"
	Neutral  Label = "Neutral"
	Sad      Label = "Sad"
	Surprise Label = "Surprise"
)

// CanonicalOrder is the 0-based class order produced by directory-based class
// discovery at training time. Artifacts without their own label list use it.
var CanonicalOrder = []Label{Angry, Disgust, Fear, Happy, Neutral, Sad, Surprise}

// sumTolerance bounds how far a probability vector may drift from 1.
const sumTolerance = 1e-3

var aliases = map[string]Label{
	"angry":    Angry,
	"anger":    Angry,
	"disgust":  Disgust,
	"fear":     Fear,
	"happy":    Happy,
	"neutral":  Neutral,
	"sad":      Sad,
	"surprise": Surprise,
	"suprise":  Surprise,
}

var (
	ErrUnknownLabel      = errors.New("unknown emotion label")
	ErrInvalidLabelOrder = errors.New("invalid label order")
	ErrInvalidVector     = errors.New("invalid probability vector")
)

// Parse resolves a label name case-insensitively, accepting the spellings used
// by the training dataset folders.
func Parse(name string) (Label, error) {
	if l, ok := aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLabel, name)
}

// ParseOrder converts a serialized label list into labels and checks that it
// is a permutation of the closed set.
func ParseOrder(names []string) ([]Label, error) {
	if len(names) != len(CanonicalOrder) {
		return nil, fmt.Errorf("%w: expected %d labels, got %d", ErrInvalidLabelOrder, len(CanonicalOrder), len(names))
	}
	seen := make(map[Label]bool, len(names))
	labels := make([]Label, 0, len(names))
	for _, name := range names {
		l, err := Parse(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLabelOrder, err)
		}
		if seen[l] {
			return nil, fmt.Errorf("%w: duplicate label %s", ErrInvalidLabelOrder, l)
		}
		seen[l] = true
		labels = append(labels, l)
	}
	return labels, nil
}

// Prediction is the decided label for one inference.
type Prediction struct {
	Label         Label             `json:"emotion"`
	Confidence    float32           `json:"confidence"`
	Probabilities map[Label]float32 `json:"probabilities"`
}

// ArgMax returns the index of the largest value. Ties go to the lowest index.
func ArgMax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

// Decide applies the arg-max rule to a probability vector aligned with labels.
func Decide(labels []Label, probs []float32) (*Prediction, error) {
	if len(probs) == 0 || len(probs) != len(labels) {
		return nil, fmt.Errorf("%w: %d values for %d labels", ErrInvalidVector, len(probs), len(labels))
	}

	var sum float64
	byLabel := make(map[Label]float32, len(labels))
	for i, p := range probs {
		if math.IsNaN(float64(p)) || p < 0 || p > 1 {
			return nil, fmt.Errorf("%w: value %v at index %d", ErrInvalidVector, p, i)
		}
		sum += float64(p)
		byLabel[labels[i]] = p
	}
	if math.Abs(sum-1) > sumTolerance {
		return nil, fmt.Errorf("%w: sums to %.4f", ErrInvalidVector, sum)
	}

	idx := ArgMax(probs)
	return &Prediction{
		Label:         labels[idx],
		Confidence:    probs[idx],
		Probabilities: byLabel,
	}, nil
}

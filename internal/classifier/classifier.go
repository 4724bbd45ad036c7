package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/example/emotune/internal/emotion"
	"github.com/example/emotune/internal/imageprocessor"
)

// ErrModelUnavailable is returned for every inference while the artifact is
// missing, corrupt, or inconsistent with its metadata.
var ErrModelUnavailable = errors.New("model unavailable")

// Classifier maps a canonical image tensor to a probability vector aligned
// with Labels().
type Classifier interface {
	Classify(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error)
	Labels() []emotion.Label
	Version() string
	Ready() bool
}

// Metadata is the JSON document stored next to the model weights. Classes is
// the label order the network was trained with.
type Metadata struct {
	Version     string   `json:"version"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

// LoadMetadata reads and validates the artifact metadata.
func LoadMetadata(path string) (*Metadata, []emotion.Label, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	labels := emotion.CanonicalOrder
	if len(meta.Classes) > 0 {
		labels, err = emotion.ParseOrder(meta.Classes)
		if err != nil {
			return nil, nil, err
		}
	}

	if meta.ImageSize != 0 && meta.ImageSize != imageprocessor.Size {
		return nil, nil, fmt.Errorf("unsupported image size %d, expected %d", meta.ImageSize, imageprocessor.Size)
	}
	if len(meta.InputShape) == 0 {
		meta.InputShape = []int64{1, imageprocessor.Size, imageprocessor.Size, 1}
	}
	if n := elements(meta.InputShape); n != imageprocessor.Size*imageprocessor.Size {
		return nil, nil, fmt.Errorf("input shape %v holds %d values, expected %d", meta.InputShape, n, imageprocessor.Size*imageprocessor.Size)
	}
	if len(meta.OutputShape) == 0 {
		meta.OutputShape = []int64{1, int64(len(labels))}
	}
	if n := elements(meta.OutputShape); n != int64(len(labels)) {
		return nil, nil, fmt.Errorf("output shape %v holds %d values for %d classes", meta.OutputShape, n, len(labels))
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}
	return &meta, labels, nil
}

// ResolveVersion fills an empty meta.Version with a digest of the model file,
// so replacing an unversioned artifact never reuses cached predictions.
func ResolveVersion(meta *Metadata, modelPath string) error {
	if meta.Version != "" {
		return nil
	}
	f, err := os.Open(modelPath)
	if err != nil {
		return fmt.Errorf("failed to read model: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash model: %w", err)
	}
	meta.Version = "sha256:" + hex.EncodeToString(h.Sum(nil))[:16]
	return nil
}

func elements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Unavailable is the degraded classifier used when loading fails.
type Unavailable struct {
	Reason error
}

func (u *Unavailable) Classify(context.Context, *imageprocessor.Tensor) ([]float32, error) {
	if u.Reason == nil {
		return nil, ErrModelUnavailable
	}
	return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, u.Reason)
}

func (u *Unavailable) Labels() []emotion.Label { return emotion.CanonicalOrder }

func (u *Unavailable) Version() string { return "" }

func (u *Unavailable) Ready() bool { return false }

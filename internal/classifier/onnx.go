package classifier

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/emotion"
	"github.com/example/emotune/internal/imageprocessor"
)

// ONNX runs the exported network through onnxruntime. The session is bound to
// one pair of tensors, so runs are serialized.
type ONNX struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	metadata     *Metadata
	labels       []emotion.Label
}

// Options locate the artifact on disk.
type Options struct {
	ModelPath    string
	MetadataPath string
	LibraryPath  string
}

// Load opens the artifact. Any failure yields an *Unavailable classifier and
// the cause, so callers can keep serving in degraded mode.
func Load(opts Options, logger *zap.Logger) (Classifier, error) {
	c, err := NewONNX(opts)
	if err != nil {
		logger.Warn("classifier unavailable, serving in degraded mode",
			zap.String("model_path", opts.ModelPath),
			zap.Error(err))
		return &Unavailable{Reason: err}, err
	}
	logger.Info("classifier loaded",
		zap.String("model_path", opts.ModelPath),
		zap.String("version", c.Version()),
		zap.Any("labels", c.Labels()))
	return c, nil
}

// NewONNX creates the onnxruntime session for the model at opts.ModelPath.
func NewONNX(opts Options) (*ONNX, error) {
	metadata, labels, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}
	if err := ResolveVersion(metadata, opts.ModelPath); err != nil {
		return nil, err
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNX{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		metadata:     metadata,
		labels:       labels,
	}, nil
}

// Classify runs one forward pass.
func (c *ONNX) Classify(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, fmt.Errorf("%w: session closed", ErrModelUnavailable)
	}

	input := c.inputTensor.GetData()
	if len(tensor.Data) != len(input) {
		return nil, fmt.Errorf("tensor holds %d values, model expects %d", len(tensor.Data), len(input))
	}
	copy(input, tensor.Data)

	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	output := c.outputTensor.GetData()
	if len(output) != len(c.labels) {
		return nil, fmt.Errorf("%w: model produced %d outputs for %d labels", ErrModelUnavailable, len(output), len(c.labels))
	}
	probs := make([]float32, len(output))
	copy(probs, output)
	return probs, nil
}

func (c *ONNX) Labels() []emotion.Label { return c.labels }

func (c *ONNX) Version() string { return c.metadata.Version }

func (c *ONNX) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Close releases the session and its tensors.
func (c *ONNX) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputTensor != nil {
		c.inputTensor.Destroy()
		c.inputTensor = nil
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
		c.outputTensor = nil
	}
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
}

// Shutdown tears down the shared onnxruntime environment.
func Shutdown() {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

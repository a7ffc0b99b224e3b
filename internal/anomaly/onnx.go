package anomaly

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ONNXModel runs the exported autoencoder through OpenCV's DNN module.
// gocv.Net is not safe for concurrent use, so Forward is serialised.
type ONNXModel struct {
	net    gocv.Net
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// LoadONNX reads the model file once. backend and target take the names
// accepted by gocv.ParseNetBackend / gocv.ParseNetTarget ("default", "cuda",
// "cpu", ...).
func LoadONNX(path, backend, target string, logger *zap.Logger) (*ONNXModel, error) {
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load ONNX model from %s", path)
	}

	if err := net.SetPreferableBackend(gocv.ParseNetBackend(backend)); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set DNN backend %q: %w", backend, err)
	}
	if err := net.SetPreferableTarget(gocv.ParseNetTarget(target)); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set DNN target %q: %w", target, err)
	}

	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("onnx-model")
	logger.Info("Loaded anomaly model",
		zap.String("path", path),
		zap.String("backend", backend),
		zap.String("target", target))

	return &ONNXModel{net: net, path: path, logger: logger}, nil
}

// Reconstruct feeds input as a shape-sized CV_32F blob and copies the
// network output out.
func (m *ONNXModel) Reconstruct(input []float32, shape Shape) ([]float32, error) {
	if len(input) != shape.Elements() {
		return nil, fmt.Errorf("%w: got %d values for shape %v", ErrShape, len(input), shape.Dims())
	}

	raw := float32Bytes(input)
	blob, err := gocv.NewMatWithSizesFromBytes(shape.Dims(), gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build input blob: %w", err)
	}
	defer blob.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()
	// the blob references raw without copying
	runtime.KeepAlive(raw)

	if out.Empty() {
		return nil, fmt.Errorf("model %s produced an empty output", m.path)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read model output: %w", err)
	}
	if len(data) != len(input) {
		return nil, fmt.Errorf("%w: model returned %d values, expected %d", ErrShape, len(data), len(input))
	}

	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}

func float32Bytes(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

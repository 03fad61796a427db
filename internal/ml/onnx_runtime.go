package ml

import (
	"sync"

	onnxruntime "github.com/yalue/onnxruntime_go"

	"tickerpulse/pkg/errors"
)

var initOnce sync.Once
var initErr error

// initEnvironment loads the shared library once per process
func initEnvironment(libPath string) error {
	initOnce.Do(func() {
		if libPath != "" {
			onnxruntime.SetSharedLibraryPath(libPath)
		}
		if !onnxruntime.IsInitialized() {
			initErr = onnxruntime.InitializeEnvironment()
		}
	})
	return initErr
}

// ONNXModel wraps an ONNX Runtime session for a fixed-width text classifier.
// Input "input" is a float32 feature vector of shape [1, features]; output
// "probabilities" is float32 of shape [1, len(classes)].
type ONNXModel struct {
	mu       sync.Mutex
	session  *onnxruntime.DynamicAdvancedSession
	features int
	classes  []string
}

// LoadONNXModel loads a classifier from file
func LoadONNXModel(modelPath, libPath string, features int, classes []string) (*ONNXModel, error) {
	if features <= 0 || len(classes) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "onnx model needs features and classes")
	}
	if err := initEnvironment(libPath); err != nil {
		return nil, errors.Wrap(err, "failed to initialize ONNX runtime")
	}

	options, err := onnxruntime.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()

	session, err := onnxruntime.NewDynamicAdvancedSession(modelPath,
		[]string{"input"}, []string{"probabilities"}, options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load ONNX model")
	}

	return &ONNXModel{
		session:  session,
		features: features,
		classes:  append([]string(nil), classes...),
	}, nil
}

// Features is the input width the model expects
func (m *ONNXModel) Features() int {
	return m.features
}

// Predict runs inference and returns the probability of each class
func (m *ONNXModel) Predict(features []float32) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, errors.New("model session is nil")
	}
	if len(features) != m.features {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "expected %d features, got %d", m.features, len(features))
	}

	inputTensor, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, int64(m.features)), features)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	defer inputTensor.Destroy()

	probs := make([]float32, len(m.classes))
	probTensor, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, int64(len(m.classes))), probs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create probabilities tensor")
	}
	defer probTensor.Destroy()

	if err := m.session.Run([]onnxruntime.Value{inputTensor}, []onnxruntime.Value{probTensor}); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	out := make(map[string]float64, len(m.classes))
	for i, name := range m.classes {
		out[name] = float64(probTensor.GetData()[i])
	}
	return out, nil
}

// Destroy cleans up the ONNX session
func (m *ONNXModel) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}

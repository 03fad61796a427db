package stancemodel

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/ml"
	"tickerpulse/pkg/errors"
)

// ONNXVersion identifies the local classifier in stored stance rows
const ONNXVersion = "onnx-bow-v1"

var onnxClasses = []string{"positive", "negative", "neutral"}

// classifier is the part of ml.ONNXModel the stance model needs
type classifier interface {
	Features() int
	Predict(features []float32) (map[string]float64, error)
}

// ONNX scores stance with a local classifier over hashed bag-of-words features
type ONNX struct {
	model classifier
}

// NewONNX loads the classifier from disk
func NewONNX(modelPath, libPath string, features int) (*ONNX, error) {
	model, err := ml.LoadONNXModel(modelPath, libPath, features, onnxClasses)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrModelUnavailable, "onnx stance model: %v", err)
	}
	return &ONNX{model: model}, nil
}

func (o *ONNX) Version() string { return ONNXVersion }

func (o *ONNX) Predict(_ context.Context, contextText string) (sentiment.Probabilities, *sentiment.Usage, error) {
	out, err := o.model.Predict(HashFeatures(contextText, o.model.Features()))
	if err != nil {
		return sentiment.Probabilities{}, nil, errors.Wrap(err, "onnx predict")
	}

	var p sentiment.Probabilities
	for label, score := range out {
		switch {
		case strings.Contains(label, "pos"):
			p.Bullish = score
		case strings.Contains(label, "neg"):
			p.Bearish = score
		case strings.Contains(label, "neu"):
			p.Neutral = score
		}
	}
	return normalize(p), nil, nil
}

// Close releases the runtime session
func (o *ONNX) Close() {
	if m, ok := o.model.(*ml.ONNXModel); ok {
		m.Destroy()
	}
}

// HashFeatures maps lowercased word counts into n buckets and L2-normalizes them
func HashFeatures(text string, n int) []float32 {
	vec := make([]float32, n)
	if n <= 0 {
		return vec
	}
	for _, tok := range wordRe.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(n)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// normalize rescales to a distribution; an all-zero output becomes uniform-ish
func normalize(p sentiment.Probabilities) sentiment.Probabilities {
	total := p.Bullish + p.Bearish + p.Neutral
	if total <= 0 {
		return unclearProbabilities
	}
	return sentiment.Probabilities{
		Bullish: p.Bullish / total,
		Bearish: p.Bearish / total,
		Neutral: p.Neutral / total,
	}
}

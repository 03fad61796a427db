package sentiment

import "context"

// StanceModel turns a bounded context string into stance probabilities.
// Usage is nil for models that do not meter tokens.
type StanceModel interface {
	Version() string
	Predict(ctx context.Context, contextText string) (Probabilities, *Usage, error)
}

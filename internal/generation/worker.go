// Package generation adapts the external generation service that performs
// the billable work.
package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"metered_gateway/internal/models"
)

// Worker runs one feature execution. It may be slow and may fail; callers
// bound it with a context deadline.
type Worker interface {
	Generate(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error)

func (f WorkerFunc) Generate(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, feature, payload)
}

// EchoWorker returns the request wrapped in a result envelope. It backs
// local runs without a generation service.
type EchoWorker struct{}

func NewEchoWorker() *EchoWorker {
	return &EchoWorker{}
}

func (w *EchoWorker) Generate(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := json.Marshal(struct {
		Feature models.FeatureID `json:"feature"`
		Echo    json.RawMessage  `json:"echo"`
	}{Feature: feature, Echo: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal echo result: %w", err)
	}
	return out, nil
}

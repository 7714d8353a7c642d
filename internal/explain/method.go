package explain

import (
	"context"

	"github.com/pedro-meseguer/xai-business/internal/store"
)

const MethodStub = "stub"

// Method produces the evidence document for one decision event.
type Method func(ctx context.Context, event store.DecisionEvent) (map[string]any, error)

// Stub is deterministic and ignores its input.
func Stub(context.Context, store.DecisionEvent) (map[string]any, error) {
	return map[string]any{
		"type": MethodStub,
		"main_factors": []any{
			map[string]any{"feature": "income", "direction": "positive", "importance": 0.3},
			map[string]any{"feature": "late_payments_12m", "direction": "negative", "importance": 0.6},
		},
	}, nil
}

package adapter

import (
	"context"
	"time"
)

// Simulation constants. The synthetic metadata mirrors what a small real
// adapter call would report so downstream aggregation has data to chew on.
const (
	simulateDelay  = 250 * time.Millisecond
	simulateTokens = 100
	simulateCost   = 0.001
)

// Simulate executes a step for which no adapter is registered. This is an
// explicit, visible fallback selected by the worker when the registry has
// no binding for the action. It is never used to paper over a crashed
// adapter.
//
// The output carries the action and the params it received so operators
// can see exactly what would have run; metadata marks the result as
// simulated.
func Simulate(ctx context.Context, action string, params map[string]any) (map[string]any, map[string]any, error) {
	select {
	case <-time.After(simulateDelay):
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	output := map[string]any{
		"result": "simulated",
		"action": action,
		"params": params,
	}
	metadata := map[string]any{
		"simulated": true,
		"tokens":    simulateTokens,
		"cost":      simulateCost,
	}
	return output, metadata, nil
}

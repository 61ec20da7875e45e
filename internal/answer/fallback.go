package answer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var errMisconfigured = errors.New("fallback engine misconfigured")

// FallbackEngine attempts a primary engine first and falls back on error.
// Deltas from a failed primary are not forwarded once fallback starts.
type FallbackEngine struct {
	primary  Engine
	fallback Engine
}

func NewFallbackEngine(primary, fallback Engine) *FallbackEngine {
	return &FallbackEngine{primary: primary, fallback: fallback}
}

func (e *FallbackEngine) Respond(ctx context.Context, req Request, onDelta DeltaHandler) (Answer, error) {
	if e == nil || e.primary == nil {
		if e != nil && e.fallback != nil {
			return e.fallback.Respond(ctx, req, onDelta)
		}
		return Answer{}, errMisconfigured
	}

	var forwarded atomic.Bool
	resp, err := e.primary.Respond(ctx, req, func(delta string) error {
		forwarded.Store(true)
		return emit(onDelta, delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Answer{}, err
	}
	// Deltas already reached the caller.
	if e.fallback == nil || forwarded.Load() {
		return Answer{}, err
	}

	fallbackResp, fallbackErr := e.fallback.Respond(ctx, req, onDelta)
	if fallbackErr != nil {
		return Answer{}, fmt.Errorf("primary engine error: %w; fallback engine error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}

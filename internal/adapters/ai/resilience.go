package ai

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/pkg/logger"
)

const (
	// circuitFailureThreshold is the failure count at which the circuit opens
	circuitFailureThreshold = 3
	// circuitBaseCooldown is the cooldown at the threshold
	circuitBaseCooldown = 10 * time.Second
	// circuitMaxCooldown caps the exponential cooldown
	circuitMaxCooldown = 5 * time.Minute
)

// Health is the circuit breaker record carried in the analyst's persisted
// state. Circuit is open iff now < CircuitOpenUntilMS.
type Health struct {
	Failures           int    `json:"failures"`
	CircuitOpenUntilMS int64  `json:"circuit_open_until_ms"`
	LastSuccessMS      int64  `json:"last_success_ms"`
	LastFailureMS      int64  `json:"last_failure_ms"`
	LastError          string `json:"last_error,omitempty"`
}

// CircuitOpen reports whether LLM calls are currently suppressed
func (h *Health) CircuitOpen(nowMS int64) bool {
	return nowMS < h.CircuitOpenUntilMS
}

// MarkSuccess records a successful call and closes the circuit
func (h *Health) MarkSuccess(nowMS int64) {
	h.Failures = 0
	h.CircuitOpenUntilMS = 0
	h.LastSuccessMS = nowMS
	h.LastError = ""
}

// MarkFailure records a failed call, opening the circuit once the failure
// threshold is reached. Cooldown = min(5m, 10s * 2^(failures-threshold)).
func (h *Health) MarkFailure(nowMS int64, errMsg string) {
	h.Failures++
	h.LastFailureMS = nowMS
	h.LastError = errMsg

	if h.Failures < circuitFailureThreshold {
		return
	}

	cooldown := circuitBaseCooldown
	for i := circuitFailureThreshold; i < h.Failures; i++ {
		cooldown *= 2
		if cooldown >= circuitMaxCooldown {
			cooldown = circuitMaxCooldown
			break
		}
	}

	h.CircuitOpenUntilMS = nowMS + cooldown.Milliseconds()

	logger.Warn("llm circuit opened",
		zap.Int("failures", h.Failures),
		zap.Duration("cooldown", cooldown),
		zap.String("last_error", errMsg),
	)
}

// RunWithResilience wraps one LLM-backed operation with the availability
// check, the circuit breaker, and a hard deadline. On any failure path the
// fallback value is returned; fallbacks are first-class results, not errors.
func RunWithResilience[T any](
	ctx context.Context,
	llm LLM,
	health *Health,
	nowMS func() int64,
	deadline time.Duration,
	fallback T,
	op func(ctx context.Context) (T, error),
) T {
	if llm == nil || !llm.IsEnabled() {
		return fallback
	}
	if health.CircuitOpen(nowMS()) {
		logger.Debug("llm circuit open, serving fallback",
			zap.Int64("open_until_ms", health.CircuitOpenUntilMS),
		)
		return fallback
	}

	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := op(opCtx)
	if err != nil {
		health.MarkFailure(nowMS(), err.Error())
		return fallback
	}

	health.MarkSuccess(nowMS())
	return result
}

package modeltable

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// adaptiveRateLimiter applies an AIMD-style adaptive token bucket in front of
// a single model provider. Adapted from features/model/middleware/
// ratelimit.go's AdaptiveRateLimiter, stripped of its cluster-coordination
// (Pulse rmap) path: each gateway replica keeps its own local budget rather
// than coordinating an authoritative cross-replica rate.
type adaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// newAdaptiveRateLimiter builds a limiter with an initial and max
// tokens-per-minute budget. A non-positive initialTPM defaults to a
// conservative budget.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *adaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &adaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// wait blocks until the estimated token cost of req can be admitted.
func (l *adaptiveRateLimiter) wait(ctx context.Context, req *types.ModelInferenceRequest) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

// observe adjusts the budget after a call completes: a provider-server error
// (tzerr.KindProviderServerError) backs off by half, success probes upward
// by the recovery rate, and any other error leaves the budget unchanged.
func (l *adaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	var tzErr *tzerr.Error
	if errors.As(err, &tzErr) && tzErr.Kind == tzerr.KindProviderServerError {
		l.backoff()
	}
}

func (l *adaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *adaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM must be called with mu held.
func (l *adaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens is a cheap heuristic: ~1 token per 3 characters of text
// content plus a fixed buffer for system prompt and provider framing.
func estimateTokens(req *types.ModelInferenceRequest) int {
	charCount := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if tb, ok := p.(types.TextBlock); ok {
				charCount += len(tb.Text)
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount/3 + 500
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

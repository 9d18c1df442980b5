package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/aifx-io/aifx/internal/metrics"
)

// RateBudget combines a short-term smoothing limiter with a global daily
// token budget for upstream calls. The collector and the history provider
// draw from the same budget.
type RateBudget struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	remaining int
	daily     int
	day       time.Time

	waitBudget time.Duration
	now        func() time.Time
}

// NewRateBudget creates a budget of daily tokens with a requests-per-second
// smoothing limit and a bounded wait on exhaustion.
func NewRateBudget(daily int, perSecond float64, waitBudget time.Duration) *RateBudget {
	if daily <= 0 {
		daily = 800
	}
	if perSecond <= 0 {
		perSecond = 2.0
	}
	metrics.ProviderTokensRemaining.Set(float64(daily))
	return &RateBudget{
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 1),
		remaining:  daily,
		daily:      daily,
		waitBudget: waitBudget,
		now:        time.Now,
	}
}

// ErrBudgetExhausted is returned when no upstream token could be acquired
// within the wait budget.
var ErrBudgetExhausted = fmt.Errorf("upstream rate budget exhausted")

// Take acquires one upstream token, waiting at most the configured wait
// budget. The daily counter resets at 00:00 UTC.
func (b *RateBudget) Take(ctx context.Context) error {
	b.mu.Lock()
	day := b.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(b.day) {
		b.day = day
		b.remaining = b.daily
	}
	if b.remaining <= 0 {
		b.mu.Unlock()
		return ErrBudgetExhausted
	}
	b.remaining--
	metrics.ProviderTokensRemaining.Set(float64(b.remaining))
	b.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, b.waitBudget)
	defer cancel()

	if err := b.limiter.Wait(waitCtx); err != nil {
		// Return the token; the call never happened.
		b.mu.Lock()
		b.remaining++
		metrics.ProviderTokensRemaining.Set(float64(b.remaining))
		b.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBudgetExhausted
	}

	return nil
}

// Remaining reports the tokens left today. Used by the collector to defer
// low-priority work and exported as a gauge.
func (b *RateBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	day := b.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(b.day) {
		return b.daily
	}
	return b.remaining
}

// LowWater reports whether less than a tenth of the daily budget remains.
func (b *RateBudget) LowWater() bool {
	low := b.Remaining() < b.daily/10
	if low {
		log.Debug().Int("remaining", b.Remaining()).Msg("Upstream budget low")
	}
	return low
}

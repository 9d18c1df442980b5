package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/aifx-io/aifx/internal/metrics"
)

// Provider fetches candles from the upstream quote provider. Every call
// draws one token from the shared rate budget; requests go through a
// circuit breaker so a failing upstream degrades fast instead of burning
// the budget on timeouts.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	budget     *RateBudget
	breaker    *gobreaker.CircuitBreaker
}

// ProviderOption configures optional Provider behavior.
type ProviderOption func(*Provider)

// WithHTTPClient overrides the HTTP client (used by tests).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.httpClient = c }
}

// NewProvider creates an upstream candle provider.
func NewProvider(baseURL, apiKey string, timeout time.Duration, budget *RateBudget, opts ...ProviderOption) *Provider {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	p := &Provider{
		baseURL: baseURL,
		apiKey:  apiKey,
		budget:  budget,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "quote-provider",
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Provider circuit breaker state change")
			},
		}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// providerCandle is the upstream wire format.
type providerCandle struct {
	Timestamp int64   `json:"timestamp"` // unix seconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type providerResponse struct {
	Pair      string           `json:"pair"`
	Timeframe string           `json:"timeframe"`
	Candles   []providerCandle `json:"candles"`
	Error     string           `json:"error,omitempty"`
}

// FetchCandles fetches up to limit recent candles for an instrument,
// newest last. Invalid candles are dropped and logged, never returned.
func (p *Provider) FetchCandles(ctx context.Context, inst Instrument, limit int) ([]Candle, error) {
	return p.fetch(ctx, inst, limit, time.Time{}, time.Time{})
}

// FetchRange fetches candles within [from, to) for backfill pagination.
func (p *Provider) FetchRange(ctx context.Context, inst Instrument, from, to time.Time, limit int) ([]Candle, error) {
	return p.fetch(ctx, inst, limit, from, to)
}

func (p *Provider) fetch(ctx context.Context, inst Instrument, limit int, from, to time.Time) ([]Candle, error) {
	if err := p.budget.Take(ctx); err != nil {
		return nil, err
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doFetch(ctx, inst, limit, from, to)
	})
	if err != nil {
		metrics.ProviderRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.ProviderRequests.WithLabelValues("ok").Inc()
	return result.([]Candle), nil
}

func (p *Provider) doFetch(ctx context.Context, inst Instrument, limit int, from, to time.Time) ([]Candle, error) {
	q := url.Values{}
	q.Set("pair", inst.Pair)
	q.Set("timeframe", string(inst.Timeframe))
	q.Set("limit", fmt.Sprintf("%d", limit))
	if !from.IsZero() {
		q.Set("from", fmt.Sprintf("%d", from.Unix()))
	}
	if !to.IsZero() {
		q.Set("to", fmt.Sprintf("%d", to.Unix()))
	}

	endpoint := fmt.Sprintf("%s/v1/candles?%s", p.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("provider rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed providerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse provider response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("provider error: %s", parsed.Error)
	}

	candles := make([]Candle, 0, len(parsed.Candles))
	skipped := 0
	for _, pc := range parsed.Candles {
		c := Candle{
			Pair:      inst.Pair,
			Timeframe: inst.Timeframe,
			Timestamp: time.Unix(pc.Timestamp, 0).UTC(),
			Open:      pc.Open,
			High:      pc.High,
			Low:       pc.Low,
			Close:     pc.Close,
			Volume:    pc.Volume,
			Source:    "provider",
		}
		if err := c.Validate(); err != nil {
			skipped++
			log.Warn().
				Err(err).
				Str("pair", inst.Pair).
				Time("timestamp", c.Timestamp).
				Msg("Dropping invalid upstream candle")
			continue
		}
		candles = append(candles, c)
	}

	log.Debug().
		Str("instrument", inst.String()).
		Int("candles", len(candles)).
		Int("skipped", skipped).
		Dur("duration", time.Since(start)).
		Msg("Fetched candles from provider")

	return candles, nil
}

// FetchLatest fetches the single most recent candle for an instrument.
func (p *Provider) FetchLatest(ctx context.Context, inst Instrument) (*Candle, error) {
	candles, err := p.FetchCandles(ctx, inst, 1)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("provider returned no candles for %s", inst)
	}
	return &candles[len(candles)-1], nil
}

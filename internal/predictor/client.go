package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/metrics"
	"github.com/aifx-io/aifx/internal/signal"
)

// ErrUnavailable marks predictor failures the signal generator treats as
// soft: it falls back to technical-only generation instead of aborting.
var ErrUnavailable = errors.New("predictor unavailable")

// ErrModelTooOld is returned when the serving model is below the
// configured version floor. Predictions from outdated models are
// discarded rather than fused.
var ErrModelTooOld = errors.New("predictor model below version floor")

// Client calls the ML prediction service over HTTP.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	versionFloor *semver.Version
}

// NewClient creates a predictor client. versionFloor may be empty to
// accept any model version.
func NewClient(baseURL string, timeout time.Duration, versionFloor string) (*Client, error) {
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}

	if versionFloor != "" {
		v, err := semver.NewVersion(versionFloor)
		if err != nil {
			return nil, fmt.Errorf("invalid model version floor %q: %w", versionFloor, err)
		}
		c.versionFloor = v
	}

	return c, nil
}

type predictRequest struct {
	Pair      string           `json:"pair"`
	Timeframe market.Timeframe `json:"timeframe"`
	Candles   []market.Candle  `json:"candles"`
}

type predictResponse struct {
	Direction    string  `json:"direction"`
	Confidence   float64 `json:"confidence"`
	Stage1Prob   float64 `json:"stage1_prob"`
	Stage2Prob   float64 `json:"stage2_prob"`
	ModelVersion string  `json:"model_version"`
	Error        string  `json:"error,omitempty"`
}

// Predict requests a direction forecast for the given series. Transport
// errors, timeouts and 5xx responses come back wrapped in ErrUnavailable.
func (c *Client) Predict(ctx context.Context, series *market.Series) (pred *signal.Prediction, err error) {
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrUnavailable):
			result = "unavailable"
		case err != nil:
			result = "error"
		}
		metrics.PredictorRequests.WithLabelValues(result).Inc()
	}()
	return c.predict(ctx, series)
}

func (c *Client) predict(ctx context.Context, series *market.Series) (*signal.Prediction, error) {
	payload, err := json.Marshal(predictRequest{
		Pair:      series.Instrument.Pair,
		Timeframe: series.Instrument.Timeframe,
		Candles:   series.Candles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/predict", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predictor error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed predictResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrUnavailable, err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("predictor error: %s", parsed.Error)
	}

	pred := &signal.Prediction{
		Confidence:   parsed.Confidence,
		Stage1Prob:   parsed.Stage1Prob,
		Stage2Prob:   parsed.Stage2Prob,
		ModelVersion: parsed.ModelVersion,
	}

	switch parsed.Direction {
	case "long", "up":
		pred.Direction = signal.DirectionLong
	case "short", "down":
		pred.Direction = signal.DirectionShort
	case "neutral", "flat":
		pred.Direction = signal.DirectionNeutral
	default:
		return nil, fmt.Errorf("predictor returned unknown direction %q", parsed.Direction)
	}

	if pred.Confidence < 0 || pred.Confidence > 1 {
		return nil, fmt.Errorf("predictor returned confidence out of range: %.4f", pred.Confidence)
	}

	if err := c.checkVersion(pred.ModelVersion); err != nil {
		return nil, err
	}

	log.Debug().
		Str("instrument", series.Instrument.String()).
		Str("direction", string(pred.Direction)).
		Float64("confidence", pred.Confidence).
		Str("model_version", pred.ModelVersion).
		Dur("duration", time.Since(start)).
		Msg("Prediction received")

	return pred, nil
}

func (c *Client) checkVersion(version string) error {
	if c.versionFloor == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("predictor returned unparseable model version %q: %w", version, err)
	}
	if v.LessThan(c.versionFloor) {
		return fmt.Errorf("%w: serving %s, floor %s", ErrModelTooOld, version, c.versionFloor)
	}
	return nil
}

// Health probes the predictor's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

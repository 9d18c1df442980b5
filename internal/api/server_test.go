package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifx-io/aifx/internal/config"
	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/signal"
)

type fakeGenerator struct {
	signal *signal.Signal
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, inst market.Instrument) (*signal.Signal, error) {
	return f.signal, f.err
}

type fakeHistory struct {
	series *market.Series
	err    error
}

func (f *fakeHistory) GetSeries(ctx context.Context, inst market.Instrument, n int) (*market.Series, error) {
	return f.series, f.err
}

type fakeCollector struct {
	written, skipped int
	err              error
}

func (f *fakeCollector) Ingest(ctx context.Context, candles []market.Candle) (int, int, error) {
	return f.written, f.skipped, f.err
}

func testAPIConfig() *config.APIConfig {
	return &config.APIConfig{
		Host:       "127.0.0.1",
		Port:       8080,
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
}

func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return NewServer(testAPIConfig(), deps)
}

func doRequest(s *Server, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func userToken(t *testing.T, s *Server) string {
	t.Helper()
	pair, err := s.IssueTokens("user-1")
	require.NoError(t, err)
	return pair.AccessToken
}

func testSeries(t *testing.T, n int) *market.Series {
	t.Helper()
	inst, err := market.NewInstrument("EUR/USD", market.Timeframe1Hour)
	require.NoError(t, err)
	base := time.Now().UTC().Truncate(time.Hour).Add(-time.Duration(n) * time.Hour)
	s := &market.Series{Instrument: inst}
	for i := 0; i < n; i++ {
		s.Candles = append(s.Candles, market.Candle{
			Pair:      inst.Pair,
			Timeframe: inst.Timeframe,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      1.10, High: 1.11, Low: 1.09, Close: 1.105,
			Volume: 100,
		})
	}
	return s
}

func TestIsAPIKeyShape(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{strings.Repeat("ab", 32), true},
		{strings.Repeat("AB", 32), true},
		{strings.Repeat("ab", 31), false},                                // too short
		{strings.Repeat("ab", 33), false},                                // too long
		{strings.Repeat("zz", 32), false},                                // not hex
		{strings.Repeat("a", 30) + "." + strings.Repeat("b", 33), false}, // JWT-ish
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isAPIKeyShape(tt.token), tt.token)
	}
}

func TestResolveInstrument(t *testing.T) {
	inst, err := resolveInstrument("eurusd", "", "")
	require.NoError(t, err)
	assert.Equal(t, "EUR/USD", inst.Pair)
	assert.Equal(t, market.Timeframe1Hour, inst.Timeframe)

	inst, err = resolveInstrument("EUR/USD", "", "intraday")
	require.NoError(t, err)
	assert.Equal(t, market.Timeframe15Min, inst.Timeframe)

	// Explicit timeframe outranks the period alias.
	inst, err = resolveInstrument("EUR/USD", "4h", "intraday")
	require.NoError(t, err)
	assert.Equal(t, market.Timeframe4Hour, inst.Timeframe)

	_, err = resolveInstrument("", "1h", "")
	assert.Error(t, err)

	_, err = resolveInstrument("EUR/USD", "", "daytrade")
	assert.Error(t, err)

	_, err = resolveInstrument("EUR/USD", "2h", "")
	assert.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	s := testServer(t, Deps{})

	pair, err := s.IssueTokens("user-42")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(3600), pair.ExpiresIn)

	claims, err := s.parseJWT(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)

	// A token signed with a different secret is rejected.
	other := NewServer(&config.APIConfig{
		Host: "127.0.0.1", Port: 8080,
		JWTSecret: "other-secret",
		AccessTTL: time.Hour, RefreshTTL: time.Hour,
	}, Deps{})
	foreign, err := other.IssueTokens("user-42")
	require.NoError(t, err)
	_, err = s.parseJWT(foreign.AccessToken)
	assert.Error(t, err)
}

func TestAuthRequired(t *testing.T) {
	s := testServer(t, Deps{History: &fakeHistory{series: testSeries(t, 1)}})

	w := doRequest(s, http.MethodGet, "/api/v1/market/history/EURUSD", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, KindUnauthorized, env.Code)

	w = doRequest(s, http.MethodGet, "/api/v1/market/history/EURUSD", "not-a-real-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	series := testSeries(t, 3)
	s := testServer(t, Deps{History: &fakeHistory{series: series}})
	token := userToken(t, s)

	w := doRequest(s, http.MethodGet, "/api/v1/market/history/EURUSD?timeframe=1h&limit=3", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)

	// Out-of-range limits are rejected before the history lookup.
	w = doRequest(s, http.MethodGet, "/api/v1/market/history/EURUSD?limit=5000", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, KindValidation, decodeEnvelope(t, w).Code)
}

func TestRealtimeEndpoint(t *testing.T) {
	series := testSeries(t, 1)
	series.Stale = true
	s := testServer(t, Deps{History: &fakeHistory{series: series}})
	token := userToken(t, s)

	w := doRequest(s, http.MethodGet, "/api/v1/market/realtime/EURUSD", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, "EUR/USD", data["pair"])
	assert.Equal(t, true, data["stale"])
}

func TestGetSignalGeneratesOnDemand(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	inst, err := market.NewInstrument("EUR/USD", market.Timeframe1Hour)
	require.NoError(t, err)
	generated := &signal.Signal{
		ID:          uuid.New(),
		Instrument:  inst,
		Action:      signal.ActionBuy,
		Confidence:  0.8,
		Strength:    signal.StrengthStrong,
		GeneratedAt: time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(4 * time.Hour),
	}

	s := testServer(t, Deps{
		DB:        db.NewWithPool(mock),
		Generator: &fakeGenerator{signal: generated},
	})
	token := userToken(t, s)

	// No stored signal: the handler falls through to generation.
	mock.ExpectQuery("SELECT id, pair, timeframe").
		WithArgs("EUR/USD", market.Timeframe1Hour).
		WillReturnError(pgx.ErrNoRows)

	w := doRequest(s, http.MethodGet, "/api/v1/trading/signal?pair=EURUSD&timeframe=1h", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, "buy", data["action"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSignalNoSignal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := testServer(t, Deps{
		DB:        db.NewWithPool(mock),
		Generator: &fakeGenerator{err: fmt.Errorf("insufficient history: %w", signal.ErrNoSignal)},
	})
	token := userToken(t, s)

	mock.ExpectQuery("SELECT id, pair, timeframe").
		WithArgs("EUR/USD", market.Timeframe1Hour).
		WillReturnError(pgx.ErrNoRows)

	w := doRequest(s, http.MethodGet, "/api/v1/trading/signal?pair=EURUSD", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, KindNotFound, decodeEnvelope(t, w).Code)
}

func TestAnalyzeBatch(t *testing.T) {
	inst, err := market.NewInstrument("EUR/USD", market.Timeframe1Hour)
	require.NoError(t, err)
	s := testServer(t, Deps{Generator: &fakeGenerator{signal: &signal.Signal{
		ID: uuid.New(), Instrument: inst, Action: signal.ActionBuy,
	}}})
	token := userToken(t, s)

	body := map[string]interface{}{"instruments": []map[string]string{
		{"pair": "EURUSD"},
		{"pair": ""}, // invalid item reported in-line, not fatal
	}}
	w := doRequest(s, http.MethodPost, "/api/v1/trading/analyze", token, body)
	assert.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	require.True(t, env.Success)
	results := env.Data.(map[string]interface{})["results"].([]interface{})
	require.Len(t, results, 2)
	assert.NotNil(t, results[0].(map[string]interface{})["signal"])
	assert.NotEmpty(t, results[1].(map[string]interface{})["error"])

	w = doRequest(s, http.MethodPost, "/api/v1/trading/analyze", token, map[string]interface{}{"instruments": []map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkIngestRequiresServiceKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := testServer(t, Deps{
		DB:        db.NewWithPool(mock),
		Collector: &fakeCollector{written: 2},
	})

	candles := testSeries(t, 2).Candles
	body := map[string]interface{}{"candles": candles}

	// A user JWT is not enough for the service-only surface.
	w := doRequest(s, http.MethodPost, "/api/v1/market/data/bulk", userToken(t, s), body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, KindForbidden, decodeEnvelope(t, w).Code)

	rawKey := strings.Repeat("ab", 32)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, name, service_id").
		WithArgs(db.HashAPIKey(rawKey)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "service_id", "last_used_at", "created_at", "expires_at", "revoked",
		}).AddRow(uuid.New(), "collector", "collector-svc", nil, now, nil, false))

	w = doRequest(s, http.MethodPost, "/api/v1/market/data/bulk", rawKey, body)
	assert.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["written"])
}

func TestUnknownAPIKeyRejected(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := testServer(t, Deps{DB: db.NewWithPool(mock)})

	rawKey := strings.Repeat("cd", 32)
	mock.ExpectQuery("SELECT id, name, service_id").
		WithArgs(db.HashAPIKey(rawKey)).
		WillReturnError(pgx.ErrNoRows)

	w := doRequest(s, http.MethodGet, "/api/v1/market/history/EURUSD", rawKey, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, KindUnauthorized, decodeEnvelope(t, w).Code)
}

func TestHealthEndpoint(t *testing.T) {
	checks := map[string]string{"database": "ok", "redis": "ok"}
	s := testServer(t, Deps{Health: func(ctx context.Context) map[string]string { return checks }})

	w := doRequest(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	checks["redis"] = "unreachable"
	w = doRequest(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

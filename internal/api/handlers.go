package api

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/positions"
	"github.com/aifx-io/aifx/internal/signal"
)

// periodTimeframes maps trading-style periods to default timeframes.
// An explicit timeframe parameter always wins.
var periodTimeframes = map[string]market.Timeframe{
	"intraday": market.Timeframe15Min,
	"swing":    market.Timeframe1Hour,
	"position": market.Timeframe1Day,
	"longterm": market.Timeframe1Week,
}

// resolveInstrument builds an instrument from pair plus either an explicit
// timeframe or a period alias.
func resolveInstrument(pair, timeframe, period string) (market.Instrument, error) {
	if pair == "" {
		return market.Instrument{}, fmt.Errorf("pair is required")
	}

	tf := market.Timeframe1Hour
	if period != "" {
		mapped, ok := periodTimeframes[period]
		if !ok {
			return market.Instrument{}, fmt.Errorf("unknown period: %q", period)
		}
		tf = mapped
	}
	if timeframe != "" {
		parsed, err := market.ParseTimeframe(timeframe)
		if err != nil {
			return market.Instrument{}, err
		}
		tf = parsed
	}

	return market.NewInstrument(pair, tf)
}

// GET /api/v1/trading/signal?pair=...&timeframe=...&period=...
func (s *Server) handleGetSignal(c *gin.Context) {
	inst, err := resolveInstrument(c.Query("pair"), c.Query("timeframe"), c.Query("period"))
	if err != nil {
		fail(c, KindValidation, err.Error())
		return
	}

	latest, err := s.db.GetLatestSignal(c.Request.Context(), inst)
	if err != nil {
		log.Error().Err(err).Str("instrument", inst.String()).Msg("Failed to load latest signal")
		fail(c, KindInternal, "failed to load signal")
		return
	}

	// Serve the stored signal while it is still valid; otherwise
	// generate a fresh one on demand.
	if latest != nil && latest.ExpiresAt.After(time.Now().UTC()) {
		respond(c, 200, latest)
		return
	}

	generated, err := s.generator.Generate(c.Request.Context(), inst)
	if err != nil {
		if errors.Is(err, signal.ErrNoSignal) {
			fail(c, KindNotFound, "no signal available for "+inst.String())
			return
		}
		log.Error().Err(err).Str("instrument", inst.String()).Msg("On-demand generation failed")
		fail(c, KindUpstream, "signal generation failed")
		return
	}

	respond(c, 200, generated)
}

type analyzeRequest struct {
	Instruments []struct {
		Pair      string `json:"pair"`
		Timeframe string `json:"timeframe"`
		Period    string `json:"period"`
	} `json:"instruments"`
}

type analyzeResult struct {
	Instrument market.Instrument `json:"instrument"`
	Signal     *signal.Signal    `json:"signal,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// POST /api/v1/trading/analyze
func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, KindValidation, "invalid request body: "+err.Error())
		return
	}
	if len(req.Instruments) == 0 {
		fail(c, KindValidation, "instruments list is empty")
		return
	}
	if len(req.Instruments) > 20 {
		fail(c, KindValidation, "at most 20 instruments per batch")
		return
	}

	results := make([]analyzeResult, 0, len(req.Instruments))
	for _, item := range req.Instruments {
		inst, err := resolveInstrument(item.Pair, item.Timeframe, item.Period)
		if err != nil {
			results = append(results, analyzeResult{Error: err.Error()})
			continue
		}

		sig, err := s.generator.Generate(c.Request.Context(), inst)
		if err != nil {
			results = append(results, analyzeResult{Instrument: inst, Error: err.Error()})
			continue
		}
		results = append(results, analyzeResult{Instrument: inst, Signal: sig})
	}

	respond(c, 200, gin.H{"results": results})
}

// GET /api/v1/market/realtime/:pair
func (s *Server) handleRealtime(c *gin.Context) {
	inst, err := resolveInstrument(c.Param("pair"), c.DefaultQuery("timeframe", "1min"), "")
	if err != nil {
		fail(c, KindValidation, err.Error())
		return
	}

	series, err := s.history.GetSeries(c.Request.Context(), inst, 1)
	if err != nil {
		fail(c, KindUpstream, "failed to fetch price: "+err.Error())
		return
	}
	candle, ok := series.Last()
	if !ok {
		fail(c, KindNotFound, "no price data for "+inst.String())
		return
	}

	respond(c, 200, gin.H{
		"pair":      inst.Pair,
		"timeframe": inst.Timeframe,
		"candle":    candle,
		"stale":     series.Stale,
	})
}

// GET /api/v1/market/history/:pair?timeframe=...&limit=...
func (s *Server) handleHistory(c *gin.Context) {
	inst, err := resolveInstrument(c.Param("pair"), c.DefaultQuery("timeframe", "1h"), "")
	if err != nil {
		fail(c, KindValidation, err.Error())
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 1000 {
		fail(c, KindValidation, "limit must be an integer in [1, 1000]")
		return
	}

	series, err := s.history.GetSeries(c.Request.Context(), inst, limit)
	if err != nil {
		fail(c, KindUpstream, "failed to fetch history: "+err.Error())
		return
	}

	respond(c, 200, series)
}

type bulkIngestRequest struct {
	Candles []market.Candle `json:"candles"`
}

// POST /api/v1/market/data/bulk (API key only)
func (s *Server) handleBulkIngest(c *gin.Context) {
	var req bulkIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, KindValidation, "invalid request body: "+err.Error())
		return
	}
	if len(req.Candles) == 0 {
		fail(c, KindValidation, "candles list is empty")
		return
	}

	written, skipped, err := s.collector.Ingest(c.Request.Context(), req.Candles)
	if err != nil {
		fail(c, KindInternal, "ingest failed: "+err.Error())
		return
	}

	respond(c, 200, gin.H{"written": written, "skipped": skipped})
}

type openPositionRequest struct {
	SubscriberID uuid.UUID `json:"subscriber_id" binding:"required"`
	Pair         string    `json:"pair" binding:"required"`
	Timeframe    string    `json:"timeframe"`
	Side         string    `json:"side" binding:"required"`
	EntryPrice   float64   `json:"entry_price" binding:"required"`
	StopLoss     float64   `json:"stop_loss" binding:"required"`
	TakeProfit   float64   `json:"take_profit" binding:"required"`
	Size         float64   `json:"size" binding:"required"`
	Notes        *string   `json:"notes"`
}

// POST /api/v1/positions/open
func (s *Server) handleOpenPosition(c *gin.Context) {
	var req openPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, KindValidation, "invalid request body: "+err.Error())
		return
	}

	tf := market.Timeframe1Hour
	if req.Timeframe != "" {
		parsed, err := market.ParseTimeframe(req.Timeframe)
		if err != nil {
			fail(c, KindValidation, err.Error())
			return
		}
		tf = parsed
	}

	inst, err := market.NewInstrument(req.Pair, tf)
	if err != nil {
		fail(c, KindValidation, err.Error())
		return
	}

	p := &db.Position{
		SubscriberID: req.SubscriberID,
		Instrument:   inst,
		Side:         db.PositionSide(req.Side),
		EntryPrice:   req.EntryPrice,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Size:         req.Size,
		Notes:        req.Notes,
	}

	opened, err := s.positions.Open(c.Request.Context(), p)
	if err != nil {
		fail(c, KindValidation, err.Error())
		return
	}

	respond(c, 201, opened)
}

type closePositionRequest struct {
	PositionID uuid.UUID `json:"position_id" binding:"required"`
	ExitPrice  float64   `json:"exit_price" binding:"required"`
	Pct        float64   `json:"pct"`
}

// POST /api/v1/positions/close
func (s *Server) handleClosePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, KindValidation, "invalid request body: "+err.Error())
		return
	}
	if req.Pct == 0 {
		req.Pct = 100
	}

	result, err := s.positions.Close(c.Request.Context(), req.PositionID, req.ExitPrice, req.Pct)
	if err != nil {
		fail(c, positionErrorKind(err), err.Error())
		return
	}

	respond(c, 200, result)
}

type adjustPositionRequest struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// PUT /api/v1/positions/:id/adjust
func (s *Server) handleAdjustPosition(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, KindValidation, "invalid position id")
		return
	}

	var req adjustPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, KindValidation, "invalid request body: "+err.Error())
		return
	}

	p, err := s.positions.Adjust(c.Request.Context(), id, req.StopLoss, req.TakeProfit)
	if err != nil {
		fail(c, positionErrorKind(err), err.Error())
		return
	}

	respond(c, 200, p)
}

// GET /api/v1/positions/:id
func (s *Server) handleGetPosition(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, KindValidation, "invalid position id")
		return
	}

	p, err := s.positions.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, KindInternal, "failed to load position")
		return
	}
	if p == nil {
		fail(c, KindNotFound, "position not found")
		return
	}

	respond(c, 200, p)
}

// GET /api/v1/positions/user/:id?pair=...
func (s *Server) handleListPositions(c *gin.Context) {
	subscriberID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, KindValidation, "invalid subscriber id")
		return
	}

	open, err := s.positions.ListOpen(c.Request.Context(), subscriberID, c.Query("pair"))
	if err != nil {
		fail(c, KindInternal, "failed to list positions")
		return
	}

	respond(c, 200, gin.H{"positions": open, "count": len(open)})
}

type subscribeRequest struct {
	SubscriberID uuid.UUID              `json:"subscriber_id" binding:"required"`
	Pair         string                 `json:"pair" binding:"required"`
	Timeframe    string                 `json:"timeframe"`
	Period       string                 `json:"period"`
	Filter       *db.SubscriptionFilter `json:"filter"`
}

// POST /api/v1/subscriptions
func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, KindValidation, "invalid request body: "+err.Error())
		return
	}

	inst, err := resolveInstrument(req.Pair, req.Timeframe, req.Period)
	if err != nil {
		fail(c, KindValidation, err.Error())
		return
	}

	filter := db.SubscriptionFilter{}
	if req.Filter != nil {
		filter = *req.Filter
	}

	sub, err := s.registry.Subscribe(c.Request.Context(), req.SubscriberID, inst, filter)
	if err != nil {
		fail(c, KindValidation, err.Error())
		return
	}

	respond(c, 201, gin.H{"subscription_id": sub.ID})
}

// DELETE /api/v1/subscriptions/:id  (:id is the subscriber;
// pair/timeframe narrow the removal, otherwise all are removed)
func (s *Server) handleUnsubscribe(c *gin.Context) {
	subscriberID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, KindValidation, "invalid subscriber id")
		return
	}

	var inst *market.Instrument
	if pair := c.Query("pair"); pair != "" {
		resolved, err := resolveInstrument(pair, c.Query("timeframe"), c.Query("period"))
		if err != nil {
			fail(c, KindValidation, err.Error())
			return
		}
		inst = &resolved
	}

	removed, err := s.registry.Unsubscribe(c.Request.Context(), subscriberID, inst)
	if err != nil {
		fail(c, KindInternal, "failed to unsubscribe")
		return
	}

	respond(c, 200, gin.H{"removed": removed})
}

// GET /api/v1/subscriptions/user/:id
func (s *Server) handleListSubscriptions(c *gin.Context) {
	subscriberID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, KindValidation, "invalid subscriber id")
		return
	}

	subs, err := s.registry.List(c.Request.Context(), subscriberID)
	if err != nil {
		fail(c, KindInternal, "failed to list subscriptions")
		return
	}

	respond(c, 200, gin.H{"subscriptions": subs, "count": len(subs)})
}

// positionErrorKind maps position service errors onto envelope codes.
func positionErrorKind(err error) Kind {
	switch {
	case errors.Is(err, positions.ErrNotFound):
		return KindNotFound
	case errors.Is(err, positions.ErrNotOpen):
		return KindConflict
	default:
		return KindValidation
	}
}

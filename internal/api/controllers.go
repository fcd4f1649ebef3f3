package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"execution-core/internal/router"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "running",
		"version":   s.Meta.Version,
		"exchanges": s.Meta.Exchanges,
		"mock_feed": s.Meta.MockFeed,
	})
}

// getPositions lists the caller's open positions across all targets.
func (s *Server) getPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	positions := s.Store.ListByUser(userID)
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

// getBalance fans balance snapshots in from every enabled target.
func (s *Server) getBalance(c *gin.Context) {
	strategy := c.Query("strategy")
	if strategy == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_STRATEGY",
			"error": "strategy query parameter is required",
		})
		return
	}

	balances, err := s.Exec.GetBalance(c.Request.Context(), CurrentUserID(c), strategy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// getEffectiveSettings resolves the layered settings for one 4D key.
func (s *Server) getEffectiveSettings(c *gin.Context) {
	strategy := c.Query("strategy")
	side := strings.ToLower(c.Query("side"))
	exchangeName := c.Query("exchange")
	if strategy == "" || exchangeName == "" || (side != "buy" && side != "sell") {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_QUERY",
			"error": "strategy, exchange and side (buy|sell) query parameters are required",
		})
		return
	}

	resolved, err := s.Settings.Effective(c.Request.Context(), CurrentUserID(c), strategy, side, exchangeName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, resolved)
}

type orderRequest struct {
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	OrderType  string   `json:"order_type"`
	Qty        float64  `json:"qty"`
	Price      float64  `json:"price"`
	Leverage   int      `json:"leverage"`
	SLPercent  *float64 `json:"sl_percent"`
	TPPercent  *float64 `json:"tp_percent"`
	Strategy   string   `json:"strategy"`
	ReduceOnly bool     `json:"reduce_only"`
}

// placeOrder routes an intent to every enabled target and reports per-target
// results. 207 when targets disagree, 502 when all fail.
func (s *Server) placeOrder(c *gin.Context) {
	var req orderRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	orderType := exchange.OrderType(strings.ToUpper(req.OrderType))
	if req.OrderType == "" {
		orderType = exchange.OrderTypeMarket
	}
	intent := router.OrderIntent{
		UserID:     CurrentUserID(c),
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:       exchange.Side(strings.ToUpper(req.Side)),
		OrderType:  orderType,
		Qty:        req.Qty,
		Price:      req.Price,
		Leverage:   req.Leverage,
		SLPercent:  req.SLPercent,
		TPPercent:  req.TPPercent,
		Strategy:   req.Strategy,
		ReduceOnly: req.ReduceOnly,
	}

	results, err := s.Exec.PlaceOrder(c.Request.Context(), intent)
	if err != nil {
		status := http.StatusInternalServerError
		if exchange.KindOf(err) == exchange.KindValidation {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"code":  "ORDER_REJECTED",
			"error": err.Error(),
		})
		return
	}

	c.JSON(dispatchStatus(results), gin.H{"results": results})
}

type closeRequest struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	Strategy string  `json:"strategy"`
}

// closePosition reduce-only closes the caller's position on every target.
func (s *Server) closePosition(c *gin.Context) {
	var req closeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	results, err := s.Exec.ClosePosition(c.Request.Context(), CurrentUserID(c),
		req.Strategy, strings.ToUpper(strings.TrimSpace(req.Symbol)), req.Qty)
	if err != nil {
		status := http.StatusInternalServerError
		if exchange.KindOf(err) == exchange.KindValidation {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"code":  "CLOSE_REJECTED",
			"error": err.Error(),
		})
		return
	}

	c.JSON(dispatchStatus(results), gin.H{"results": results})
}

type leverageRequest struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
	Strategy string `json:"strategy"`
}

// setLeverage applies a leverage change across targets, clamped per target.
func (s *Server) setLeverage(c *gin.Context) {
	var req leverageRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	results, err := s.Exec.SetLeverage(c.Request.Context(), CurrentUserID(c),
		req.Strategy, strings.ToUpper(strings.TrimSpace(req.Symbol)), req.Leverage)
	if err != nil {
		status := http.StatusInternalServerError
		if exchange.KindOf(err) == exchange.KindValidation {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"code":  "LEVERAGE_REJECTED",
			"error": err.Error(),
		})
		return
	}

	c.JSON(dispatchStatus(results), gin.H{"results": results})
}

// listTargets returns the caller's enabled execution targets for a strategy.
func (s *Server) listTargets(c *gin.Context) {
	strategy := c.Query("strategy")
	if strategy == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_STRATEGY",
			"error": "strategy query parameter is required",
		})
		return
	}

	targets, err := s.DB.ListTargets(c.Request.Context(), CurrentUserID(c), strategy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

type targetRequest struct {
	ID           string  `json:"id"`
	Strategy     string  `json:"strategy"`
	Exchange     string  `json:"exchange"`
	Env          string  `json:"env"`
	IsEnabled    bool    `json:"is_enabled"`
	MaxLeverage  int     `json:"max_leverage"`
	RiskLimitPct float64 `json:"risk_limit_pct"`
}

// upsertTarget creates or updates one execution target for the caller.
func (s *Server) upsertTarget(c *gin.Context) {
	var req targetRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.Strategy == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_STRATEGY",
			"error": "strategy is required",
		})
		return
	}
	if !knownExchange(req.Exchange) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "UNKNOWN_EXCHANGE",
			"error": "unsupported exchange " + req.Exchange,
		})
		return
	}
	env, err := symbols.NormalizeEnv(req.Env)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_ENV",
			"error": err.Error(),
		})
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	target := db.ExecutionTarget{
		ID:           req.ID,
		UserID:       CurrentUserID(c),
		Strategy:     req.Strategy,
		Exchange:     req.Exchange,
		Env:          string(env),
		IsEnabled:    req.IsEnabled,
		MaxLeverage:  req.MaxLeverage,
		RiskLimitPct: req.RiskLimitPct,
	}
	if err := s.DB.UpsertTarget(c.Request.Context(), target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": target})
}

func knownExchange(name string) bool {
	for _, ex := range symbols.Exchanges() {
		if ex == name {
			return true
		}
	}
	return false
}

// dispatchStatus maps fan-out results onto an HTTP status: 200 all good,
// 207 partial, 502 all failed, 404 no targets.
func dispatchStatus(results router.Results) int {
	switch {
	case len(results) == 0:
		return http.StatusNotFound
	case results.AllSuccess():
		return http.StatusOK
	case results.AnySuccess():
		return http.StatusMultiStatus
	default:
		return http.StatusBadGateway
	}
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"futures-worker/internal/store"
)

const maxListLimit = 500

type legView struct {
	Role            string          `json:"role"`
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Side            string          `json:"side"`
	OrderType       string          `json:"order_type"`
	State           string          `json:"state"`
	Qty             decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	ExchangeStatus  string          `json:"exchange_status,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type trioView struct {
	ID          string          `json:"id"`
	BotID       string          `json:"bot_id"`
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Side        string          `json:"side"`
	State       string          `json:"state"`
	SignalTs    int64           `json:"signal_ts"`
	Trigger     decimal.Decimal `json:"trigger"`
	Stop        decimal.Decimal `json:"stop"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	Qty         decimal.Decimal `json:"qty"`
	CloseReason string          `json:"close_reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Legs        []legView       `json:"legs"`
}

func toTrioView(t store.Trio) trioView {
	v := trioView{
		ID:          t.ID,
		BotID:       t.BotID,
		Symbol:      t.Symbol,
		Timeframe:   t.Timeframe,
		Side:        t.Side,
		State:       string(t.State),
		SignalTs:    t.SignalTs,
		Trigger:     t.Trigger,
		Stop:        t.Stop,
		TakeProfit:  t.TakeProfit,
		Qty:         t.Qty,
		CloseReason: t.CloseReason,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Legs:        make([]legView, 0, len(t.Legs)),
	}
	for _, l := range t.Legs {
		v.Legs = append(v.Legs, legView{
			Role:            string(l.Role),
			ClientOrderID:   l.ClientOrderID,
			ExchangeOrderID: l.ExchangeOrderID,
			Side:            l.Side,
			OrderType:       l.OrderType,
			State:           string(l.State),
			Qty:             l.RequestedQty,
			Price:           l.RequestedPrice,
			StopPrice:       l.StopPrice,
			FilledQty:       l.FilledQty,
			ExchangeStatus:  l.LastExchangeStatus,
			UpdatedAt:       l.UpdatedAt,
		})
	}
	return v
}

func (s *Server) readiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	resp := gin.H{
		"version":    s.meta.Version,
		"consumer":   s.meta.Consumer,
		"streams":    s.meta.Streams,
		"entry_type": s.meta.EntryType,
		"ready":      s.ready.Load(),
	}
	if !s.meta.StartedAt.IsZero() {
		resp["started_at"] = s.meta.StartedAt.UTC().Format(time.RFC3339)
	}
	if s.deps.Pool != nil {
		resp["clients"] = s.deps.Pool()
	}
	if s.deps.Store != nil {
		counts, err := s.deps.Store.CountByState(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
			return
		}
		resp["trios"] = counts
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "METRICS_UNAVAILABLE", "error": "metrics not configured"})
		return
	}
	var degraded uint64
	if s.deps.DegradedFilters != nil {
		degraded = s.deps.DegradedFilters()
	}
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot(degraded))
}

// listTrios serves GET /api/trios?bot_id=&symbol=&state=&limit=.
func (s *Server) listTrios(c *gin.Context) {
	f := store.Filter{
		BotID:  c.Query("bot_id"),
		Symbol: c.Query("symbol"),
		State:  store.TrioState(strings.ToUpper(c.Query("state"))),
		Limit:  100,
	}
	if f.State != "" && !f.State.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_STATE", "error": "unknown trio state " + string(f.State)})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_LIMIT", "error": "limit must be a positive integer"})
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	trios, err := s.deps.Store.ListTrios(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	out := make([]trioView, 0, len(trios))
	for _, t := range trios {
		out = append(out, toTrioView(t))
	}
	c.JSON(http.StatusOK, gin.H{"trios": out, "count": len(out)})
}

func (s *Server) getTrio(c *gin.Context) {
	t, err := s.deps.Store.GetTrio(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "TRIO_NOT_FOUND", "error": "trio not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toTrioView(t))
}

func (s *Server) triosSummary(c *gin.Context) {
	counts, err := s.deps.Store.CountByState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": counts})
}

// runRecovery triggers a recovery pass over stuck trios older than the
// configured minimum age.
func (s *Server) runRecovery(c *gin.Context) {
	if s.deps.Recovery == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "RECOVERY_UNAVAILABLE", "error": "recovery not configured"})
		return
	}
	report, err := s.deps.Recovery.RecoverStale(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	type result struct {
		TrioID string `json:"trio_id"`
		From   string `json:"from"`
		To     string `json:"to,omitempty"`
		Note   string `json:"note,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(report.Results))
	for _, r := range report.Results {
		res := result{TrioID: r.TrioID, From: string(r.From), To: string(r.To), Note: r.Note}
		if r.Err != nil {
			res.Error = r.Err.Error()
		}
		results = append(results, res)
	}
	c.JSON(http.StatusOK, gin.H{
		"operator":   CurrentOperator(c),
		"checked":    report.Checked,
		"unresolved": report.Unresolved,
		"results":    results,
	})
}

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-core/internal/engine"
	"signal-core/internal/intake"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
)

// tradeSignal takes the raw notification text as the request body.
func (s *Server) tradeSignal(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "notification body too large or unreadable",
		})
		return
	}
	raw := string(body)
	if strings.TrimSpace(raw) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "EMPTY_BODY", "error": "notification text required"})
		return
	}
	s.Log.Debug("notification received", zap.String("raw", raw))

	d, err := s.Engine.SubmitSignal(c.Request.Context(), raw)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, c.Request.Context().Err()) && !errors.Is(err, intake.ErrClosed) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"code": "INTAKE_UNAVAILABLE", "error": err.Error()})
		return
	}
	s.writeDecision(c, d)
}

func (s *Server) writeDecision(c *gin.Context, d intake.Decision) {
	if d.Admitted {
		c.JSON(http.StatusOK, gin.H{
			"status": "accepted",
			"signal": d.Signal,
		})
		return
	}
	msg := ""
	if d.Err != nil {
		msg = d.Err.Error()
	}
	resp := gin.H{"status": "rejected", "reason": d.Reason, "message": msg}

	switch {
	case errors.Is(d.Err, signal.ErrLate), errors.Is(d.Err, signal.ErrDuplicate):
		resp["status"] = "skipped"
		c.JSON(http.StatusOK, resp)
	case errors.Is(d.Err, signal.ErrDrawdown):
		c.JSON(http.StatusLocked, resp)
	case errors.Is(d.Err, intake.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, resp)
	default:
		c.JSON(http.StatusBadRequest, resp)
	}
}

func (s *Server) accountDetails(c *gin.Context) {
	details, err := s.Engine.AccountDetails(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": "BROKER_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, details)
}

func (s *Server) openTrades(c *gin.Context) {
	trades, err := s.Engine.OpenTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": "BROKER_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) currentSignals(c *gin.Context) {
	signals := s.Engine.CurrentSignals()
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func (s *Server) pnlHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	days, err := s.Engine.PnLHistory(c.Request.Context(), limit)
	if errors.Is(err, engine.ErrNoHistory) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NO_HISTORY", "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days})
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.RiskConfig())
}

// updateRisk replaces every field; omitted fields are zero and fail validation.
func (s *Server) updateRisk(c *gin.Context) {
	var req risk.RiskConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	updated, err := s.Engine.UpdateRiskConfig(c.Request.Context(), req)
	if errors.Is(err, risk.ErrInvalidConfig) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_CONFIG", "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	s.Log.Info("risk config replaced", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, updated)
}

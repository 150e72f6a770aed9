package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/quant-trader/internal/config"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Response is the envelope every API endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Error: msg})
}

func (s *Server) internalError(c *gin.Context, what string, err error) {
	s.logger.Error(what, "path", c.Request.URL.Path, "error", err)
	fail(c, http.StatusInternalServerError, what+" failed")
}

// limit parses ?limit=, defaulting and capping it. ok is false when the
// value is not a positive integer.
func limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxLimit), true
}

type health struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(c *gin.Context) {
	mode := "LIVE"
	switch {
	case s.config.Broker.Mode == config.BrokerPaper:
		mode = "PAPER"
	case s.config.IsSandbox():
		mode = "SANDBOX"
	}
	ok(c, health{Status: "ok", Mode: mode, Uptime: time.Since(s.started).Round(time.Second).String()})
}

func (s *Server) handleAllocations(c *gin.Context) {
	snap, err := s.ledger.Snapshot(c.Request.Context())
	if err != nil {
		s.internalError(c, "allocation snapshot", err)
		return
	}
	ok(c, snap)
}

// handleInstances lists every instance, or those of ?strategy=<id>.
func (s *Server) handleInstances(c *gin.Context) {
	ctx := c.Request.Context()
	if raw := c.Query("strategy"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "strategy must be a numeric id")
			return
		}
		list, err := s.store.ListByStrategy(ctx, uint(id))
		if err != nil {
			s.internalError(c, "list instances", err)
			return
		}
		ok(c, list)
		return
	}

	list, err := s.store.ListAll(ctx)
	if err != nil {
		s.internalError(c, "list instances", err)
		return
	}
	ok(c, list)
}

func (s *Server) handleSignals(c *gin.Context) {
	n, valid := limit(c)
	if !valid {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	list, err := s.repo.RecentSignals(c.Request.Context(), n)
	if err != nil {
		s.internalError(c, "list signals", err)
		return
	}
	ok(c, list)
}

func (s *Server) handleOrders(c *gin.Context) {
	n, valid := limit(c)
	if !valid {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	list, err := s.repo.RecentOrders(c.Request.Context(), n)
	if err != nil {
		s.internalError(c, "list orders", err)
		return
	}
	ok(c, list)
}

func (s *Server) handleDiscrepancies(c *gin.Context) {
	n, valid := limit(c)
	if !valid {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	list, err := s.repo.RecentDiscrepancies(c.Request.Context(), n)
	if err != nil {
		s.internalError(c, "list discrepancies", err)
		return
	}
	ok(c, list)
}

func (s *Server) handleBackfillRuns(c *gin.Context) {
	n, valid := limit(c)
	if !valid {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	runs, err := s.repo.RecentBackfillRuns(c.Request.Context(), n)
	if err != nil {
		s.internalError(c, "list backfill runs", err)
		return
	}
	ok(c, runs)
}

func (s *Server) handleBackfillFlags(c *gin.Context) {
	n, valid := limit(c)
	if !valid {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	flags, err := s.repo.OpenBackfillFlags(c.Request.Context(), n)
	if err != nil {
		s.internalError(c, "list backfill flags", err)
		return
	}
	ok(c, flags)
}

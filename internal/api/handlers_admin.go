package api

import (
	"net/http"
	"time"

	"investment-ledger/internal/admin"
	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type adjustmentRequest struct {
	UserID    string          `json:"user_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction" binding:"required,oneof=credit debit"`
	Reason    string          `json:"reason" binding:"required"`
}

func (s *Server) handleAdjustBalance(c *gin.Context) {
	adminID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	adj, err := s.deps.Admin.AdjustBalance(c.Request.Context(), admin.AdjustmentRequest{
		AdminID:   adminID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Direction: admin.Direction(req.Direction),
		Reason:    req.Reason,
		Origin:    origin(c),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, adj)
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleReverseTransaction(c *gin.Context) {
	adminID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	rev, err := s.deps.Admin.ReverseTransaction(c.Request.Context(), adminID, c.Param("id"), req.Reason, origin(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, rev)
}

func (s *Server) handleAuditTrail(c *gin.Context) {
	limit, offset := page(c)
	p, err := s.deps.Admin.AuditTrail(c.Request.Context(), admin.AuditQuery{
		UserID:     c.Query("user_id"),
		AdminID:    c.Query("admin_id"),
		ActionType: c.Query("action_type"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, p)
}

func (s *Server) handleAdminListWithdrawals(c *gin.Context) {
	limit, offset := page(c)
	ws, err := s.deps.Tracker.Withdrawals(c.Request.Context(), database.WithdrawalFilter{
		UserID: c.Query("user_id"),
		Status: database.WithdrawalStatus(c.DefaultQuery("status", string(database.WithdrawalPending))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if ws == nil {
		ws = []database.Withdrawal{}
	}
	successResponse(c, gin.H{"withdrawals": ws, "limit": limit, "offset": offset})
}

// handleApproveWithdrawal approves a pending withdrawal. Repeating a review
// that already took effect answers 200 with the withdrawal as it stands, the
// same way the gateway acknowledges redelivered events.
func (s *Server) handleApproveWithdrawal(c *gin.Context) {
	adminID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	w, err := s.deps.Admin.ApproveWithdrawal(c.Request.Context(), adminID, c.Param("id"), origin(c))
	if err != nil && !(ledger.IsAlreadyProcessed(err) && w != nil) {
		s.respondError(c, err)
		return
	}
	successResponse(c, w)
}

func (s *Server) handleRejectWithdrawal(c *gin.Context) {
	adminID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	w, err := s.deps.Admin.RejectWithdrawal(c.Request.Context(), adminID, c.Param("id"), req.Reason, origin(c))
	if err != nil && !(ledger.IsAlreadyProcessed(err) && w != nil) {
		s.respondError(c, err)
		return
	}
	successResponse(c, w)
}

type completeRequest struct {
	ExternalRef string `json:"external_ref"`
}

func (s *Server) handleCompleteWithdrawal(c *gin.Context) {
	adminID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req completeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}
	w, err := s.deps.Admin.CompleteWithdrawal(c.Request.Context(), adminID, c.Param("id"), req.ExternalRef, origin(c))
	if err != nil && !(ledger.IsAlreadyProcessed(err) && w != nil) {
		s.respondError(c, err)
		return
	}
	successResponse(c, w)
}

func (s *Server) handleAdminUserBalance(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")
	b, err := s.deps.Projector.Get(ctx, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	report, err := s.deps.Projector.Verify(ctx, userID)
	if err != nil && report == nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, gin.H{
		"balance":           b,
		"available_balance": b.Available(),
		"consistent":        report.Consistent,
		"expected":          report.Expected,
	})
}

func (s *Server) handleReconcileUser(c *gin.Context) {
	adminID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	res, err := s.deps.Admin.Reconcile(c.Request.Context(), adminID, c.Param("id"), req.Reason, origin(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, res)
}

type profitRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// handleRecordProfit credits investment profit, net of the platform fee.
func (s *Server) handleRecordProfit(c *gin.Context) {
	adminID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	if _, err := s.deps.Admin.Authorize(c.Request.Context(), adminID, admin.CapAdjustTransactions); err != nil {
		s.respondError(c, err)
		return
	}
	var req profitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	posting, err := s.deps.Tracker.RecordProfit(c.Request.Context(), c.Param("id"), req.Amount, req.Reference)
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, posting)
}

func (s *Server) handleDrift(c *gin.Context) {
	if s.deps.Reconciler == nil {
		errorResponse(c, http.StatusServiceUnavailable, "reconciler is not running")
		return
	}
	if c.Query("run") == "true" {
		if _, err := s.deps.Reconciler.RunOnce(c.Request.Context()); err != nil {
			s.respondError(c, err)
			return
		}
	}
	lastRun, drifting := s.deps.Reconciler.Drifting()
	body := gin.H{"drifting": drifting, "count": len(drifting)}
	if !lastRun.IsZero() {
		body["last_run"] = lastRun
	}
	successResponse(c, body)
}

func (s *Server) handleDailyReport(c *gin.Context) {
	day := time.Now().UTC()
	if d := c.Query("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	rep, err := s.deps.Reports.DailyReport(c.Request.Context(), day)
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, rep)
}

func (s *Server) handleProfitStatement(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		errorResponse(c, http.StatusBadRequest, "user_id is required")
		return
	}
	to := time.Now().UTC()
	from := to.AddDate(0, -1, 0)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			errorResponse(c, http.StatusBadRequest, "from must be RFC3339")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			errorResponse(c, http.StatusBadRequest, "to must be RFC3339")
			return
		}
	}
	st, err := s.deps.Reports.ProfitStatement(c.Request.Context(), userID, from, to)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	successResponse(c, st)
}

// handleDistributeBonus retries a single pending bonus.
func (s *Server) handleDistributeBonus(c *gin.Context) {
	adminID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	if s.deps.Referrals == nil {
		errorResponse(c, http.StatusServiceUnavailable, "referrals are not available")
		return
	}
	if _, err := s.deps.Admin.Authorize(c.Request.Context(), adminID, admin.CapAdjustTransactions); err != nil {
		s.respondError(c, err)
		return
	}
	b, err := s.deps.Referrals.Distribute(c.Request.Context(), c.Param("id"))
	if err != nil && !(ledger.IsAlreadyProcessed(err) && b != nil) {
		s.respondError(c, err)
		return
	}
	successResponse(c, b)
}

package api

import (
	"net/http"
	"strconv"
	"strings"

	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"
	"investment-ledger/internal/payments"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// page reads limit and offset query parameters.
func page(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

type balanceResponse struct {
	*ledger.Balance
	Available decimal.Decimal `json:"available_balance"`
}

func (s *Server) handleGetBalance(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	b, err := s.deps.Projector.Get(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, balanceResponse{Balance: b, Available: b.Available()})
}

func (s *Server) handleListTransactions(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	limit, offset := page(c)
	filter := database.EntryFilter{UserID: userID, Limit: limit, Offset: offset}
	if k := c.Query("kind"); k != "" {
		kind := ledger.Kind(k)
		if !kind.Valid() {
			errorResponse(c, http.StatusBadRequest, "unknown transaction kind "+k)
			return
		}
		filter.Kinds = []ledger.Kind{kind}
	}
	if st := c.Query("state"); st != "" {
		filter.States = []ledger.State{ledger.State(st)}
	}

	entries, err := s.deps.Store.ListEntries(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	successResponse(c, gin.H{"transactions": entries, "limit": limit, "offset": offset})
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	e, err := s.deps.Store.GetEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if e.UserID != userID {
		errorResponse(c, http.StatusNotFound, "transaction not found")
		return
	}
	successResponse(c, e)
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method" binding:"required"`
}

func (s *Server) handleInitiateDeposit(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	dep, err := s.deps.Tracker.InitiateDeposit(c.Request.Context(), userID, req.Amount, req.Method)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": dep})
}

func (s *Server) handleListDeposits(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	limit, offset := page(c)
	deps, err := s.deps.Tracker.Deposits(c.Request.Context(), database.DepositFilter{
		UserID: userID,
		Status: database.DepositStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if deps == nil {
		deps = []database.Deposit{}
	}
	successResponse(c, gin.H{"deposits": deps, "limit": limit, "offset": offset})
}

func (s *Server) handleGetDeposit(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	dep, err := s.deps.Tracker.Deposit(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if dep.UserID != userID {
		errorResponse(c, http.StatusNotFound, "deposit not found")
		return
	}
	successResponse(c, dep)
}

type withdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method" binding:"required"`
	Destination string          `json:"destination"`
}

func (s *Server) handleRequestWithdrawal(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	w, err := s.deps.Tracker.RequestWithdrawal(c.Request.Context(), payments.WithdrawalRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Method:      strings.ToLower(strings.TrimSpace(req.Method)),
		Destination: strings.TrimSpace(req.Destination),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": w})
}

func (s *Server) handleListWithdrawals(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	limit, offset := page(c)
	ws, err := s.deps.Tracker.Withdrawals(c.Request.Context(), database.WithdrawalFilter{
		UserID: userID,
		Status: database.WithdrawalStatus(c.Query("status")),
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

func (s *Server) handleGetWithdrawal(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	w, err := s.deps.Tracker.Withdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if w.UserID != userID {
		errorResponse(c, http.StatusNotFound, "withdrawal not found")
		return
	}
	successResponse(c, w)
}

type referralRequest struct {
	ReferrerID string `json:"referrer_id" binding:"required"`
}

// handleRegisterReferral records that the caller was referred by referrer_id.
func (s *Server) handleRegisterReferral(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	if s.deps.Referrals == nil {
		errorResponse(c, http.StatusServiceUnavailable, "referrals are not available")
		return
	}
	var req referralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	ref, err := s.deps.Referrals.Register(c.Request.Context(), req.ReferrerID, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": ref})
}

func (s *Server) handleReferralStats(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	if s.deps.Referrals == nil {
		errorResponse(c, http.StatusServiceUnavailable, "referrals are not available")
		return
	}
	st, err := s.deps.Referrals.Stats(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, st)
}

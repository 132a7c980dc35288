package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"a2aexchange/ledger"
	"a2aexchange/models"
)

// requireActive blocks suspended accounts from mutating operations. They
// may still read, release and be released to.
func requireActive(acct *models.Account) error {
	if acct.Status == models.StatusSuspended {
		return ledger.E(ledger.CodeForbidden, "Account is suspended")
	}
	return nil
}

type depositRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	if err := requireActive(acct); err != nil {
		respondError(w, r, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	bal, err := s.engine.Deposit(r.Context(), acct.ID, req.Amount, strings.TrimSpace(req.Reference))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"balance": balanceView(bal)})
}

func balanceView(bal *models.Balance) map[string]any {
	return map[string]any{
		"account_id":     bal.AccountID,
		"available":      bal.Available,
		"held_in_escrow": bal.HeldInEscrow,
		"total_earned":   bal.TotalEarned,
		"total_spent":    bal.TotalSpent,
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	bal, err := s.engine.BalanceOf(r.Context(), acct.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"balance": balanceView(bal)})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	txs, err := s.engine.Transactions(r.Context(), acct.ID, limit, offset)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for i := range txs {
		out = append(out, transactionView(&txs[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": out, "count": len(out)})
}

func transactionView(tx *models.Transaction) map[string]any {
	view := map[string]any{
		"id":          tx.ID,
		"amount":      tx.Amount,
		"type":        tx.TxType,
		"description": tx.Description,
		"created_at":  tx.CreatedAt.UTC().Format(time.RFC3339),
	}
	if tx.EscrowID != nil {
		view["escrow_id"] = *tx.EscrowID
	}
	if tx.FromAccount != nil {
		view["from_account"] = *tx.FromAccount
	}
	if tx.ToAccount != nil {
		view["to_account"] = *tx.ToAccount
	}
	return view
}

type escrowRequest struct {
	ProviderID   string               `json:"provider_id"`
	Amount       int64                `json:"amount"`
	TaskID       *string              `json:"task_id"`
	TaskType     *string              `json:"task_type"`
	TTLMinutes   int                  `json:"ttl_minutes"`
	GroupID      *string              `json:"group_id"`
	DependsOn    []string             `json:"depends_on"`
	Deliverables []models.Deliverable `json:"deliverables"`
}

func (req *escrowRequest) toParams() ledger.CreateParams {
	return ledger.CreateParams{
		ProviderID:   strings.TrimSpace(req.ProviderID),
		Amount:       req.Amount,
		TaskID:       req.TaskID,
		TaskType:     req.TaskType,
		TTLMinutes:   req.TTLMinutes,
		GroupID:      req.GroupID,
		DependsOn:    req.DependsOn,
		Deliverables: req.Deliverables,
	}
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	if err := requireActive(acct); err != nil {
		respondError(w, r, err)
		return
	}
	var req escrowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	esc, err := s.engine.CreateEscrow(r.Context(), acct.ID, req.toParams())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"escrow": escrowView(esc)})
}

type escrowBatchRequest struct {
	Escrows []escrowRequest `json:"escrows"`
}

func (s *Server) handleEscrowBatch(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	if err := requireActive(acct); err != nil {
		respondError(w, r, err)
		return
	}
	var req escrowBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if len(req.Escrows) > 20 {
		respondError(w, r, ledger.E(ledger.CodeValidationFailed, "Batch size is limited to 20 escrows"))
		return
	}
	items := make([]ledger.CreateParams, 0, len(req.Escrows))
	for i := range req.Escrows {
		items = append(items, req.Escrows[i].toParams())
	}
	escrows, groupID, err := s.engine.CreateEscrowBatch(r.Context(), acct.ID, items)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(escrows))
	for i := range escrows {
		out = append(out, escrowView(&escrows[i]))
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"group_id": groupID,
		"escrows":  out,
	})
}

func escrowView(esc *models.Escrow) map[string]any {
	view := map[string]any{
		"id":           esc.ID,
		"requester_id": esc.RequesterID,
		"provider_id":  esc.ProviderID,
		"amount":       esc.Amount,
		"fee_amount":   esc.FeeAmount,
		"total_held":   esc.TotalHeld(),
		"status":       esc.Status,
		"expires_at":   esc.ExpiresAt.UTC().Format(time.RFC3339),
		"created_at":   esc.CreatedAt.UTC().Format(time.RFC3339),
	}
	if esc.TaskID != nil {
		view["task_id"] = *esc.TaskID
	}
	if esc.TaskType != nil {
		view["task_type"] = *esc.TaskType
	}
	if esc.GroupID != nil {
		view["group_id"] = *esc.GroupID
	}
	if len(esc.DependsOn) > 0 {
		view["depends_on"] = esc.DependsOn
	}
	if len(esc.Deliverables) > 0 {
		view["deliverables"] = esc.Deliverables
	}
	if esc.DisputeReason != nil {
		view["dispute_reason"] = *esc.DisputeReason
	}
	if esc.DisputeExpiresAt != nil {
		view["dispute_expires_at"] = esc.DisputeExpiresAt.UTC().Format(time.RFC3339)
	}
	if esc.ResolutionStrategy != nil {
		view["resolution_strategy"] = *esc.ResolutionStrategy
	}
	if esc.ResolvedAt != nil {
		view["resolved_at"] = esc.ResolvedAt.UTC().Format(time.RFC3339)
	}
	if esc.ResolvedBy != nil {
		view["resolved_by"] = *esc.ResolvedBy
	}
	return view
}

func (s *Server) handleEscrowList(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	escrows, err := s.engine.ListEscrows(r.Context(), acct.ID, ledger.EscrowFilter{
		Status:  models.EscrowStatus(q.Get("status")),
		Role:    q.Get("role"),
		GroupID: q.Get("group_id"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(escrows))
	for i := range escrows {
		out = append(out, escrowView(&escrows[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"escrows": out, "count": len(out)})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	esc, err := s.engine.GetEscrow(r.Context(), chi.URLParam(r, "escrow_id"), acct.ID,
		acct.Status == models.StatusOperator)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"escrow": escrowView(esc)})
}

type releaseRequest struct {
	EscrowID string `json:"escrow_id"`
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	esc, err := s.engine.Release(r.Context(), strings.TrimSpace(req.EscrowID), acct.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"escrow": escrowView(esc)})
}

type refundRequest struct {
	EscrowID string `json:"escrow_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	esc, err := s.engine.Refund(r.Context(), strings.TrimSpace(req.EscrowID), acct.ID, strings.TrimSpace(req.Reason))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"escrow": escrowView(esc)})
}

type disputeRequest struct {
	EscrowID string `json:"escrow_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	var req disputeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		respondError(w, r, ledger.E(ledger.CodeValidationFailed, "A dispute reason is required"))
		return
	}
	esc, err := s.engine.Dispute(r.Context(), strings.TrimSpace(req.EscrowID), acct.ID, req.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"escrow": escrowView(esc)})
}

type resolveRequest struct {
	EscrowID   string  `json:"escrow_id"`
	Resolution string  `json:"resolution"`
	Strategy   *string `json:"strategy"`
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	esc, err := s.engine.Resolve(r.Context(), strings.TrimSpace(req.EscrowID), acct.ID, req.Resolution, req.Strategy)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"escrow": escrowView(esc)})
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"a2aexchange/ledger"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.ExchangeStats(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"network": map[string]any{
			"total_bots":  stats.TotalAccounts,
			"active_bots": stats.ActiveAccounts,
		},
		"token_supply": map[string]any{
			"circulating": stats.Circulating,
			"in_escrow":   stats.InEscrow,
			"total":       stats.TotalSupply(),
		},
		"activity_24h": map[string]any{
			"transaction_count": stats.TxCount24h,
			"token_volume":      stats.TxVolume24h,
			"velocity":          stats.Velocity,
		},
		"treasury": map[string]any{
			"fees_collected": stats.FeesCollected,
		},
		"active_escrows": stats.ActiveEscrows,
	})
}

// handleComplianceRoot returns the current Merkle root of the attestation
// log and the number of entries beneath it.
func (s *Server) handleComplianceRoot(w http.ResponseWriter, r *http.Request) {
	root, count, err := s.recorder.Log().Root(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"root":       root,
		"leaf_count": count,
	})
}

// handleComplianceProof returns the attestation at a position together with
// its inclusion proof against the current root.
func (s *Server) handleComplianceProof(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.ParseInt(chi.URLParam(r, "position"), 10, 64)
	if err != nil || position < 0 {
		respondError(w, r, ledger.E(ledger.CodeValidationFailed, "position must be a non-negative integer"))
		return
	}
	log := s.recorder.Log()
	leaf, err := log.Leaf(r.Context(), position)
	if err != nil {
		respondError(w, r, ledger.E(ledger.CodeNotFound, "No attestation at position %d", position))
		return
	}
	proof, err := log.Proof(r.Context(), position)
	if err != nil {
		respondError(w, r, err)
		return
	}
	root, count, err := log.Root(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	var payload map[string]any
	_ = json.Unmarshal([]byte(leaf.PayloadJSON), &payload)
	response := map[string]any{
		"position":   position,
		"payload":    payload,
		"data_hash":  leaf.DataHash,
		"proof":      proof,
		"root":       root,
		"leaf_count": count,
	}
	if len(leaf.TSAToken) > 0 && leaf.TSAStampedAt != nil {
		response["tsa_stamped_at"] = leaf.TSAStampedAt.UTC()
	}
	respondJSON(w, http.StatusOK, response)
}

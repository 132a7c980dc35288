package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"a2aexchange/auth"
	"a2aexchange/ledger"
	"a2aexchange/models"
	"a2aexchange/observability/logging"
	"a2aexchange/webhooks"
)

func knownEvent(event string) bool {
	for _, known := range webhooks.AllEvents {
		if event == known {
			return true
		}
	}
	return false
}

type registerRequest struct {
	BotName         string   `json:"bot_name"`
	DeveloperID     string   `json:"developer_id"`
	DeveloperName   string   `json:"developer_name"`
	ContactEmail    string   `json:"contact_email"`
	Description     string   `json:"description"`
	Skills          []string `json:"skills"`
	InviteCode      string   `json:"invite_code"`
	DailySpendLimit *int64   `json:"daily_spend_limit"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.BotName = strings.TrimSpace(req.BotName)
	if req.BotName == "" || len(req.BotName) > 255 {
		respondError(w, r, ledger.E(ledger.CodeValidationFailed, "bot_name is required and must be at most 255 characters"))
		return
	}
	if req.DeveloperID = strings.TrimSpace(req.DeveloperID); req.DeveloperID == "" {
		respondError(w, r, ledger.E(ledger.CodeValidationFailed, "developer_id is required"))
		return
	}
	if s.cfg.InviteCode != "" && req.InviteCode != s.cfg.InviteCode {
		respondError(w, r, ledger.E(ledger.CodeForbidden, "A valid invite code is required to register"))
		return
	}
	if req.DailySpendLimit != nil && *req.DailySpendLimit <= 0 {
		respondError(w, r, ledger.E(ledger.CodeValidationFailed, "daily_spend_limit must be positive"))
		return
	}

	apiKey, err := auth.NewAPIKey()
	if err != nil {
		respondError(w, r, err)
		return
	}
	keyHash, err := auth.HashKey(apiKey, s.cfg.APIKeySaltRounds)
	if err != nil {
		respondError(w, r, err)
		return
	}

	now := s.nowFn().UTC()
	acct := models.Account{
		ID:              uuid.NewString(),
		BotName:         req.BotName,
		DeveloperID:     req.DeveloperID,
		DeveloperName:   strings.TrimSpace(req.DeveloperName),
		ContactEmail:    strings.TrimSpace(req.ContactEmail),
		APIKeyHash:      keyHash,
		Description:     req.Description,
		Skills:          normaliseSkills(req.Skills),
		Status:          models.StatusActive,
		Reputation:      0.5,
		DailySpendLimit: req.DailySpendLimit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&acct).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.Balance{
			AccountID: acct.ID,
			Available: s.cfg.StarterTokens,
			UpdatedAt: now,
		}).Error; err != nil {
			return err
		}
		return s.engine.Mint(tx, acct.ID, s.cfg.StarterTokens, "Starter token allocation")
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(w, r, ledger.E(ledger.CodeValidationFailed, "bot_name %q is already registered", req.BotName))
			return
		}
		respondError(w, r, err)
		return
	}

	s.log.Info("account registered", "account", acct.ID, "bot_name", acct.BotName)
	respondJSON(w, http.StatusCreated, map[string]any{
		"account": accountView(&acct),
		// Shown exactly once; only the bcrypt hash is stored.
		"api_key":        apiKey,
		"starter_tokens": s.cfg.StarterTokens,
	})
}

func normaliseSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	seen := map[string]bool{}
	for _, skill := range skills {
		skill = strings.ToLower(strings.TrimSpace(skill))
		if skill == "" || seen[skill] {
			continue
		}
		seen[skill] = true
		out = append(out, skill)
	}
	return out
}

func accountView(acct *models.Account) map[string]any {
	view := map[string]any{
		"id":         acct.ID,
		"bot_name":   acct.BotName,
		"skills":     acct.Skills,
		"status":     acct.Status,
		"reputation": acct.Reputation,
		"created_at": acct.CreatedAt.UTC().Format(time.RFC3339),
	}
	if acct.Description != "" {
		view["description"] = acct.Description
	}
	return view
}

// handleDirectory lists active providers, optionally filtered by skill.
func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	q := s.db.WithContext(r.Context()).
		Where("status = ?", models.StatusActive).
		Order("reputation desc, bot_name asc")
	if skill := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("skill"))); skill != "" {
		// Skills are stored as a JSON array; a LIKE on the quoted value
		// works identically on sqlite and postgres.
		q = q.Where("skills LIKE ?", "%\""+skill+"\"%")
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset, _ := strconv.Atoi(r.URL.Query().Get("offset")); offset > 0 {
		q = q.Offset(offset)
	}
	var accounts []models.Account
	if err := q.Limit(limit).Find(&accounts).Error; err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(accounts))
	for i := range accounts {
		out = append(out, accountView(&accounts[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"accounts": out, "count": len(out)})
}

func (s *Server) handleAccountMe(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	view := accountView(acct)
	view["developer_id"] = acct.DeveloperID
	view["contact_email"] = acct.ContactEmail
	if acct.DailySpendLimit != nil {
		view["daily_spend_limit"] = *acct.DailySpendLimit
	}
	if acct.FrozenUntil != nil {
		view["frozen_until"] = acct.FrozenUntil.UTC().Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, map[string]any{"account": view})
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var acct models.Account
	if err := s.db.WithContext(r.Context()).First(&acct, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, r, ledger.E(ledger.CodeNotFound, "Account not found"))
			return
		}
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"account": accountView(&acct)})
}

type skillsRequest struct {
	Skills []string `json:"skills"`
}

func (s *Server) handleSkillsUpdate(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	var req skillsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	skills := normaliseSkills(req.Skills)
	if len(skills) > 50 {
		respondError(w, r, ledger.E(ledger.CodeValidationFailed, "At most 50 skills are allowed"))
		return
	}
	acct.Skills = skills
	acct.UpdatedAt = s.nowFn().UTC()
	if err := s.db.WithContext(r.Context()).Save(acct).Error; err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"account": accountView(acct)})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	newKey, err := s.authn.Rotate(r.Context(), acct.ID, s.cfg.APIKeySaltRounds)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.log.Info("api key rotated", "account", acct.ID, "key", logging.MaskCredential(newKey))
	respondJSON(w, http.StatusOK, map[string]any{
		"api_key":             newKey,
		"grace_window_minutes": s.cfg.KeyRotationGraceMinutes,
	})
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (s *Server) handleWebhookPut(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		respondError(w, r, ledger.E(ledger.CodeValidationFailed, "url must be an http(s) endpoint"))
		return
	}
	for _, event := range req.Events {
		if !knownEvent(event) {
			respondError(w, r, ledger.E(ledger.CodeValidationFailed, "Unknown event %q", event))
			return
		}
	}

	now := s.nowFn().UTC()
	var (
		cfg    models.WebhookConfig
		secret string
	)
	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("account_id = ?", acct.ID).First(&cfg).Error
		if err == nil {
			// Replacing an existing config keeps its signing secret.
			cfg.URL = req.URL
			cfg.Events = req.Events
			cfg.Active = true
			cfg.UpdatedAt = now
			return tx.Save(&cfg).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		secret, err = auth.NewWebhookSecret()
		if err != nil {
			return err
		}
		cfg = models.WebhookConfig{
			AccountID: acct.ID,
			URL:       req.URL,
			Secret:    secret,
			Events:    req.Events,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(&cfg).Error
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	resp := map[string]any{
		"url":    cfg.URL,
		"events": cfg.Events,
		"active": true,
		// Shown once at creation; used to verify X-A2ASE-Signature.
		"secret": nil,
	}
	if secret != "" {
		resp["secret"] = secret
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	if err := s.db.WithContext(r.Context()).
		Delete(&models.WebhookConfig{}, "account_id = ?", acct.ID).Error; err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type suspendRequest struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// handleSuspend flips an account between active and suspended. Operator only.
func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	caller := accountFrom(r.Context())
	if caller.Status != models.StatusOperator {
		respondError(w, r, ledger.E(ledger.CodeForbidden, "Only the exchange operator can suspend accounts"))
		return
	}
	var req suspendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	var target models.Account
	if err := s.db.WithContext(r.Context()).First(&target, "id = ?", strings.TrimSpace(req.AccountID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, r, ledger.E(ledger.CodeNotFound, "Account not found"))
			return
		}
		respondError(w, r, err)
		return
	}
	if target.Status == models.StatusOperator {
		respondError(w, r, ledger.E(ledger.CodeForbidden, "Operator accounts cannot be suspended"))
		return
	}
	if target.Status == models.StatusSuspended {
		target.Status = models.StatusActive
	} else {
		target.Status = models.StatusSuspended
	}
	target.UpdatedAt = s.nowFn().UTC()
	if err := s.db.WithContext(r.Context()).Save(&target).Error; err != nil {
		respondError(w, r, err)
		return
	}
	s.log.Info("account status changed",
		"account", target.ID, "status", target.Status, "by", caller.ID, "reason", req.Reason)
	respondJSON(w, http.StatusOK, map[string]any{"account": accountView(&target)})
}

type unfreezeRequest struct {
	AccountID string `json:"account_id"`
}

// handleUnfreeze clears a spending-guard freeze. Operator only.
func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	caller := accountFrom(r.Context())
	if caller.Status != models.StatusOperator {
		respondError(w, r, ledger.E(ledger.CodeForbidden, "Only the exchange operator can unfreeze accounts"))
		return
	}
	var req unfreezeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := strings.TrimSpace(req.AccountID)
	if err := s.guard.Unfreeze(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	s.log.Info("account unfrozen", "account", id, "by", caller.ID)
	respondJSON(w, http.StatusOK, map[string]any{"unfrozen": true})
}

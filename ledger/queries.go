package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"gorm.io/gorm"

	"a2aexchange/models"
)

// BalanceOf returns the current book entries for an account.
func (e *Engine) BalanceOf(ctx context.Context, accountID string) (*models.Balance, error) {
	var bal models.Balance
	err := e.db.WithContext(ctx).First(&bal, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, E(CodeNotFound, "Account not found")
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// Transactions lists ledger entries touching the account, newest first.
func (e *Engine) Transactions(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txs []models.Transaction
	err := e.db.WithContext(ctx).
		Where("from_account = ? OR to_account = ?", accountID, accountID).
		Order("created_at desc").
		Limit(limit).Offset(offset).
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// EscrowFilter narrows ListEscrows. Zero values mean no filter.
type EscrowFilter struct {
	Status  models.EscrowStatus
	Role    string // "requester", "provider" or "" for both
	GroupID string
	Limit   int
	Offset  int
}

// ListEscrows returns escrows where the account participates, newest first.
func (e *Engine) ListEscrows(ctx context.Context, accountID string, f EscrowFilter) ([]models.Escrow, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	q := e.db.WithContext(ctx).Model(&models.Escrow{})
	switch f.Role {
	case "requester":
		q = q.Where("requester_id = ?", accountID)
	case "provider":
		q = q.Where("provider_id = ?", accountID)
	default:
		q = q.Where("requester_id = ? OR provider_id = ?", accountID, accountID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.GroupID != "" {
		q = q.Where("group_id = ?", f.GroupID)
	}
	var escrows []models.Escrow
	if err := q.Order("created_at desc").Limit(f.Limit).Offset(f.Offset).Find(&escrows).Error; err != nil {
		return nil, err
	}
	return escrows, nil
}

// GetEscrow returns a single escrow visible to the caller. Operators may see
// any escrow; participants only their own.
func (e *Engine) GetEscrow(ctx context.Context, escrowID, callerID string, operator bool) (*models.Escrow, error) {
	var esc models.Escrow
	err := e.db.WithContext(ctx).First(&esc, "id = ?", escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, E(CodeNotFound, "Escrow not found")
	}
	if err != nil {
		return nil, err
	}
	if !operator && esc.RequesterID != callerID && esc.ProviderID != callerID {
		return nil, E(CodeForbidden, "You are not a party to this escrow")
	}
	return &esc, nil
}

// Stats aggregates exchange-wide totals for the public stats endpoint:
// network size, token supply, 24-hour activity, treasury fees and the
// number of live escrows.
type Stats struct {
	TotalAccounts  int64
	ActiveAccounts int64
	Circulating    int64
	InEscrow       int64
	TxCount24h     int64
	TxVolume24h    int64
	Velocity       float64
	FeesCollected  int64
	ActiveEscrows  int64
}

// TotalSupply is every token on the books, circulating or held.
func (s *Stats) TotalSupply() int64 { return s.Circulating + s.InEscrow }

// ExchangeStats computes the aggregate view in independent read queries.
// Velocity is 24-hour volume over total supply, rounded to four decimals.
func (e *Engine) ExchangeStats(ctx context.Context) (*Stats, error) {
	db := e.db.WithContext(ctx)
	var s Stats
	if err := db.Model(&models.Account{}).Count(&s.TotalAccounts).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Account{}).Where("status = ?", models.StatusActive).Count(&s.ActiveAccounts).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Escrow{}).Where("status = ?", models.EscrowHeld).Count(&s.ActiveEscrows).Error; err != nil {
		return nil, err
	}

	type sum struct{ Total int64 }
	var avail, held sum
	if err := db.Model(&models.Balance{}).
		Select("COALESCE(SUM(available), 0) AS total").Scan(&avail).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Balance{}).
		Select("COALESCE(SUM(held_in_escrow), 0) AS total").Scan(&held).Error; err != nil {
		return nil, err
	}
	s.Circulating = avail.Total
	s.InEscrow = held.Total

	dayAgo := e.now().UTC().Add(-24 * time.Hour)
	if err := db.Model(&models.Transaction{}).
		Where("created_at >= ?", dayAgo).
		Count(&s.TxCount24h).Error; err != nil {
		return nil, err
	}
	var volume sum
	if err := db.Model(&models.Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("created_at >= ?", dayAgo).
		Scan(&volume).Error; err != nil {
		return nil, err
	}
	s.TxVolume24h = volume.Total

	var fees sum
	if err := db.Model(&models.Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("tx_type = ?", models.TxFee).
		Scan(&fees).Error; err != nil {
		return nil, err
	}
	s.FeesCollected = fees.Total

	supply := s.TotalSupply()
	if supply <= 0 {
		supply = 1
	}
	s.Velocity = math.Round(float64(s.TxVolume24h)/float64(supply)*10000) / 10000
	return &s, nil
}

// DB exposes the underlying handle for collaborating packages (accounts
// service, seeder) that share the engine's database.
func (e *Engine) DB() *gorm.DB { return e.db }

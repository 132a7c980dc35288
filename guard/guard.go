// Package guard enforces per-account spending limits as a circuit breaker in
// front of the ledger. Breaches freeze the account in a transaction
// independent of the caller's, so the freeze survives the settlement
// rollback that the breach itself triggers.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"a2aexchange/ledger"
	"a2aexchange/models"
)

// Config tunes the guard windows.
type Config struct {
	// DefaultDailyLimit applies when the account has no explicit limit.
	// Zero disables the rolling-window check for such accounts.
	DefaultDailyLimit int64
	// WindowHours is the rolling spend window, normally 24.
	WindowHours int
	// HourlyVelocityLimit caps tokens held into escrow per hour. Zero
	// disables.
	HourlyVelocityLimit int64
	// FreezeDuration is how long a breaching account stays frozen.
	FreezeDuration time.Duration
}

// EventSink receives account-scoped notifications raised by the guard.
// Satisfied by the webhooks dispatcher.
type EventSink interface {
	AccountEvent(event, accountID string, data map[string]any)
}

// Guard checks prospective holds against rolling spend and velocity limits.
type Guard struct {
	db     *gorm.DB
	cfg    Config
	log    *slog.Logger
	events EventSink
	nowFn  func() time.Time
}

func New(db *gorm.DB, cfg Config, log *slog.Logger) *Guard {
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.FreezeDuration <= 0 {
		cfg.FreezeDuration = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{db: db, cfg: cfg, log: log, nowFn: time.Now}
}

// SetEventSink attaches the webhook dispatcher that breach notifications
// fan out through. Nil leaves breaches unannounced.
func (g *Guard) SetEventSink(sink EventSink) {
	g.events = sink
}

// SetNowFunc overrides the time source for tests.
func (g *Guard) SetNowFunc(now func() time.Time) {
	if now == nil {
		g.nowFn = time.Now
		return
	}
	g.nowFn = now
}

// Check validates accountID holding newHold more tokens. It reads through tx
// so it observes the caller's uncommitted state, but writes freezes through
// the guard's own db handle. Returns ACCOUNT_FROZEN while a freeze is in
// effect and SPEND_LIMIT_BREACHED on a fresh breach.
func (g *Guard) Check(ctx context.Context, tx *gorm.DB, accountID string, newHold int64) error {
	now := g.nowFn().UTC()

	var acct models.Account
	if err := tx.First(&acct, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.E(ledger.CodeNotFound, "Account not found")
		}
		return err
	}
	if acct.FrozenUntil != nil {
		if acct.FrozenUntil.After(now) {
			return ledger.E(ledger.CodeAccountFrozen,
				"Account is frozen until %s due to a spending limit breach",
				acct.FrozenUntil.UTC().Format(time.RFC3339)).
				WithDetails(map[string]any{"frozen_until": acct.FrozenUntil.UTC().Format(time.RFC3339)})
		}
		// Lapsed freeze; clear it in the caller's transaction so it commits
		// together with the hold being checked.
		if err := tx.Model(&models.Account{}).
			Where("id = ?", accountID).
			Update("frozen_until", nil).Error; err != nil {
			return err
		}
	}

	limit := g.cfg.DefaultDailyLimit
	if acct.DailySpendLimit != nil {
		limit = *acct.DailySpendLimit
	}
	windowStart := now.Add(-time.Duration(g.cfg.WindowHours) * time.Hour)

	if limit > 0 {
		var spent struct{ Total int64 }
		if err := tx.Model(&models.Transaction{}).
			Select("COALESCE(SUM(amount), 0) AS total").
			Where("from_account = ? AND tx_type = ? AND created_at >= ?",
				accountID, models.TxEscrowHold, windowStart).
			Scan(&spent).Error; err != nil {
			return err
		}
		if spent.Total+newHold > limit {
			return g.freeze(ctx, accountID, now, "rolling window limit", map[string]any{
				"limit":        limit,
				"window_hours": g.cfg.WindowHours,
				"spent":        spent.Total,
				"attempted":    newHold,
			})
		}
	}

	if g.cfg.HourlyVelocityLimit > 0 {
		var spent struct{ Total int64 }
		if err := tx.Model(&models.Transaction{}).
			Select("COALESCE(SUM(amount), 0) AS total").
			Where("from_account = ? AND tx_type = ? AND created_at >= ?",
				accountID, models.TxEscrowHold, now.Add(-time.Hour)).
			Scan(&spent).Error; err != nil {
			return err
		}
		if spent.Total+newHold > g.cfg.HourlyVelocityLimit {
			return g.freeze(ctx, accountID, now, "hourly velocity limit", map[string]any{
				"limit":     g.cfg.HourlyVelocityLimit,
				"spent":     spent.Total,
				"attempted": newHold,
			})
		}
	}
	return nil
}

// freeze writes FrozenUntil via the guard's own connection, outside the
// caller's transaction, then returns the breach error that rolls the caller
// back.
func (g *Guard) freeze(ctx context.Context, accountID string, now time.Time, kind string, details map[string]any) error {
	frozenUntil := now.Add(g.cfg.FreezeDuration)
	err := g.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("frozen_until", frozenUntil).Error
	if err != nil {
		g.log.Error("failed to persist spending freeze", "account", accountID, "error", err)
	} else {
		g.log.Warn("account frozen by spending guard",
			"account", accountID, "kind", kind, "frozen_until", frozenUntil)
		if g.events != nil {
			g.events.AccountEvent("account.spending_limit_breached", accountID, map[string]any{
				"account_id":   accountID,
				"frozen_until": frozenUntil.UTC().Format(time.RFC3339),
				"reason":       kind,
			})
		}
	}
	details["frozen_until"] = frozenUntil.UTC().Format(time.RFC3339)
	return ledger.E(ledger.CodeSpendLimitBreached,
		"Spending %s breached; account frozen until %s",
		kind, frozenUntil.UTC().Format(time.RFC3339)).WithDetails(details)
}

// Unfreeze clears a freeze early. Operator-only at the API layer.
func (g *Guard) Unfreeze(ctx context.Context, accountID string) error {
	return g.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("frozen_until", nil).Error
}

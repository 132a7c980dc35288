package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"a2aexchange/models"
)

// SweepResult summarises one observer pass.
type SweepResult struct {
	Expired        int
	DisputesClosed int
	Warnings       int
}

// Sweep runs one full background pass: expire held escrows past their TTL,
// close disputes whose mediation window lapsed, and warn parties about
// escrows expiring soon. Each phase runs in its own transaction so one
// failure does not starve the others.
func (e *Engine) Sweep(ctx context.Context, warningWindow time.Duration) (SweepResult, error) {
	var result SweepResult

	expired, err := e.sweepExpired(ctx)
	if err != nil {
		return result, err
	}
	result.Expired = expired

	closed, err := e.sweepDisputes(ctx)
	if err != nil {
		return result, err
	}
	result.DisputesClosed = closed

	if warningWindow > 0 {
		warned, err := e.sweepWarnings(ctx, warningWindow)
		if err != nil {
			return result, err
		}
		result.Warnings = warned
	}
	return result, nil
}

func (e *Engine) sweepExpired(ctx context.Context) (int, error) {
	var events []pendingEvent
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		expired, err := e.expireStaleHeld(tx)
		if err != nil {
			return err
		}
		events = append(events, expired...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.emit(ctx, events)
	return len(events), nil
}

// sweepDisputes refunds disputed escrows whose mediation deadline passed
// without an operator ruling. The requester gets the full hold back; the
// provider's reputation is untouched since nobody adjudicated fault.
func (e *Engine) sweepDisputes(ctx context.Context) (int, error) {
	var events []pendingEvent
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		now := e.now()
		var lapsed []models.Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND dispute_expires_at IS NOT NULL AND dispute_expires_at < ?",
				models.EscrowDisputed, now).
			Order("created_at asc").
			Find(&lapsed).Error; err != nil {
			return err
		}
		for i := range lapsed {
			esc := lapsed[i]
			strategy := "dispute_timeout_refund"
			esc.ResolutionStrategy = &strategy
			if err := e.refundLocked(tx, &esc, models.EscrowRefunded,
				"Dispute window elapsed without mediation - refunded to requester", false); err != nil {
				return err
			}
			events = append(events, pendingEvent{event: "escrow.resolved", esc: esc})
			cascaded, err := e.cascadeRefund(tx, esc.ID)
			if err != nil {
				return err
			}
			events = append(events, cascaded...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.emit(ctx, events)
	return len(events), nil
}

// sweepWarnings fires escrow.expiring_soon exactly once per escrow when it
// enters the warning window.
func (e *Engine) sweepWarnings(ctx context.Context, window time.Duration) (int, error) {
	var events []pendingEvent
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		now := e.now()
		deadline := now.Add(window)
		var expiring []models.Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND warning_sent_at IS NULL AND expires_at > ? AND expires_at <= ?",
				models.EscrowHeld, now, deadline).
			Find(&expiring).Error; err != nil {
			return err
		}
		for i := range expiring {
			esc := expiring[i]
			esc.WarningSentAt = &now
			if err := tx.Save(&esc).Error; err != nil {
				return err
			}
			events = append(events, pendingEvent{event: "escrow.expiring_soon", esc: esc})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.emit(ctx, events)
	return len(events), nil
}

// Package observer runs the background sweep that expires timed-out
// escrows, closes lapsed disputes and emits expiry warnings.
package observer

import (
	"context"
	"log/slog"
	"time"

	"a2aexchange/ledger"
)

// Observer periodically invokes the ledger sweep.
type Observer struct {
	engine        *ledger.Engine
	interval      time.Duration
	warningWindow time.Duration
	log           *slog.Logger
}

func New(engine *ledger.Engine, interval, warningWindow time.Duration, log *slog.Logger) *Observer {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Observer{
		engine:        engine,
		interval:      interval,
		warningWindow: warningWindow,
		log:           log,
	}
}

// Run sweeps until the context is cancelled. An immediate pass runs at
// startup so a restarted exchange catches up on missed expiries.
func (o *Observer) Run(ctx context.Context) {
	o.sweep(ctx)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Observer) sweep(ctx context.Context) {
	result, err := o.engine.Sweep(ctx, o.warningWindow)
	if err != nil {
		o.log.Error("escrow sweep failed", "error", err)
		return
	}
	if result.Expired > 0 || result.DisputesClosed > 0 || result.Warnings > 0 {
		o.log.Info("escrow sweep completed",
			"expired", result.Expired,
			"disputes_closed", result.DisputesClosed,
			"warnings", result.Warnings)
	}
}

// Package metrics exposes Prometheus collectors for the exchange.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"a2aexchange/models"
)

var (
	escrowEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2a_exchange",
		Name:      "escrow_events_total",
		Help:      "Escrow lifecycle events by type.",
	}, []string{"event"})

	escrowSettledAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2a_exchange",
		Name:      "escrow_settled_tokens_total",
		Help:      "Token volume settled, by terminal status.",
	}, []string{"status"})

	feeTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "a2a_exchange",
		Name:      "fee_tokens_total",
		Help:      "Fee tokens collected on released escrows.",
	})
)

// Sink counts escrow lifecycle events. It satisfies the ledger's event sink
// and is fanned out alongside the webhook dispatcher.
type Sink struct{}

func NewSink() *Sink { return &Sink{} }

func (s *Sink) EscrowEvent(event string, esc models.Escrow) {
	escrowEvents.WithLabelValues(event).Inc()
	if esc.Terminal() {
		escrowSettledAmount.WithLabelValues(string(esc.Status)).Add(float64(esc.Amount))
	}
	if event == "escrow.released" {
		feeTokens.Add(float64(esc.FeeAmount))
	}
}

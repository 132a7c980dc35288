package ledger

import "a2aexchange/models"

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) EscrowEvent(event string, esc models.Escrow) {
	for _, sink := range m {
		if sink != nil {
			sink.EscrowEvent(event, esc)
		}
	}
}

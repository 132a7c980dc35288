package ledger

// nextReputation applies the exponential moving average update
// r ← clamp(0.9·r + 0.1·v, 0, 1) where v is 1 for a successful release
// and 0 for a refund. Deterministic given operation order.
func nextReputation(prev float64, success bool) float64 {
	v := 0.0
	if success {
		v = 1.0
	}
	r := prev*0.9 + v*0.1
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

package ledger

import "github.com/shopspring/decimal"

var oneHundred = decimal.NewFromInt(100)

// FeeSchedule computes the platform cut taken from the requester. All math
// is exact decimal with ceiling rounding; binary floats never touch money.
type FeeSchedule struct {
	Percent decimal.Decimal
	MinFee  int64
}

// Fee returns max(ceil(amount × percent / 100), MinFee).
func (f FeeSchedule) Fee(amount int64) int64 {
	fee := decimal.NewFromInt(amount).Mul(f.Percent).Div(oneHundred).Ceil().IntPart()
	if fee < f.MinFee {
		return f.MinFee
	}
	return fee
}

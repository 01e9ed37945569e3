package generation

import (
	"github.com/shopspring/decimal"

	"github.com/itzam-ai/itzam/internal/domain"
)

var perMillion = decimal.NewFromInt(1_000_000)

// Cost prices usage against the model snapshot:
//
//	cost = in/1e6 * inputPerMillion + out/1e6 * outputPerMillion
//
// It is a pure function of its arguments, so recomputing it for a stored
// run with the stored pricing always gives the stored cost.
func Cost(u Usage, m domain.Model) decimal.Decimal {
	in := decimal.NewFromInt(u.InputTokens).Div(perMillion).Mul(m.InputPerMillion)
	out := decimal.NewFromInt(u.OutputTokens).Div(perMillion).Mul(m.OutputPerMillion)
	return in.Add(out)
}

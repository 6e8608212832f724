package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// RiskSnapshot is derived from confirmed positions and balance. It is never
// stored.
type RiskSnapshot struct {
	Balance       float64                   `json:"balance"`
	OpenPositions int                       `json:"open_positions"`
	Notional      float64                   `json:"notional"`
	ExposurePct   float64                   `json:"exposure_pct"`
	RiskAtStop    float64                   `json:"risk_at_stop"`
	RiskPct       float64                   `json:"risk_pct"`
	Unprotected   int                       `json:"unprotected"`
	ByInstrument  map[string]InstrumentRisk `json:"by_instrument"`
}

type InstrumentRisk struct {
	NetSize    float64 `json:"net_size"`
	Notional   float64 `json:"notional"`
	RiskAtStop float64 `json:"risk_at_stop"`
	Positions  int     `json:"positions"`
}

// ComputeRisk is a pure function of positions and balance. Positions without
// a stop count as unprotected and contribute no risk-at-stop.
func ComputeRisk(positions []Position, balance float64) RiskSnapshot {
	out := RiskSnapshot{Balance: balance, ByInstrument: make(map[string]InstrumentRisk)}
	notional := decimal.Zero
	atStop := decimal.Zero
	for _, p := range positions {
		if p.Provisional {
			continue
		}
		size := decimal.NewFromFloat(p.Size)
		entry := decimal.NewFromFloat(p.EntryPrice)
		n := entry.Mul(size).Abs()
		r := decimal.Zero
		if p.Stop > 0 {
			r = entry.Sub(decimal.NewFromFloat(p.Stop)).Mul(decimal.NewFromFloat(p.Direction.Sign())).Mul(size)
			if r.IsNegative() {
				// stop already beyond entry locks in profit
				r = decimal.Zero
			}
		} else {
			out.Unprotected++
		}
		notional = notional.Add(n)
		atStop = atStop.Add(r)

		ir := out.ByInstrument[p.Instrument]
		ir.NetSize = decimal.NewFromFloat(ir.NetSize).Add(size.Mul(decimal.NewFromFloat(p.Direction.Sign()))).InexactFloat64()
		ir.Notional = decimal.NewFromFloat(ir.Notional).Add(n).InexactFloat64()
		ir.RiskAtStop = decimal.NewFromFloat(ir.RiskAtStop).Add(r).InexactFloat64()
		ir.Positions++
		out.ByInstrument[p.Instrument] = ir
		out.OpenPositions++
	}
	out.Notional = notional.InexactFloat64()
	out.RiskAtStop = atStop.InexactFloat64()
	if balance > 0 {
		b := decimal.NewFromFloat(balance)
		out.ExposurePct = notional.Div(b).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
		out.RiskPct = atStop.Div(b).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}
	return out
}

// Instruments lists instruments with open exposure, sorted.
func (r RiskSnapshot) Instruments() []string {
	out := make([]string, 0, len(r.ByInstrument))
	for k := range r.ByInstrument {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

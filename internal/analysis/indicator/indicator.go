package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"intraday/internal/market"
)

// ATR 返回最新的平均真实波幅，K 线数量不足 period+1 时返回错误。
func ATR(candles market.Candles, period int) (float64, error) {
	if period <= 0 {
		period = 14
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("atr: need %d candles, have %d", period+1, len(candles))
	}
	highs, lows, closes := candles.HLC()
	series := sanitizeSeries(talib.Atr(highs, lows, closes, period))
	v := lastValid(series)
	if v <= 0 {
		return 0, fmt.Errorf("atr: talib output empty")
	}
	return v, nil
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, round4(v))
	}
	return out
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if series[i] > 0 {
			return series[i]
		}
	}
	return 0
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

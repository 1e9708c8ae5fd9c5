package proposal

import (
	"math"

	"github.com/gekkoworks/spreadengine/internal/broker"
)

// realizedVolSeries computes a rolling window-day annualized realized
// volatility series from daily closes, one reading per day once enough
// history has accumulated. The Broker Gateway has no implied-vol
// history endpoint, so this series stands in for the historical-IV
// distribution CalculateIVR ranks against, built from realized rather
// than implied vol.
func realizedVolSeries(bars []broker.HistoricalBar, window int) []float64 {
	if window < 2 || len(bars) <= window {
		return nil
	}
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) <= window {
		return nil
	}

	series := make([]float64, 0, len(returns)-window+1)
	for i := window; i <= len(returns); i++ {
		series = append(series, annualizedStdev(returns[i-window:i]))
	}
	return series
}

func annualizedStdev(xs []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= n
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= n
	return math.Sqrt(variance) * math.Sqrt(252)
}

// CalculateIVR ranks currentIV against a historical series:
// (current - min) / (max - min) * 100, defaulting to 50 when the
// series has no range.
func CalculateIVR(currentIV float64, historicalIVs []float64) float64 {
	if len(historicalIVs) == 0 {
		return 50
	}
	minIV, maxIV := historicalIVs[0], historicalIVs[0]
	for _, iv := range historicalIVs {
		if iv < minIV {
			minIV = iv
		}
		if iv > maxIV {
			maxIV = iv
		}
	}
	if maxIV == minIV {
		return 50
	}
	return ((currentIV - minIV) / (maxIV - minIV)) * 100
}

// ivrProxy estimates IVR for symbol from the short leg's mid IV and a
// 20-day rolling realized-vol history built from daily closes. Returned
// on the 0-100 scale CalculateIVR produces; the scoring package's
// normalizeFraction rescales it to a fraction.
func ivrProxy(shortLegMidIV float64, bars []broker.HistoricalBar) float64 {
	const window = 20
	series := realizedVolSeries(bars, window)
	return CalculateIVR(shortLegMidIV, series)
}

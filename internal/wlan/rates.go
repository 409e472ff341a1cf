package wlan

import "math"

// RatesFromMbps converts rates in Mbps to 500 kbps units, the encoding used
// by the rates information elements.
func RatesFromMbps(mbps []float64) []uint8 {
	out := make([]uint8, 0, len(mbps))
	for _, r := range mbps {
		units := math.Round(r * 2)
		if units <= 0 || units > 0x7f {
			continue
		}
		out = append(out, uint8(units))
	}
	return out
}

// RateMbps converts a rate in 500 kbps units, basic flag ignored, to Mbps.
func RateMbps(r uint8) float64 {
	return float64(r&0x7f) / 2
}

package device

import (
	"math"
	"strconv"
)

// Snapshot values are compared as strings, so every producer (poll decode,
// MQTT report decode, tests) must format numbers identically. These helpers
// are the single source of that formatting.

// FormatTemperature renders a Celsius reading with one decimal, half-up
// rounded so .x5 boundaries don't flip between producers.
func FormatTemperature(c float64) string {
	rounded := math.Floor(c*10+0.5) / 10
	return strconv.FormatFloat(rounded, 'f', 1, 64)
}

// FormatPercent renders a progress percentage as a whole number.
func FormatPercent(p float64) string {
	return strconv.Itoa(int(math.Floor(p + 0.5)))
}

// FormatMinutes renders a remaining-time value in whole minutes.
func FormatMinutes(min int) string {
	if min < 0 {
		min = 0
	}
	return strconv.Itoa(min)
}

// FormatCount renders layer counts and similar small integers.
func FormatCount(n int) string {
	if n < 0 {
		n = 0
	}
	return strconv.Itoa(n)
}

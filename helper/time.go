package helper

import (
	"fmt"
	"time"
)

// FormatTTL renders d with one decimal in the largest unit that is at least
// one, e.g. "1.5h" or "42.0s". Negative durations render as "expired".
func FormatTTL(d time.Duration) string {
	switch {
	case d < 0:
		return "expired"
	case d >= time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%.1fm", d.Minutes())
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.String()
}

// FractionOf returns the point at num/den of the way from now to deadline,
// never earlier than floor from now.
func FractionOf(now, deadline time.Time, num, den int64, floor time.Duration) time.Duration {
	wait := deadline.Sub(now) * time.Duration(num) / time.Duration(den)
	if wait < floor {
		return floor
	}
	return wait
}

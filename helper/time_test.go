package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTTL(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{90 * time.Minute, "1.5h"},
		{time.Hour, "1.0h"},
		{150 * time.Second, "2.5m"},
		{42 * time.Second, "42.0s"},
		{250 * time.Millisecond, "250ms"},
		{0, "0s"},
		{-time.Second, "expired"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTTL(tt.in))
		})
	}
}

func TestFractionOf(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 48*time.Minute, FractionOf(now, now.Add(time.Hour), 4, 5, time.Minute))
	assert.Equal(t, time.Minute, FractionOf(now, now.Add(30*time.Second), 4, 5, time.Minute))
	assert.Equal(t, time.Minute, FractionOf(now, now.Add(-time.Hour), 4, 5, time.Minute))
}

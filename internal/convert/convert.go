// Package convert holds the unit and clock conversions applied to
// provider values before they are published. Every function is pure.
package convert

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrTimeFormat is returned by [To24Hour] for input that is not a
// 12-hour clock string such as "7:45 am".
var ErrTimeFormat = errors.New("not a 12-hour time")

// ErrNotDecimal is returned by [CelsiusString] for input that parses as a
// float but is not a finite decimal number, such as "NaN", "Inf" or a
// hex literal.
var ErrNotDecimal = errors.New("not a finite decimal number")

// Celsius converts a Fahrenheit temperature and formats it as a rounded
// integer string.
func Celsius(f float64) string {
	c := math.Round((f - 32) / 1.8)
	if c == 0 {
		c = 0 // drop the sign of -0
	}
	return strconv.FormatFloat(c, 'f', 0, 64)
}

// CelsiusString parses a Fahrenheit value as sent by the provider and
// converts it with [Celsius].
func CelsiusString(f string) (string, error) {
	s := strings.TrimSpace(f)
	if strings.ContainsAny(s, "xX_") {
		return "", fmt.Errorf("temperature %q: %w", f, ErrNotDecimal)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("temperature %q: %w", f, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("temperature %q: %w", f, ErrNotDecimal)
	}
	return Celsius(v), nil
}

// Speed returns a wind speed unchanged. The provider reports speeds that
// are already metric even though the request asks for imperial units.
func Speed(v string) string {
	return v
}

// Distance returns a visibility distance unchanged, for the same reason
// as [Speed].
func Distance(v string) string {
	return v
}

// To24Hour converts "H:MMam" or "H:MMpm" to "H:MM" on a 24-hour clock.
// The suffix is case-insensitive and may be preceded by a space. The
// hour is not zero-padded; minutes always have two digits. Midnight
// maps to hour 0 and noon stays at 12.
func To24Hour(s string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(s))

	var pm bool
	switch {
	case strings.HasSuffix(t, "am"):
	case strings.HasSuffix(t, "pm"):
		pm = true
	default:
		return "", fmt.Errorf("%w: %q has no am/pm suffix", ErrTimeFormat, s)
	}
	t = strings.TrimSpace(t[:len(t)-2])

	hh, mm, ok := strings.Cut(t, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q has no minutes", ErrTimeFormat, s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 12 {
		return "", fmt.Errorf("%w: bad hour in %q", ErrTimeFormat, s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("%w: bad minutes in %q", ErrTimeFormat, s)
	}

	hour %= 12
	if pm {
		hour += 12
	}
	return fmt.Sprintf("%d:%02d", hour, minute), nil
}

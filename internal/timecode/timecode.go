// Package timecode normalizes caption timestamps into seconds.
//
// The canonical form is HH:MM:SS.mmm. Plain seconds, M:SS / MM:SS[.frac] and
// loosely formatted stamps that only miss leading zeros or a fractional part
// are accepted as well; anything else is reported as ErrInvalidTimecode.
package timecode

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidTimecode is returned when a timestamp cannot be normalized,
// even after repair.
var ErrInvalidTimecode = errors.New("invalid timecode")

var (
	canonicalRe = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})\.(\d{3})$`)
	numericRe   = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	minutesRe   = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?:\.(\d+))?$`)

	// Repairable shapes: missing zero padding, comma decimal separator,
	// short or long fractions.
	looseRe      = regexp.MustCompile(`^(\d{1,2}):(\d{1,2}):(\d{1,2})(?:[.,](\d+))?$`)
	looseShortRe = regexp.MustCompile(`^(\d{1,2}):(\d{1,2})(?:[.,](\d+))?$`)
)

// Timecode keeps the original timestamp text next to its value in seconds.
// Valid is false when Source could not be normalized.
type Timecode struct {
	Source  string
	Seconds float64
	Valid   bool
}

// Parse normalizes s. On failure the returned Timecode keeps Source, is not
// Valid, and the error wraps ErrInvalidTimecode.
func Parse(s string) (Timecode, error) {
	seconds, err := Normalize(s)
	if err != nil {
		return Timecode{Source: s}, err
	}
	return Timecode{Source: s, Seconds: seconds, Valid: true}, nil
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(s string) Timecode {
	tc, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return tc
}

// FromSeconds builds a valid Timecode whose Source is the canonical rendering.
func FromSeconds(seconds float64) Timecode {
	return Timecode{Source: Format(seconds), Seconds: seconds, Valid: true}
}

// String returns the source text, or the canonical form when there is none.
func (t Timecode) String() string {
	if t.Source != "" {
		return t.Source
	}
	return Format(t.Seconds)
}

// Or returns the normalized seconds, or def when the timecode is not valid.
func (t Timecode) Or(def float64) float64 {
	if !t.Valid {
		return def
	}
	return t.Seconds
}

// Normalize converts a timestamp string into seconds.
func Normalize(s string) (float64, error) {
	in := strings.TrimSpace(s)
	if in == "" {
		return 0, invalid(s, "empty")
	}

	if m := canonicalRe.FindStringSubmatch(in); m != nil {
		return fromCanonical(s, m)
	}

	if numericRe.MatchString(in) {
		v, err := strconv.ParseFloat(in, 64)
		if err != nil || !finite(v) {
			return 0, invalid(s, "numeric overflow")
		}
		return v, nil
	}

	if m := minutesRe.FindStringSubmatch(in); m != nil {
		minutes, _ := strconv.Atoi(m[1])
		seconds, _ := strconv.Atoi(m[2])
		if seconds >= 60 {
			return 0, invalid(s, "seconds out of range")
		}
		total := float64(minutes*60 + seconds)
		if m[3] != "" {
			frac, err := strconv.ParseFloat("0."+m[3], 64)
			if err != nil {
				return 0, invalid(s, "bad fraction")
			}
			total += frac
		}
		if !finite(total) {
			return 0, invalid(s, "non-finite")
		}
		return total, nil
	}

	if repaired, ok := repair(in); ok {
		if m := canonicalRe.FindStringSubmatch(repaired); m != nil {
			return fromCanonical(s, m)
		}
	}

	return 0, invalid(s, "unrecognized format")
}

// Format renders seconds as HH:MM:SS.mmm, rounded to the millisecond.
// Negative and non-finite values render as zero.
func Format(seconds float64) string {
	if !finite(seconds) || seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	sec := ms / 1000
	ms -= sec * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, sec, ms)
}

func fromCanonical(src string, m []string) (float64, error) {
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	ms, _ := strconv.Atoi(m[4])
	if mins >= 60 || secs >= 60 {
		return 0, invalid(src, "component out of range")
	}
	totalMs := int64(h)*3_600_000 + int64(mins)*60_000 + int64(secs)*1000 + int64(ms)
	return float64(totalMs) / 1000, nil
}

// repair zero-pads hour, minute, second and sub-second components so the
// result can be checked against the canonical pattern.
func repair(in string) (string, bool) {
	if m := looseRe.FindStringSubmatch(in); m != nil {
		return canonical(m[1], m[2], m[3], m[4]), true
	}
	if m := looseShortRe.FindStringSubmatch(in); m != nil {
		return canonical("0", m[1], m[2], m[3]), true
	}
	return "", false
}

func canonical(h, m, s, frac string) string {
	switch {
	case len(frac) > 3:
		frac = frac[:3]
	case len(frac) < 3:
		frac += strings.Repeat("0", 3-len(frac))
	}
	return pad2(h) + ":" + pad2(m) + ":" + pad2(s) + "." + frac
}

func pad2(s string) string {
	if len(s) >= 2 {
		return s
	}
	return strings.Repeat("0", 2-len(s)) + s
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func invalid(s, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidTimecode, s, reason)
}

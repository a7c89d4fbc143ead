// Package throttle implements named GCRA rate limiters whose state lives
// either in-process or in a shared store so that several nodes observe one
// aggregate rate.
package throttle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSpec is wrapped by every spec parse failure
var ErrInvalidSpec = errors.New("invalid throttle spec")

// Spec describes a rate: Limit units per Period, with an optional burst
// allowance. Local pins the throttle to the in-process store.
type Spec struct {
	Limit    uint64
	Period   time.Duration
	MaxBurst uint64
	Local    bool
}

var periodUnits = map[string]time.Duration{
	"s":      time.Second,
	"sec":    time.Second,
	"second": time.Second,
	"m":      time.Minute,
	"min":    time.Minute,
	"minute": time.Minute,
	"h":      time.Hour,
	"hr":     time.Hour,
	"hour":   time.Hour,
	"d":      24 * time.Hour,
	"day":    24 * time.Hour,
}

// ParseSpec parses "[local:]quantity/[N]period[,max_burst=N]".
// Quantity may use "," or "_" as digit separators.
func ParseSpec(s string) (Spec, error) {
	var spec Spec
	input := strings.TrimSpace(s)

	if rest, ok := strings.CutPrefix(input, "local:"); ok {
		spec.Local = true
		input = rest
	}

	limitPart, rest, ok := strings.Cut(input, "/")
	if !ok {
		return Spec{}, fmt.Errorf("%w: expected 'limit/period', got %q", ErrInvalidSpec, s)
	}

	digits := strings.Map(func(r rune) rune {
		if r == ',' || r == '_' {
			return -1
		}
		return r
	}, strings.TrimSpace(limitPart))
	limit, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: invalid limit %q in %q", ErrInvalidSpec, limitPart, s)
	}
	if limit == 0 {
		return Spec{}, fmt.Errorf("%w: limit must be greater than 0 in %q", ErrInvalidSpec, s)
	}
	spec.Limit = limit

	fields := strings.Split(rest, ",")
	period, err := parsePeriod(strings.TrimSpace(fields[0]))
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v in %q", ErrInvalidSpec, err, s)
	}
	spec.Period = period

	for _, opt := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(opt), "=")
		if !ok || strings.TrimSpace(key) != "max_burst" {
			return Spec{}, fmt.Errorf("%w: unknown option %q in %q", ErrInvalidSpec, opt, s)
		}
		burst, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil || burst == 0 {
			return Spec{}, fmt.Errorf("%w: invalid max_burst %q in %q", ErrInvalidSpec, value, s)
		}
		spec.MaxBurst = burst
	}

	return spec, nil
}

// MustParseSpec is ParseSpec for package-level literals and tests
func MustParseSpec(s string) Spec {
	spec, err := ParseSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}

func parsePeriod(p string) (time.Duration, error) {
	i := 0
	for i < len(p) && p[i] >= '0' && p[i] <= '9' {
		i++
	}
	multiplier := uint64(1)
	if i > 0 {
		n, err := strconv.ParseUint(p[:i], 10, 32)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("invalid period multiplier %q", p[:i])
		}
		multiplier = n
	}
	unit, ok := periodUnits[p[i:]]
	if !ok {
		return 0, fmt.Errorf("unknown period %q", p)
	}
	return time.Duration(multiplier) * unit, nil
}

// Burst returns the effective burst allowance
func (s Spec) Burst() uint64 {
	if s.MaxBurst == 0 {
		return s.Limit
	}
	return s.MaxBurst
}

// Key returns the store key for name; specs with different parameters
// never share state.
func (s Spec) Key(name string) string {
	return fmt.Sprintf("%s:%d:%d:%d", name, s.Limit, s.Burst(), int64(s.Period/time.Second))
}

func (s Spec) String() string {
	var b strings.Builder
	if s.Local {
		b.WriteString("local:")
	}
	b.WriteString(strconv.FormatUint(s.Limit, 10))
	b.WriteByte('/')
	b.WriteString(formatPeriod(s.Period))
	if s.MaxBurst != 0 {
		fmt.Fprintf(&b, ",max_burst=%d", s.MaxBurst)
	}
	return b.String()
}

func formatPeriod(d time.Duration) string {
	units := []struct {
		name string
		size time.Duration
	}{
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"min", time.Minute},
		{"s", time.Second},
	}
	for _, u := range units {
		if d >= u.size && d%u.size == 0 {
			n := d / u.size
			if n == 1 {
				return u.name
			}
			return strconv.FormatInt(int64(n), 10) + u.name
		}
	}
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}

// MarshalText implements encoding.TextMarshaler
func (s Spec) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Spec) UnmarshalText(text []byte) error {
	parsed, err := ParseSpec(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

package backtest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a fold window length, expressed either as a number of bars or as
// a calendar span. Exactly one of the two forms is set.
type Window struct {
	Bars   int `json:"bars,omitempty" yaml:"bars,omitempty"`
	Years  int `json:"years,omitempty" yaml:"years,omitempty"`
	Months int `json:"months,omitempty" yaml:"months,omitempty"`
	Days   int `json:"days,omitempty" yaml:"days,omitempty"`
}

// Bars returns a window of n bars
func Bars(n int) Window { return Window{Bars: n} }

// Calendar returns a calendar window
func Calendar(years, months, days int) Window {
	return Window{Years: years, Months: months, Days: days}
}

// IsZero reports whether no length is set
func (w Window) IsZero() bool { return w == Window{} }

// IsCalendar reports whether the window is a calendar span
func (w Window) IsCalendar() bool { return w.Years != 0 || w.Months != 0 || w.Days != 0 }

// Validate rejects negative, empty and mixed windows
func (w Window) Validate() error {
	if w.Bars < 0 || w.Years < 0 || w.Months < 0 || w.Days < 0 {
		return invalidConfig("window %s has a negative component", w)
	}
	if w.IsZero() {
		return invalidConfig("window length must be positive")
	}
	if w.Bars > 0 && w.IsCalendar() {
		return invalidConfig("window %s mixes bars and calendar units", w)
	}
	return nil
}

// addTo advances t by k windows. Offsets are computed from t in one step so
// that month-end normalization does not drift across folds.
func (w Window) addTo(t time.Time, k int) time.Time {
	return t.AddDate(k*w.Years, k*w.Months, k*w.Days)
}

func (w Window) String() string {
	if w.Bars > 0 || !w.IsCalendar() {
		return fmt.Sprintf("%db", w.Bars)
	}
	var b strings.Builder
	if w.Years > 0 {
		fmt.Fprintf(&b, "%dy", w.Years)
	}
	if w.Months > 0 {
		fmt.Fprintf(&b, "%dmo", w.Months)
	}
	if w.Days > 0 {
		fmt.Fprintf(&b, "%dd", w.Days)
	}
	return b.String()
}

// ParseWindow parses "126", "126b", "2y", "6mo", "3w", "30d" or combinations
// such as "1y6mo". An empty string yields the zero window.
func ParseWindow(s string) (Window, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Window{}, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		w := Bars(n)
		return w, w.Validate()
	}

	var w Window
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return Window{}, invalidConfig("cannot parse window %q", s)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return Window{}, invalidConfig("cannot parse window %q: %v", s, err)
		}
		rest = rest[i:]

		j := 0
		for j < len(rest) && (rest[j] < '0' || rest[j] > '9') {
			j++
		}
		unit := rest[:j]
		rest = rest[j:]

		switch unit {
		case "b", "bar", "bars":
			w.Bars += n
		case "y", "yr", "year", "years":
			w.Years += n
		case "mo", "m", "month", "months":
			w.Months += n
		case "w", "week", "weeks":
			w.Days += 7 * n
		case "d", "day", "days":
			w.Days += n
		default:
			return Window{}, invalidConfig("unknown window unit %q in %q", unit, s)
		}
	}
	return w, w.Validate()
}

// MarshalText encodes the window in its parseable form
func (w Window) MarshalText() ([]byte, error) {
	if w.IsZero() {
		return []byte{}, nil
	}
	return []byte(w.String()), nil
}

// UnmarshalText decodes a window written by MarshalText or ParseWindow input
func (w *Window) UnmarshalText(text []byte) error {
	parsed, err := ParseWindow(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

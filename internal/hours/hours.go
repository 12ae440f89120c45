// Package hours decides whether the human support desk is open.
package hours

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultTimeZone is where the support desk operates.
const DefaultTimeZone = "America/Sao_Paulo"

// Window is an opening interval on one weekday, in minutes since midnight.
// End is inclusive: a desk closing at 18:00 is still open at exactly 18:00.
type Window struct {
	Day   time.Weekday
	Start int
	End   int
}

// Schedule is a weekly set of opening windows in a time zone.
type Schedule struct {
	Location *time.Location
	Windows  []Window
	// Enforced turns the check on. When false the desk is always reported open.
	Enforced bool
	now      func() time.Time
}

// Opts holds configuration options for a Schedule.
type Opts struct {
	TimeZone string
	Windows  []Window
	Enforced bool
	Now      func() time.Time
}

// Option defines a configuration option for a Schedule.
type Option func(*Opts)

// WithTimeZone sets the IANA zone name.
func WithTimeZone(tz string) Option {
	return func(o *Opts) {
		o.TimeZone = tz
	}
}

// WithWindows replaces the default weekly windows.
func WithWindows(w []Window) Option {
	return func(o *Opts) {
		o.Windows = w
	}
}

// WithEnforced enables or disables the check.
func WithEnforced(enforced bool) Option {
	return func(o *Opts) {
		o.Enforced = enforced
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// DefaultWindows is Monday to Friday 08:00-18:00 and Saturday 08:00-12:00.
func DefaultWindows() []Window {
	windows := make([]Window, 0, 6)
	for d := time.Monday; d <= time.Friday; d++ {
		windows = append(windows, Window{Day: d, Start: 8 * 60, End: 18 * 60})
	}
	return append(windows, Window{Day: time.Saturday, Start: 8 * 60, End: 12 * 60})
}

// New builds a Schedule. Unknown time zones are an error.
func New(opts ...Option) (*Schedule, error) {
	cfg := Opts{TimeZone: DefaultTimeZone}
	for _, opt := range opts {
		opt(&cfg)
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", cfg.TimeZone, err)
	}
	if cfg.Windows == nil {
		cfg.Windows = DefaultWindows()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for _, w := range cfg.Windows {
		if w.Start < 0 || w.End > 24*60 || w.Start > w.End {
			return nil, fmt.Errorf("invalid window on %s: %d-%d", w.Day, w.Start, w.End)
		}
	}
	slog.Debug("hours.New: schedule built", "tz", cfg.TimeZone, "windows", len(cfg.Windows), "enforced", cfg.Enforced)
	return &Schedule{Location: loc, Windows: cfg.Windows, Enforced: cfg.Enforced, now: cfg.Now}, nil
}

// IsOpen reports whether the desk is open now.
func (s *Schedule) IsOpen() bool {
	if s == nil || !s.Enforced {
		return true
	}
	return s.OpenAt(s.now())
}

// OpenAt reports whether t falls inside a window, regardless of Enforced.
func (s *Schedule) OpenAt(t time.Time) bool {
	local := t.In(s.Location)
	minute := local.Hour()*60 + local.Minute()
	for _, w := range s.Windows {
		if w.Day != local.Weekday() {
			continue
		}
		if minute >= w.Start && minute <= w.End {
			return true
		}
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	"dom": time.Sunday, "seg": time.Monday, "ter": time.Tuesday, "qua": time.Wednesday,
	"qui": time.Thursday, "sex": time.Friday, "sab": time.Saturday,
}

// ParseWindow parses "mon 08:00-18:00". Portuguese day abbreviations are accepted too.
func ParseWindow(s string) (Window, error) {
	day, span, ok := strings.Cut(strings.TrimSpace(strings.ToLower(s)), " ")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q, expected \"mon 08:00-18:00\"", s)
	}
	wd, ok := weekdays[strings.TrimSuffix(day, ".")]
	if !ok {
		return Window{}, fmt.Errorf("invalid weekday %q", day)
	}
	from, to, ok := strings.Cut(strings.TrimSpace(span), "-")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q, expected \"mon 08:00-18:00\"", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return Window{}, err
	}
	end, err := parseClock(to)
	if err != nil {
		return Window{}, err
	}
	if start > end {
		return Window{}, fmt.Errorf("window %q ends before it starts", s)
	}
	return Window{Day: wd, Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		if strings.TrimSpace(s) == "24:00" {
			return 24 * 60, nil
		}
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

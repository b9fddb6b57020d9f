// Package recurrence expands the supported recurrence rule tokens into
// candidate occurrence dates.
//
// Supported tokens are RRULE:FREQ=DAILY, RRULE:FREQ=WEEKLY,
// RRULE:FREQ=WEEKLY;INTERVAL=2, RRULE:FREQ=MONTHLY and RRULE:FREQ=YEARLY.
// Series are unbounded; expansion stops at the window end.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"recurcal/internal/model"
)

const (
	rulePrefix = "RRULE:"

	// DefaultMaxDates caps the number of dates one expansion may return.
	DefaultMaxDates = 5000
)

var supportedFreq = map[rrule.Frequency]string{
	rrule.DAILY:   "DAILY",
	rrule.WEEKLY:  "WEEKLY",
	rrule.MONTHLY: "MONTHLY",
	rrule.YEARLY:  "YEARLY",
}

// InvalidRuleError reports an unsupported or malformed rule token. SeriesID
// is filled in by callers that expand a specific series.
type InvalidRuleError struct {
	SeriesID string
	Token    string
	Reason   string
	Err      error
}

func (e *InvalidRuleError) Error() string {
	var b strings.Builder
	b.WriteString("invalid recurrence rule")
	if e.SeriesID != "" {
		b.WriteString(" for series ")
		b.WriteString(strconv.Quote(e.SeriesID))
	}
	b.WriteString(" ")
	b.WriteString(strconv.Quote(e.Token))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *InvalidRuleError) Unwrap() error { return e.Err }

// IsNone reports whether token means "does not repeat".
func IsNone(token string) bool {
	t := strings.TrimSpace(token)
	return t == "" || strings.EqualFold(t, model.RuleNone)
}

// Rule is a parsed, supported recurrence token.
type Rule struct {
	freq     rrule.Frequency
	interval int
}

// Parse validates token against the supported subset.
func Parse(token string) (Rule, error) {
	raw := strings.TrimSpace(token)
	fail := func(reason string, err error) (Rule, error) {
		return Rule{}, &InvalidRuleError{Token: token, Reason: reason, Err: err}
	}

	if IsNone(raw) {
		return fail("NONE is not expandable", nil)
	}
	body, ok := strings.CutPrefix(raw, rulePrefix)
	if !ok {
		return fail("missing RRULE: prefix", nil)
	}

	// rrule-go defaults a missing FREQ to YEARLY, so the keys are checked
	// here before the library parses the values.
	seen := make(map[string]bool)
	for _, part := range strings.Split(body, ";") {
		key, _, found := strings.Cut(part, "=")
		if !found || key == "" {
			return fail("malformed part "+strconv.Quote(part), nil)
		}
		if key != "FREQ" && key != "INTERVAL" {
			return fail("unsupported property "+key, nil)
		}
		if seen[key] {
			return fail("duplicate property "+key, nil)
		}
		seen[key] = true
	}
	if !seen["FREQ"] {
		return fail("missing FREQ", nil)
	}

	opt, err := rrule.StrToROption(body)
	if err != nil {
		return fail("", err)
	}
	if _, ok := supportedFreq[opt.Freq]; !ok {
		return fail("unsupported frequency", nil)
	}

	interval := 1
	if seen["INTERVAL"] {
		interval = opt.Interval
	}
	switch {
	case interval == 1:
	case interval == 2 && opt.Freq == rrule.WEEKLY:
	default:
		return fail(fmt.Sprintf("unsupported interval %d", interval), nil)
	}

	return Rule{freq: opt.Freq, interval: interval}, nil
}

// Token renders the canonical token for r.
func (r Rule) Token() string {
	s := rulePrefix + "FREQ=" + supportedFreq[r.freq]
	if r.interval > 1 {
		s += ";INTERVAL=" + strconv.Itoa(r.interval)
	}
	return s
}

// Expand returns the dates r generates from the anchor that fall inside w,
// ascending and without duplicates. The second result reports whether max
// cut the sequence short; max <= 0 uses DefaultMaxDates.
//
// Times are floating: the anchor and window are evaluated in UTC so that no
// zone transition can shift a wall-clock occurrence onto another date.
func (r Rule) Expand(anchor model.Date, at model.Clock, w model.Window, max int) ([]model.Date, bool, error) {
	if err := w.Validate(); err != nil {
		return nil, false, err
	}
	if max <= 0 {
		max = DefaultMaxDates
	}

	dtstart := anchor.At(at, time.UTC)
	lo := w.Start.At(model.Clock{}, time.UTC)
	hi := w.End.AddDays(1).At(model.Clock{}, time.UTC)
	if !dtstart.Before(hi) {
		return nil, false, nil
	}

	rr, err := rrule.NewRRule(rrule.ROption{
		Freq:     r.freq,
		Interval: r.interval,
		Dtstart:  dtstart,
	})
	if err != nil {
		return nil, false, &InvalidRuleError{Token: r.Token(), Err: err}
	}

	times := rr.Between(lo, hi, true)
	out := make([]model.Date, 0, len(times))
	for _, t := range times {
		if !t.Before(hi) {
			break
		}
		d := model.DateOf(t)
		if n := len(out); n > 0 && out[n-1] == d {
			continue
		}
		if len(out) == max {
			return out, true, nil
		}
		out = append(out, d)
	}
	return out, false, nil
}

// Generates reports whether r produces an occurrence on d.
func (r Rule) Generates(anchor model.Date, at model.Clock, d model.Date) bool {
	dates, _, err := r.Expand(anchor, at, model.Window{Start: d, End: d}, 1)
	return err == nil && len(dates) == 1
}

// Expand parses token and expands it in one step.
func Expand(token string, anchor model.Date, at model.Clock, w model.Window, max int) ([]model.Date, bool, error) {
	r, err := Parse(token)
	if err != nil {
		return nil, false, err
	}
	return r.Expand(anchor, at, w, max)
}

// IsInvalidRule reports whether err carries an *InvalidRuleError.
func IsInvalidRule(err error) bool {
	var ire *InvalidRuleError
	return errors.As(err, &ire)
}

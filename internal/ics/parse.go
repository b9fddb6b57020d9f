// Package ics converts between the master list and iCalendar documents.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/recurrence"
)

// ImportOptions control how an ICS payload becomes records.
type ImportOptions struct {
	// Location receives UTC (…Z) timestamps. Floating and TZID times keep
	// their wall clock. If nil, time.Local is used.
	Location *time.Location
	// NewID mints ids for records without X-RECURCAL-ID.
	NewID func() string
}

// ImportResult carries the records plus per-VEVENT problems. A problem
// skips only the VEVENT it belongs to.
type ImportResult struct {
	Records  model.MasterList
	Problems []error
}

// Parse reads an ICS payload into master-list records.
//
//   - A VEVENT with RRULE becomes a Base; each EXDATE becomes a Ghost.
//   - A VEVENT with RECURRENCE-ID becomes an Override of the series with
//     the same UID.
//   - Any other VEVENT becomes a Standalone.
//
// RRULEs outside the supported subset are reported as problems.
func Parse(body []byte, opts ImportOptions) (ImportResult, error) {
	var res ImportResult
	if len(bytes.TrimSpace(body)) == 0 {
		return res, errors.New("empty ICS body")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.NewID == nil {
		return res, errors.New("ics import: NewID is required")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err)
		return res, err
	}

	var overrides []model.Override
	seriesByUID := make(map[string]model.Base)

	for _, ve := range cal.Events() {
		recs, perr := parseVEvent(ve, opts)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr)
			res.Problems = append(res.Problems, perr)
			continue
		}
		for _, r := range recs {
			switch v := r.(type) {
			case model.Override:
				// Resolved once every base has been seen.
				overrides = append(overrides, v)
				continue
			case model.Base:
				seriesByUID[v.SeriesID] = v
			}
			res.Records = append(res.Records, r)
		}
	}

	for _, ov := range overrides {
		if _, ok := seriesByUID[ov.SeriesID]; !ok {
			err := &model.MissingReferenceError{RecordID: ov.ID, SeriesID: ov.SeriesID, OriginalDate: ov.OriginalDate}
			res.Problems = append(res.Problems, err)
			continue
		}
		res.Records = append(res.Records, ov)
	}

	appLog.Info("ics parse completed", "records", len(res.Records), "problems", len(res.Problems))
	return res, nil
}

func parseVEvent(ve *ical.VEvent, opts ImportOptions) ([]model.Record, error) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, errors.New("missing UID")
	}
	uid := uidProp.Value

	id := ""
	if p := ve.GetProperty(propRecordID); p != nil {
		id = strings.TrimSpace(p.Value)
	}
	if id == "" {
		id = opts.NewID()
	}

	f, err := parseFields(ve, opts.Location)
	if err != nil {
		return nil, fmt.Errorf("event %q: %w", uid, err)
	}

	if rid := ve.GetProperty(propRecurID); rid != nil {
		t, _, err := parseICSTime(rid.Value, rid.ICalParameters, opts.Location)
		if err != nil {
			return nil, fmt.Errorf("event %q: RECURRENCE-ID: %w", uid, err)
		}
		return []model.Record{model.Override{ID: id, SeriesID: uid, OriginalDate: model.DateOf(t), Fields: f}}, nil
	}

	rruleProp := ve.GetProperty(ical.ComponentPropertyRrule)
	if rruleProp == nil {
		return []model.Record{model.Standalone{ID: id, Fields: f}}, nil
	}

	rule, err := recurrence.Parse("RRULE:" + strings.TrimSpace(rruleProp.Value))
	if err != nil {
		var ire *recurrence.InvalidRuleError
		if errors.As(err, &ire) {
			ire.SeriesID = uid
		}
		return nil, err
	}
	base := model.Base{ID: id, SeriesID: uid, Rule: rule.Token(), Fields: f}
	out := []model.Record{base}

	// EXDATE can appear several times and carry comma separated values.
	seen := make(map[model.Date]bool)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := parseICSTime(part, p.ICalParameters, opts.Location)
			if err != nil {
				return nil, fmt.Errorf("event %q: EXDATE: %w", uid, err)
			}
			d := model.DateOf(t)
			if seen[d] {
				continue
			}
			seen[d] = true
			gf := f
			gf.Date = d
			out = append(out, model.Ghost{ID: opts.NewID(), SeriesID: uid, OriginalDate: d, Fields: gf})
		}
	}
	return out, nil
}

func parseFields(ve *ical.VEvent, loc *time.Location) (model.Fields, error) {
	var f model.Fields
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		f.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		f.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		f.Location = p.Value
	}
	f.Color = model.DefaultColor
	if p := ve.GetProperty(propColor); p != nil {
		if c, err := model.ParseColor(p.Value); err == nil {
			f.Color = c
		}
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return f, errors.New("missing DTSTART")
	}
	start, allDay, err := parseICSTime(startProp.Value, startProp.ICalParameters, loc)
	if err != nil {
		return f, fmt.Errorf("DTSTART: %w", err)
	}
	f.Date = model.DateOf(start)
	f.Start = model.Clock{Hour: start.Hour(), Minute: start.Minute()}

	switch {
	case allDay:
		f.End = model.Clock{Hour: 23, Minute: 59}
	default:
		f.End = f.Start
		if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
			end, _, err := parseICSTime(endProp.Value, endProp.ICalParameters, loc)
			if err != nil {
				return f, fmt.Errorf("DTEND: %w", err)
			}
			// Events crossing midnight are clipped to the start day.
			if model.DateOf(end) == f.Date {
				f.End = model.Clock{Hour: end.Hour(), Minute: end.Minute()}
			} else if end.After(start) {
				f.End = model.Clock{Hour: 23, Minute: 59}
			}
		}
	}
	return f, nil
}

// parseICSTime parses DATE, floating DATE-TIME and UTC DATE-TIME values.
// The returned time carries the wall clock to store; the bool reports a
// DATE (all-day) value.
func parseICSTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		t, err := time.Parse(dateOnlyLayout, v)
		return t, true, err
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.In(loc), false, nil
	case strings.Contains(v, "T"):
		t, err := time.Parse(floatingLayout, v)
		return t, false, err
	default:
		t, err := time.Parse(dateOnlyLayout, v)
		return t, true, err
	}
}

package mutate

import (
	"errors"
	"fmt"
	"io"
	"testing"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/reconcile"
	"recurcal/internal/recurrence"
)

func init() {
	appLog.SetOutput(io.Discard, appLog.FormatJSON)
}

// seqResolver hands out predictable ids.
func seqResolver() *Resolver {
	n := 0
	return &Resolver{NewID: func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}}
}

func standupList() model.MasterList {
	return model.MasterList{
		model.Base{
			ID:       "base-1",
			SeriesID: "series-1",
			Rule:     "RRULE:FREQ=WEEKLY",
			Fields: model.Fields{
				Title: "Standup",
				Date:  model.MustDate("2024-06-03"),
				Start: model.MustClock("09:00"),
				End:   model.MustClock("09:30"),
				Color: model.ColorBlue,
			},
		},
	}
}

func week(start string) model.Window {
	s := model.MustDate(start)
	return model.Window{Start: s, End: s.AddDays(6)}
}

func expandSeries(t *testing.T, list model.MasterList, w model.Window, seriesID string) []model.Instance {
	t.Helper()
	res, err := reconcile.Expand(list, reconcile.Config{Window: w})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if res.Err() != nil {
		t.Fatalf("series errors: %v", res.Err())
	}
	var out []model.Instance
	for _, in := range res.Instances {
		if in.SeriesID == seriesID {
			out = append(out, in)
		}
	}
	return out
}

func occurrence(t *testing.T, list model.MasterList, date string) model.Instance {
	t.Helper()
	d := model.MustDate(date)
	for _, in := range expandSeries(t, list, model.Window{Start: d, End: d}, "series-1") {
		return in
	}
	t.Fatalf("no occurrence on %s", date)
	return model.Instance{}
}

func TestSaveInstanceScopeOnlyChangesOneOccurrence(t *testing.T) {
	r := seqResolver()
	list := standupList()

	target := occurrence(t, list, "2024-06-10")
	form := FormFrom(target.Fields, target.Rule)
	form.StartTime = "10:00"
	form.EndTime = "10:30"

	next, err := r.Save(list, target.Target(), form, ScopeInstance)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(list) != 1 {
		t.Fatal("input list modified")
	}
	if len(next) != 2 {
		t.Fatalf("expected base + override, got %d records", len(next))
	}
	ov, ok := next[1].(model.Override)
	if !ok {
		t.Fatalf("appended %T, want Override", next[1])
	}
	if ov.ID != "id-1" || ov.SeriesID != "series-1" || ov.OriginalDate != model.MustDate("2024-06-10") {
		t.Fatalf("unexpected override %+v", ov)
	}

	got := expandSeries(t, next, week("2024-06-10"), "series-1")
	if len(got) != 1 || got[0].Start.String() != "10:00" || !got[0].Exception {
		t.Fatalf("week of 06-10: %+v", got)
	}
	got = expandSeries(t, next, week("2024-06-17"), "series-1")
	if len(got) != 1 || got[0].Start.String() != "09:00" || got[0].Exception {
		t.Fatalf("week of 06-17: %+v", got)
	}
}

func TestSaveInstanceScopeRepeatedEditsAppend(t *testing.T) {
	r := seqResolver()
	list := standupList()
	target := occurrence(t, list, "2024-06-10")

	form := FormFrom(target.Fields, target.Rule)
	form.Title = "First edit"
	list, err := r.Save(list, target.Target(), form, ScopeInstance)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	edited := occurrence(t, list, "2024-06-10")
	form = FormFrom(edited.Fields, edited.Rule)
	form.Title = "Second edit"
	list, err = r.Save(list, edited.Target(), form, ScopeInstance)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if len(list) != 3 {
		t.Fatalf("expected two overrides to accumulate, got %d records", len(list))
	}
	if got := occurrence(t, list, "2024-06-10"); got.Title != "Second edit" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestSaveInstanceScopeRejectsUngeneratedSlot(t *testing.T) {
	target := model.Target{ID: "x", SeriesID: "series-1", OriginalDate: model.MustDate("2024-06-11"), Instance: true}
	form := FormFrom(standupList()[0].Data(), "")

	_, err := seqResolver().Save(standupList(), target, form, ScopeInstance)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSaveInstanceScopeMissingBase(t *testing.T) {
	target := model.Target{ID: "x", SeriesID: "nope", OriginalDate: model.MustDate("2024-06-10"), Instance: true}
	form := FormFrom(standupList()[0].Data(), "")

	_, err := seqResolver().Save(standupList(), target, form, ScopeInstance)
	var mre *model.MissingReferenceError
	if !errors.As(err, &mre) {
		t.Fatalf("expected MissingReferenceError, got %v", err)
	}
}

func TestSaveSeriesScopeReplacesBase(t *testing.T) {
	r := seqResolver()
	list := standupList()
	list = append(list, model.Ghost{ID: "g", SeriesID: "series-1", OriginalDate: model.MustDate("2024-06-17")})

	target := occurrence(t, list, "2024-06-10")
	form := FormFrom(target.Fields, model.RuleNone)
	form.Title = "Daily sync"
	form.Date = "2024-06-03"
	form.Location = "Room 1"

	next, err := r.Save(list, target.Target(), form, ScopeSeries)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(next) != 2 {
		t.Fatalf("expected 2 records, got %d", len(next))
	}
	base, ok := next[0].(model.Base)
	if !ok {
		t.Fatalf("record 0 is %T", next[0])
	}
	if base.ID != "base-1" || base.SeriesID != "series-1" {
		t.Fatalf("identity not preserved: %+v", base)
	}
	if base.Rule != "RRULE:FREQ=WEEKLY" {
		t.Fatalf("rule = %q", base.Rule)
	}
	if base.Title != "Daily sync" || base.Location != "Room 1" {
		t.Fatalf("fields not replaced: %+v", base.Fields)
	}
	if _, ok := next[1].(model.Ghost); !ok {
		t.Fatal("existing ghost must be left untouched")
	}
	if got := expandSeries(t, next, week("2024-06-17"), "series-1"); len(got) != 0 {
		t.Fatalf("ghost no longer applied: %+v", got)
	}
}

func TestSaveSeriesScopeChangesRule(t *testing.T) {
	list := standupList()
	form := FormFrom(list[0].Data(), "RRULE:FREQ=DAILY")

	next, err := seqResolver().Save(list, model.TargetOf(list[0]), form, ScopeSeries)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := next[0].(model.Base).Rule; got != "RRULE:FREQ=DAILY" {
		t.Fatalf("rule = %q", got)
	}
}

func TestSaveSeriesScopeNewRecords(t *testing.T) {
	r := seqResolver()
	form := Form{Title: "Dentist", Date: "2024-06-05", StartTime: "14:00", EndTime: "15:00", RecurrenceRule: "NONE"}

	list, err := r.Save(nil, model.Target{}, form, ScopeSeries)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	s, ok := list[0].(model.Standalone)
	if !ok || s.ID != "id-1" || s.Color != model.ColorBlue {
		t.Fatalf("unexpected standalone %#v", list[0])
	}

	form = Form{Title: "Gym", Date: "2024-06-04", StartTime: "18:00", EndTime: "19:00", RecurrenceRule: "RRULE:FREQ=WEEKLY;INTERVAL=2"}
	list, err = r.Save(list, model.Target{}, form, ScopeSeries)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, ok := list[1].(model.Base)
	if !ok || b.ID != "id-2" || b.SeriesID != "id-3" || b.Rule != "RRULE:FREQ=WEEKLY;INTERVAL=2" {
		t.Fatalf("unexpected base %#v", list[1])
	}
}

func TestSaveSeriesScopeReplacesStandaloneInPlace(t *testing.T) {
	list := model.MasterList{
		model.Standalone{ID: "a", Fields: model.Fields{Title: "A", Date: model.MustDate("2024-06-05"), Start: model.MustClock("10:00"), End: model.MustClock("11:00"), Color: model.ColorBlue}},
		model.Standalone{ID: "b", Fields: model.Fields{Title: "B", Date: model.MustDate("2024-06-06"), Start: model.MustClock("10:00"), End: model.MustClock("11:00"), Color: model.ColorBlue}},
	}
	form := FormFrom(list[0].Data(), "")
	form.Title = "A2"

	next, err := seqResolver().Save(list, model.TargetOf(list[0]), form, ScopeSeries)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if next[0].RecordID() != "a" || next[0].Data().Title != "A2" || next[1].RecordID() != "b" {
		t.Fatalf("unexpected list %+v", next)
	}
	if list[0].Data().Title != "A" {
		t.Fatal("input list modified")
	}

	form.RecurrenceRule = "RRULE:FREQ=MONTHLY"
	next, err = seqResolver().Save(list, model.TargetOf(list[0]), form, ScopeSeries)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, ok := next[0].(model.Base)
	if !ok || b.ID != "a" || b.SeriesID != "id-1" {
		t.Fatalf("expected promotion to base, got %#v", next[0])
	}
}

func TestSaveSeriesScopeUnknownRecord(t *testing.T) {
	form := Form{Title: "X", Date: "2024-06-05", StartTime: "10:00", EndTime: "11:00"}
	_, err := seqResolver().Save(nil, model.Target{ID: "missing"}, form, ScopeSeries)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestSaveValidation(t *testing.T) {
	tests := []struct {
		name  string
		form  Form
		field string
	}{
		{"missing title", Form{Title: "  ", Date: "2024-06-05", StartTime: "10:00", EndTime: "11:00"}, "title"},
		{"bad date", Form{Title: "X", Date: "2024-13-05", StartTime: "10:00", EndTime: "11:00"}, "date"},
		{"bad start", Form{Title: "X", Date: "2024-06-05", StartTime: "25:00", EndTime: "11:00"}, "startTime"},
		{"end before start", Form{Title: "X", Date: "2024-06-05", StartTime: "12:00", EndTime: "11:00"}, "endTime"},
		{"bad color", Form{Title: "X", Date: "2024-06-05", StartTime: "10:00", EndTime: "11:00", Color: "chartreuse"}, "color"},
		{"bad rule", Form{Title: "X", Date: "2024-06-05", StartTime: "10:00", EndTime: "11:00", RecurrenceRule: "RRULE:FREQ=FORTNIGHTLY"}, "recurrenceRule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := standupList()
			next, err := seqResolver().Save(list, model.Target{}, tt.form, ScopeSeries)
			if next != nil {
				t.Fatal("rejected save must not return a list")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			found := false
			for _, p := range verr.Problems {
				if p.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("problems %+v do not mention %q", verr.Problems, tt.field)
			}
		})
	}
}

func TestSaveValidationWrapsRuleError(t *testing.T) {
	form := Form{Title: "X", Date: "2024-06-05", StartTime: "10:00", EndTime: "11:00", RecurrenceRule: "RRULE:FREQ=HOURLY"}
	_, err := seqResolver().Save(nil, model.Target{}, form, ScopeSeries)
	if !recurrence.IsInvalidRule(err) {
		t.Fatalf("expected wrapped InvalidRuleError, got %v", err)
	}
}

func TestDeleteInstanceScope(t *testing.T) {
	r := seqResolver()
	list := standupList()

	target := occurrence(t, list, "2024-06-17")
	next, err := r.Delete(list, target.Target(), ScopeInstance)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	g, ok := next[len(next)-1].(model.Ghost)
	if !ok || g.ID != "id-1" || g.SeriesID != "series-1" || g.OriginalDate != model.MustDate("2024-06-17") {
		t.Fatalf("unexpected ghost %#v", next[len(next)-1])
	}

	if got := expandSeries(t, next, week("2024-06-17"), "series-1"); len(got) != 0 {
		t.Fatalf("deleted occurrence still shown: %+v", got)
	}
	got := expandSeries(t, next, week("2024-06-24"), "series-1")
	if len(got) != 1 || got[0].Date != model.MustDate("2024-06-24") {
		t.Fatalf("series broken after single delete: %+v", got)
	}

	again, err := r.Delete(next, target.Target(), ScopeInstance)
	if err != nil {
		t.Fatalf("Delete again: %v", err)
	}
	if len(again) != len(next) {
		t.Fatal("deleting a deleted occurrence must not add another ghost")
	}
}

func TestDeleteInstanceScopeOfOverride(t *testing.T) {
	r := seqResolver()
	list := standupList()
	target := occurrence(t, list, "2024-06-10")
	form := FormFrom(target.Fields, target.Rule)
	form.Title = "Edited"
	list, err := r.Save(list, target.Target(), form, ScopeInstance)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	edited := occurrence(t, list, "2024-06-10")
	list, err = r.Delete(list, edited.Target(), ScopeInstance)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := expandSeries(t, list, week("2024-06-10"), "series-1"); len(got) != 0 {
		t.Fatalf("edited occurrence survived delete: %+v", got)
	}
}

func TestDeleteSeriesScope(t *testing.T) {
	r := seqResolver()
	list := standupList()
	list = append(list, model.Standalone{ID: "other", Fields: model.Fields{Title: "Other", Date: model.MustDate("2024-06-05"), Start: model.MustClock("10:00"), End: model.MustClock("11:00"), Color: model.ColorBlue}})

	target := occurrence(t, list, "2024-06-10")
	form := FormFrom(target.Fields, target.Rule)
	list, err := r.Save(list, target.Target(), form, ScopeInstance)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	list, err = r.Delete(list, occurrence(t, list, "2024-06-17").Target(), ScopeInstance)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	next, err := r.Delete(list, model.Target{SeriesID: "series-1"}, ScopeSeries)
	if err != nil {
		t.Fatalf("Delete series: %v", err)
	}
	for _, rec := range next {
		if model.SeriesOf(rec) == "series-1" {
			t.Fatalf("record %q of deleted series remains", rec.RecordID())
		}
	}
	if len(next) != 1 || next[0].RecordID() != "other" {
		t.Fatalf("unrelated records affected: %d left", len(next))
	}
	wide := model.Window{Start: model.MustDate("2024-01-01"), End: model.MustDate("2026-12-31")}
	if got := expandSeries(t, next, wide, "series-1"); len(got) != 0 {
		t.Fatalf("deleted series still expands: %d instances", len(got))
	}
}

func TestDeleteSeriesScopeStandalone(t *testing.T) {
	list := model.MasterList{
		model.Standalone{ID: "a", Fields: model.Fields{Title: "A", Date: model.MustDate("2024-06-05"), Color: model.ColorBlue}},
	}
	next, err := seqResolver().Delete(list, model.Target{ID: "a"}, ScopeSeries)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(next) != 0 || len(list) != 1 {
		t.Fatalf("unexpected lists: next=%d input=%d", len(next), len(list))
	}

	if _, err := seqResolver().Delete(list, model.Target{ID: "missing"}, ScopeSeries); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDeleteInstanceScopeNeedsSeries(t *testing.T) {
	_, err := seqResolver().Delete(standupList(), model.Target{ID: "a"}, ScopeInstance)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestParseScope(t *testing.T) {
	if s, err := ParseScope(" Series "); err != nil || s != ScopeSeries {
		t.Fatalf("ParseScope: %v %v", s, err)
	}
	if _, err := ParseScope("this-and-following"); err == nil {
		t.Fatal("expected error")
	}
}

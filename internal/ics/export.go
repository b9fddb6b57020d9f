package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"recurcal/internal/model"
)

const (
	productID = "-//recurcal//recurcal//EN"

	// propRecordID carries the record id so a round trip keeps identities.
	propRecordID = ical.ComponentProperty("X-RECURCAL-ID")
	propColor    = ical.ComponentProperty("COLOR")
	propRecurID  = ical.ComponentProperty("RECURRENCE-ID")

	floatingLayout = "20060102T150405"
	dateOnlyLayout = "20060102"
)

// Export renders the master list as an iCalendar document. Times are
// written as floating local times.
//
//   - Standalone -> VEVENT
//   - Base       -> VEVENT with RRULE and one EXDATE per ghost
//   - Override   -> VEVENT sharing the series UID, with RECURRENCE-ID
//
// Only the override that wins its slot is written. Orphaned overrides and
// ghosts are skipped.
func Export(list model.MasterList, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)

	bases := make(map[string]model.Base)
	ghosts := make(map[string][]model.Date)
	ghosted := make(map[model.SeriesKey]bool)
	// latest holds the list index of the override rendered for each slot.
	latest := make(map[model.SeriesKey]int)
	for i, rec := range list {
		switch r := rec.(type) {
		case model.Base:
			if _, dup := bases[r.SeriesID]; !dup {
				bases[r.SeriesID] = r
			}
		case model.Ghost:
			key := model.SeriesKey{SeriesID: r.SeriesID, OriginalDate: r.OriginalDate}
			if !ghosted[key] {
				ghosted[key] = true
				ghosts[r.SeriesID] = append(ghosts[r.SeriesID], r.OriginalDate)
			}
		case model.Override:
			latest[model.SeriesKey{SeriesID: r.SeriesID, OriginalDate: r.OriginalDate}] = i
		}
	}

	for i, rec := range list {
		switch r := rec.(type) {
		case model.Standalone:
			ev := cal.AddEvent(r.ID)
			writeFields(ev, r.ID, r.Fields, now)

		case model.Base:
			if bases[r.SeriesID].ID != r.ID {
				continue
			}
			ev := cal.AddEvent(r.SeriesID)
			writeFields(ev, r.ID, r.Fields, now)
			ev.SetProperty(ical.ComponentPropertyRrule, strings.TrimPrefix(r.Rule, "RRULE:"))
			for _, d := range ghosts[r.SeriesID] {
				ev.AddProperty(ical.ComponentPropertyExdate, d.At(r.Start, time.UTC).Format(floatingLayout))
			}

		case model.Override:
			base, ok := bases[r.SeriesID]
			if !ok {
				continue
			}
			// Superseded and ghosted overrides are never rendered.
			key := model.SeriesKey{SeriesID: r.SeriesID, OriginalDate: r.OriginalDate}
			if latest[key] != i || ghosted[key] {
				continue
			}
			ev := cal.AddEvent(r.SeriesID)
			writeFields(ev, r.ID, r.Fields, now)
			ev.SetProperty(propRecurID, r.OriginalDate.At(base.Start, time.UTC).Format(floatingLayout))
		}
	}

	return cal.Serialize()
}

func writeFields(ev *ical.VEvent, id string, f model.Fields, now time.Time) {
	ev.SetDtStampTime(now.UTC())
	ev.SetProperty(ical.ComponentPropertyDtStart, f.Date.At(f.Start, time.UTC).Format(floatingLayout))
	ev.SetProperty(ical.ComponentPropertyDtEnd, f.Date.At(f.End, time.UTC).Format(floatingLayout))
	ev.SetSummary(f.Title)
	if f.Description != "" {
		ev.SetDescription(f.Description)
	}
	if f.Location != "" {
		ev.SetLocation(f.Location)
	}
	if f.Color != "" {
		ev.SetProperty(propColor, string(f.Color))
	}
	ev.SetProperty(propRecordID, id)
}

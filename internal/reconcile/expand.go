// Package reconcile merges base series, overrides, ghosts and standalone
// records into the flat list of instances shown for a date window.
package reconcile

import (
	"errors"
	"fmt"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/recurrence"
)

// Config controls one expansion pass.
type Config struct {
	// Window is the inclusive date range to produce instances for.
	Window model.Window

	// MaxInstancesPerSeries caps candidate dates per series. If zero,
	// recurrence.DefaultMaxDates is used.
	MaxInstancesPerSeries int
}

// Result is the outcome of an expansion pass. Instances are unordered; use
// model.SortInstances for display order.
type Result struct {
	Instances []model.Instance

	// SeriesErrors holds one error per series that could not be expanded
	// (*recurrence.InvalidRuleError, *DuplicateSeriesError). Other series
	// are unaffected.
	SeriesErrors []error

	// Orphans lists overrides and ghosts whose series has no base. They are
	// never rendered.
	Orphans []*model.MissingReferenceError

	// Truncated lists series ids that hit MaxInstancesPerSeries.
	Truncated []string
}

// Err joins SeriesErrors, or returns nil.
func (r Result) Err() error { return errors.Join(r.SeriesErrors...) }

// DuplicateSeriesError reports a second base record for an already seen
// series id. The first base in list order wins.
type DuplicateSeriesError struct {
	SeriesID string
	RecordID string
}

func (e *DuplicateSeriesError) Error() string {
	return fmt.Sprintf("series %q: duplicate base record %q ignored", e.SeriesID, e.RecordID)
}

type seriesIndex struct {
	overrides map[model.Date]model.Override
	ghosts    map[model.Date]struct{}
	// order keeps override slots in first-seen order so output does not
	// depend on map iteration.
	order []model.Date
}

// Expand produces the instances of list that fall inside cfg.Window. It is
// pure: the list is not modified and identical inputs give identical
// results.
func Expand(list model.MasterList, cfg Config) (Result, error) {
	var result Result

	if err := cfg.Window.Validate(); err != nil {
		return result, fmt.Errorf("expand: %w", err)
	}
	if cfg.MaxInstancesPerSeries <= 0 {
		cfg.MaxInstancesPerSeries = recurrence.DefaultMaxDates
	}

	bases := make([]model.Base, 0)
	baseSeen := make(map[string]bool)
	index := make(map[string]*seriesIndex)
	slot := func(seriesID string) *seriesIndex {
		si, ok := index[seriesID]
		if !ok {
			si = &seriesIndex{
				overrides: make(map[model.Date]model.Override),
				ghosts:    make(map[model.Date]struct{}),
			}
			index[seriesID] = si
		}
		return si
	}

	// Partition. Standalone records are emitted directly.
	for _, rec := range list {
		switch r := rec.(type) {
		case model.Standalone:
			if cfg.Window.Contains(r.Date) {
				result.Instances = append(result.Instances, model.Instance{ID: r.ID, Rule: model.RuleNone, Fields: r.Fields})
			}
		case model.Base:
			if baseSeen[r.SeriesID] {
				result.SeriesErrors = append(result.SeriesErrors, &DuplicateSeriesError{SeriesID: r.SeriesID, RecordID: r.ID})
				continue
			}
			baseSeen[r.SeriesID] = true
			bases = append(bases, r)
		case model.Override:
			si := slot(r.SeriesID)
			if _, dup := si.overrides[r.OriginalDate]; !dup {
				si.order = append(si.order, r.OriginalDate)
			}
			// Later overrides for the same slot replace earlier ones.
			si.overrides[r.OriginalDate] = r
		case model.Ghost:
			slot(r.SeriesID).ghosts[r.OriginalDate] = struct{}{}
		default:
			panic(fmt.Sprintf("reconcile: unknown record type %T", rec))
		}
	}

	for _, b := range bases {
		si := index[b.SeriesID]
		if si == nil {
			si = &seriesIndex{}
		}
		instances, truncated, err := expandSeries(b, si, cfg)
		if err != nil {
			var ire *recurrence.InvalidRuleError
			if errors.As(err, &ire) {
				ire.SeriesID = b.SeriesID
			}
			appLog.Error("expand: series skipped", err, "series", b.SeriesID, "rule", b.Rule)
			result.SeriesErrors = append(result.SeriesErrors, err)
			continue
		}
		if truncated {
			result.Truncated = append(result.Truncated, b.SeriesID)
			appLog.Error("expand: truncated occurrences for series due to cap",
				errors.New("max instances reached"),
				"series", b.SeriesID,
				"cap", cfg.MaxInstancesPerSeries,
			)
		}
		result.Instances = append(result.Instances, instances...)
	}

	result.Orphans = orphans(list, baseSeen)
	for _, o := range result.Orphans {
		appLog.Debug("expand: dropping orphan record", "id", o.RecordID, "series", o.SeriesID, "original_date", o.OriginalDate)
	}

	return result, nil
}

// expandSeries produces the instances of one base. A moved override is
// filtered by its own date, so it can leave the window or enter it from a
// slot outside the window.
func expandSeries(b model.Base, si *seriesIndex, cfg Config) ([]model.Instance, bool, error) {
	rule, err := recurrence.Parse(b.Rule)
	if err != nil {
		return nil, false, err
	}
	dates, truncated, err := rule.Expand(b.Date, b.Start, cfg.Window, cfg.MaxInstancesPerSeries)
	if err != nil {
		return nil, false, err
	}

	out := make([]model.Instance, 0, len(dates))
	for _, d := range dates {
		if _, deleted := si.ghosts[d]; deleted {
			continue
		}
		if ov, ok := si.overrides[d]; ok {
			if cfg.Window.Contains(ov.Date) {
				out = append(out, merged(b, ov))
			}
			continue
		}
		out = append(out, synthesized(b, d))
	}

	// Overrides moved into the window from a slot outside it.
	for _, od := range si.order {
		if cfg.Window.Contains(od) {
			continue
		}
		ov := si.overrides[od]
		if !cfg.Window.Contains(ov.Date) {
			continue
		}
		if _, deleted := si.ghosts[od]; deleted {
			continue
		}
		if !rule.Generates(b.Date, b.Start, od) {
			continue
		}
		out = append(out, merged(b, ov))
	}

	return out, truncated, nil
}

func synthesized(b model.Base, d model.Date) model.Instance {
	f := b.Fields
	f.Date = d
	return model.Instance{
		ID:           InstanceID(b.ID, d),
		SeriesID:     b.SeriesID,
		Rule:         b.Rule,
		OriginalDate: d,
		Fields:       f,
		Recurring:    true,
	}
}

func merged(b model.Base, ov model.Override) model.Instance {
	return model.Instance{
		ID:           ov.ID,
		SeriesID:     b.SeriesID,
		Rule:         b.Rule,
		OriginalDate: ov.OriginalDate,
		Fields:       ov.Fields,
		Recurring:    true,
		Exception:    true,
	}
}

// InstanceID is the stable id of an unmodified occurrence.
func InstanceID(baseID string, d model.Date) string {
	return baseID + "-" + d.String()
}

func orphans(list model.MasterList, bases map[string]bool) []*model.MissingReferenceError {
	var out []*model.MissingReferenceError
	for _, rec := range list {
		var od model.Date
		switch r := rec.(type) {
		case model.Override:
			od = r.OriginalDate
		case model.Ghost:
			od = r.OriginalDate
		default:
			continue
		}
		sid := model.SeriesOf(rec)
		if bases[sid] {
			continue
		}
		out = append(out, &model.MissingReferenceError{RecordID: rec.RecordID(), SeriesID: sid, OriginalDate: od})
	}
	return out
}

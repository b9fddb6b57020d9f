// Package mutate resolves edit and delete requests into a new master list at
// either single-occurrence or whole-series scope.
//
// Every operation takes the current list by value and returns a complete new
// list, or an error and no list. The input is never modified.
package mutate

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"recurcal/internal/model"
	"recurcal/internal/recurrence"
)

// ErrRecordNotFound is returned when a series-scope target is not in the list.
var ErrRecordNotFound = errors.New("record not found")

// Resolver applies mutations. The zero value generates UUIDv4 ids.
type Resolver struct {
	// NewID returns a fresh record or series id.
	NewID func() string
}

// New returns a Resolver backed by github.com/google/uuid.
func New() *Resolver {
	return &Resolver{NewID: uuid.NewString}
}

func (r *Resolver) newID() string {
	if r == nil || r.NewID == nil {
		return uuid.NewString()
	}
	return r.NewID()
}

// Save applies an edit form to target.
//
//   - ScopeInstance appends an override for the target's occurrence. Earlier
//     overrides for the same occurrence stay in the list; the last one wins
//     on expansion.
//   - ScopeSeries replaces the base of the target's series, an existing
//     standalone record in place, or creates a new record when target is
//     new.
func (r *Resolver) Save(list model.MasterList, target model.Target, form Form, scope Scope) (model.MasterList, error) {
	fields, rule, err := form.Validate()
	if err != nil {
		return nil, err
	}

	switch scope {
	case ScopeInstance:
		return r.saveInstance(list, target, fields)
	case ScopeSeries:
		switch {
		case target.InSeries():
			return saveSeries(list, target, fields, rule)
		case !target.IsNew():
			return r.replaceRecord(list, target, fields, rule)
		default:
			return r.create(list, fields, rule), nil
		}
	default:
		return nil, invalidField("scope", fmt.Sprintf("unknown scope %q", scope))
	}
}

func (r *Resolver) saveInstance(list model.MasterList, target model.Target, fields model.Fields) (model.MasterList, error) {
	base, err := occurrenceBase(list, target)
	if err != nil {
		return nil, err
	}
	ov := model.Override{
		ID:           r.newID(),
		SeriesID:     base.SeriesID,
		OriginalDate: target.OriginalDate,
		Fields:       fields,
	}
	return appendRecord(list, ov), nil
}

func saveSeries(list model.MasterList, target model.Target, fields model.Fields, rule string) (model.MasterList, error) {
	base, idx, ok := list.FindBase(target.SeriesID)
	if !ok {
		return nil, &model.MissingReferenceError{RecordID: target.ID, SeriesID: target.SeriesID, OriginalDate: target.OriginalDate}
	}
	updated := model.Base{
		ID:       base.ID,
		SeriesID: base.SeriesID,
		Rule:     base.Rule,
		Fields:   fields,
	}
	// A NONE form rule keeps the current schedule; a base cannot drop its rule.
	if rule != "" {
		updated.Rule = rule
	}
	out := list.Clone()
	out[idx] = updated
	return out, nil
}

func (r *Resolver) replaceRecord(list model.MasterList, target model.Target, fields model.Fields, rule string) (model.MasterList, error) {
	idx := list.Find(target.ID)
	if idx < 0 {
		return nil, fmt.Errorf("save %q: %w", target.ID, ErrRecordNotFound)
	}
	if _, ok := list[idx].(model.Standalone); !ok {
		return nil, invalidField("target", fmt.Sprintf("record %q is a %s and needs its series id", target.ID, list[idx].Kind()))
	}

	var rec model.Record = model.Standalone{ID: target.ID, Fields: fields}
	if rule != "" {
		rec = model.Base{ID: target.ID, SeriesID: r.newID(), Rule: rule, Fields: fields}
	}
	out := list.Clone()
	out[idx] = rec
	return out, nil
}

func (r *Resolver) create(list model.MasterList, fields model.Fields, rule string) model.MasterList {
	id := r.newID()
	if rule == "" {
		return appendRecord(list, model.Standalone{ID: id, Fields: fields})
	}
	return appendRecord(list, model.Base{ID: id, SeriesID: r.newID(), Rule: rule, Fields: fields})
}

// Delete removes target.
//
//   - ScopeInstance appends a ghost for the target's occurrence. Deleting an
//     occurrence that already has a ghost returns an unchanged copy.
//   - ScopeSeries removes every record sharing the target's series id, or the
//     single record with the target's id when it has no series.
func (r *Resolver) Delete(list model.MasterList, target model.Target, scope Scope) (model.MasterList, error) {
	switch scope {
	case ScopeInstance:
		base, err := occurrenceBase(list, target)
		if err != nil {
			return nil, err
		}
		for _, rec := range list {
			if g, ok := rec.(model.Ghost); ok && g.SeriesID == base.SeriesID && g.OriginalDate == target.OriginalDate {
				return list.Clone(), nil
			}
		}
		f := base.Fields
		f.Date = target.OriginalDate
		ghost := model.Ghost{
			ID:           r.newID(),
			SeriesID:     base.SeriesID,
			OriginalDate: target.OriginalDate,
			Fields:       f,
		}
		return appendRecord(list, ghost), nil

	case ScopeSeries:
		if target.InSeries() {
			out := make(model.MasterList, 0, len(list))
			for _, rec := range list {
				if model.SeriesOf(rec) != target.SeriesID {
					out = append(out, rec)
				}
			}
			if len(out) == len(list) {
				return nil, fmt.Errorf("delete series %q: %w", target.SeriesID, ErrRecordNotFound)
			}
			return out, nil
		}
		if target.ID == "" {
			return nil, invalidField("target", "missing id")
		}
		idx := list.Find(target.ID)
		if idx < 0 {
			return nil, fmt.Errorf("delete %q: %w", target.ID, ErrRecordNotFound)
		}
		out := make(model.MasterList, 0, len(list)-1)
		out = append(out, list[:idx]...)
		out = append(out, list[idx+1:]...)
		return out, nil

	default:
		return nil, invalidField("scope", fmt.Sprintf("unknown scope %q", scope))
	}
}

// occurrenceBase checks that target names a slot the series actually
// generates and returns the series base.
func occurrenceBase(list model.MasterList, target model.Target) (model.Base, error) {
	if !target.InSeries() {
		return model.Base{}, invalidField("target", "instance scope needs a recurring occurrence")
	}
	if target.OriginalDate.IsZero() {
		return model.Base{}, invalidField("originalDate", "required for instance scope")
	}
	base, _, ok := list.FindBase(target.SeriesID)
	if !ok {
		return model.Base{}, &model.MissingReferenceError{RecordID: target.ID, SeriesID: target.SeriesID, OriginalDate: target.OriginalDate}
	}
	rule, err := recurrence.Parse(base.Rule)
	if err != nil {
		var ire *recurrence.InvalidRuleError
		if errors.As(err, &ire) {
			ire.SeriesID = base.SeriesID
		}
		return model.Base{}, &ValidationError{
			Problems: []FieldProblem{{Field: "recurrenceRule", Reason: err.Error()}},
			Err:      err,
		}
	}
	if !rule.Generates(base.Date, base.Start, target.OriginalDate) {
		return model.Base{}, invalidField("originalDate", fmt.Sprintf("series %q has no occurrence on %s", base.SeriesID, target.OriginalDate))
	}
	return base, nil
}

func appendRecord(list model.MasterList, rec model.Record) model.MasterList {
	out := make(model.MasterList, 0, len(list)+1)
	out = append(out, list...)
	return append(out, rec)
}

var defaultResolver = New()

// Save applies form with a UUID-backed resolver.
func Save(list model.MasterList, target model.Target, form Form, scope Scope) (model.MasterList, error) {
	return defaultResolver.Save(list, target, form, scope)
}

// Delete removes target with a UUID-backed resolver.
func Delete(list model.MasterList, target model.Target, scope Scope) (model.MasterList, error) {
	return defaultResolver.Delete(list, target, scope)
}

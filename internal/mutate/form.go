package mutate

import (
	"fmt"
	"strings"

	"recurcal/internal/model"
	"recurcal/internal/recurrence"
)

// Scope is the granularity of a save or delete.
type Scope string

const (
	ScopeInstance Scope = "instance"
	ScopeSeries   Scope = "series"
)

// ParseScope accepts "instance" or "series".
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeInstance:
		return ScopeInstance, nil
	case ScopeSeries:
		return ScopeSeries, nil
	default:
		return "", &ValidationError{Problems: []FieldProblem{{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", s)}}}
	}
}

// Form is the unvalidated edit-form payload.
type Form struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Date           string `json:"date"`
	StartTime      string `json:"startTime"`
	EndTime        string `json:"endTime"`
	Color          string `json:"color"`
	Location       string `json:"location"`
	RecurrenceRule string `json:"recurrenceRule"`
}

// FormFrom fills a form from existing fields, the way an edit dialog opens.
func FormFrom(f model.Fields, rule string) Form {
	if rule == "" {
		rule = model.RuleNone
	}
	return Form{
		Title:          f.Title,
		Description:    f.Description,
		Date:           f.Date.String(),
		StartTime:      f.Start.String(),
		EndTime:        f.End.String(),
		Color:          string(f.Color),
		Location:       f.Location,
		RecurrenceRule: rule,
	}
}

// FieldProblem is one rejected form field.
type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError rejects a mutation before any list change.
type ValidationError struct {
	Problems []FieldProblem
	Err      error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalidField(field, reason string) *ValidationError {
	return &ValidationError{Problems: []FieldProblem{{Field: field, Reason: reason}}}
}

// Validate checks every field and returns the typed fields plus the
// canonical rule token ("" for NONE). All problems are reported together.
func (f Form) Validate() (model.Fields, string, error) {
	var (
		out  model.Fields
		rule string
		verr ValidationError
		err  error
	)
	add := func(field string, e error) {
		verr.Problems = append(verr.Problems, FieldProblem{Field: field, Reason: e.Error()})
	}

	out.Title = strings.TrimSpace(f.Title)
	if out.Title == "" {
		verr.Problems = append(verr.Problems, FieldProblem{Field: "title", Reason: "required"})
	}
	out.Description = f.Description
	out.Location = strings.TrimSpace(f.Location)

	if out.Date, err = model.ParseDate(f.Date); err != nil {
		add("date", err)
	}
	startOK, endOK := true, true
	if out.Start, err = model.ParseClock(f.StartTime); err != nil {
		add("startTime", err)
		startOK = false
	}
	if out.End, err = model.ParseClock(f.EndTime); err != nil {
		add("endTime", err)
		endOK = false
	}
	if startOK && endOK && out.End.Minutes() < out.Start.Minutes() {
		verr.Problems = append(verr.Problems, FieldProblem{Field: "endTime", Reason: "ends before it starts"})
	}
	if out.Color, err = model.ParseColor(f.Color); err != nil {
		add("color", err)
	}

	if !recurrence.IsNone(f.RecurrenceRule) {
		r, perr := recurrence.Parse(f.RecurrenceRule)
		if perr != nil {
			add("recurrenceRule", perr)
			verr.Err = perr
		} else {
			rule = r.Token()
		}
	}

	if len(verr.Problems) > 0 {
		return model.Fields{}, "", &verr
	}
	return out, rule, nil
}

package model

import (
	"fmt"
	"sort"
	"strings"
)

// Color is the enumerated display color token of an event.
type Color string

const (
	ColorBlue   Color = "blue"
	ColorRed    Color = "red"
	ColorGreen  Color = "green"
	ColorYellow Color = "yellow"
	ColorPurple Color = "purple"
	ColorPink   Color = "pink"
	ColorIndigo Color = "indigo"
	ColorOrange Color = "orange"
	ColorTeal   Color = "teal"
	ColorGray   Color = "gray"

	DefaultColor = ColorBlue
)

var knownColors = map[Color]struct{}{
	ColorBlue: {}, ColorRed: {}, ColorGreen: {}, ColorYellow: {}, ColorPurple: {},
	ColorPink: {}, ColorIndigo: {}, ColorOrange: {}, ColorTeal: {}, ColorGray: {},
}

// ParseColor maps a token onto a known color. An empty token yields DefaultColor.
func ParseColor(s string) (Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultColor, nil
	}
	c := Color(s)
	if _, ok := knownColors[c]; !ok {
		return "", fmt.Errorf("unknown color %q", s)
	}
	return c, nil
}

// Fields are the displayable fields every record variant carries.
type Fields struct {
	Title       string
	Description string
	Date        Date
	Start       Clock
	End         Clock
	Color       Color
	Location    string
}

// Kind tags the record variant.
type Kind int

const (
	KindStandalone Kind = iota
	KindBase
	KindOverride
	KindGhost
)

func (k Kind) String() string {
	switch k {
	case KindStandalone:
		return "standalone"
	case KindBase:
		return "base"
	case KindOverride:
		return "override"
	case KindGhost:
		return "ghost"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Record is one entry of the master list. The set of implementations is
// closed: Standalone, Base, Override and Ghost.
type Record interface {
	RecordID() string
	Kind() Kind
	Data() Fields
	isRecord()
}

// Standalone is a one-off event outside any series.
type Standalone struct {
	ID string
	Fields
}

// Base defines a recurring series. Fields.Date and Fields.Start anchor the rule.
type Base struct {
	ID       string
	SeriesID string
	Rule     string
	Fields
}

// Override replaces the occurrence of a series that would have fallen on
// OriginalDate. Fields.Date may differ when the occurrence was moved.
type Override struct {
	ID           string
	SeriesID     string
	OriginalDate Date
	Fields
}

// Ghost removes the occurrence of a series on OriginalDate.
type Ghost struct {
	ID           string
	SeriesID     string
	OriginalDate Date
	Fields
}

func (r Standalone) RecordID() string { return r.ID }
func (r Base) RecordID() string       { return r.ID }
func (r Override) RecordID() string   { return r.ID }
func (r Ghost) RecordID() string      { return r.ID }

func (Standalone) Kind() Kind { return KindStandalone }
func (Base) Kind() Kind       { return KindBase }
func (Override) Kind() Kind   { return KindOverride }
func (Ghost) Kind() Kind      { return KindGhost }

func (r Standalone) Data() Fields { return r.Fields }
func (r Base) Data() Fields       { return r.Fields }
func (r Override) Data() Fields   { return r.Fields }
func (r Ghost) Data() Fields      { return r.Fields }

func (Standalone) isRecord() {}
func (Base) isRecord()       {}
func (Override) isRecord()   {}
func (Ghost) isRecord()      {}

// SeriesOf returns the series id of r, or "" for a standalone record.
func SeriesOf(r Record) string {
	switch v := r.(type) {
	case Standalone:
		return ""
	case Base:
		return v.SeriesID
	case Override:
		return v.SeriesID
	case Ghost:
		return v.SeriesID
	default:
		panic(fmt.Sprintf("model: unknown record type %T", r))
	}
}

// SeriesKey identifies one slot of a series.
type SeriesKey struct {
	SeriesID     string
	OriginalDate Date
}

func (k SeriesKey) String() string { return k.SeriesID + "@" + k.OriginalDate.String() }

// Instance is a concrete dated occurrence produced for display.
type Instance struct {
	ID           string
	SeriesID     string
	Rule         string
	OriginalDate Date
	Fields

	// Recurring is set for every occurrence derived from a series.
	Recurring bool
	// Exception is set when an override supplied the fields.
	Exception bool
}

// Target returns the mutation target describing this instance.
func (i Instance) Target() Target {
	return Target{
		ID:           i.ID,
		SeriesID:     i.SeriesID,
		OriginalDate: i.OriginalDate,
		Instance:     i.Recurring,
		Exception:    i.Exception,
	}
}

// Target identifies what a save or delete acts on. The zero Target means a
// new record.
type Target struct {
	ID           string `json:"id,omitempty"`
	SeriesID     string `json:"recurrenceId,omitempty"`
	OriginalDate Date   `json:"originalDate"`
	Instance     bool   `json:"isInstance,omitempty"`
	Exception    bool   `json:"isException,omitempty"`
}

func (t Target) IsNew() bool    { return t.ID == "" && t.SeriesID == "" }
func (t Target) InSeries() bool { return t.SeriesID != "" }

// Ambiguous reports whether the caller has to ask for a scope before
// mutating this target.
func (t Target) Ambiguous() bool { return t.Instance || t.Exception }

// TargetOf builds the Target for a master-list record. A Base targets its
// anchor occurrence.
func TargetOf(r Record) Target {
	switch v := r.(type) {
	case Standalone:
		return Target{ID: v.ID}
	case Base:
		return Target{ID: v.ID, SeriesID: v.SeriesID, OriginalDate: v.Date}
	case Override:
		return Target{ID: v.ID, SeriesID: v.SeriesID, OriginalDate: v.OriginalDate, Exception: true}
	case Ghost:
		return Target{ID: v.ID, SeriesID: v.SeriesID, OriginalDate: v.OriginalDate}
	default:
		panic(fmt.Sprintf("model: unknown record type %T", r))
	}
}

// SortInstances orders instances by (date, start time, id).
func SortInstances(in []Instance) {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if c := a.Date.Compare(b.Date); c != 0 {
			return c < 0
		}
		if a.Start != b.Start {
			return a.Start.Minutes() < b.Start.Minutes()
		}
		return a.ID < b.ID
	})
}

// MissingReferenceError reports an override or ghost whose series has no
// base record.
type MissingReferenceError struct {
	RecordID     string
	SeriesID     string
	OriginalDate Date
}

func (e *MissingReferenceError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("series %q has no base record", e.SeriesID)
	}
	return fmt.Sprintf("record %q references series %q (slot %s) with no base record", e.RecordID, e.SeriesID, e.OriginalDate)
}

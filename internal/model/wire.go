package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RuleNone is the rule token of a non-recurring record.
const RuleNone = "NONE"

// ErrInvalidRecord is wrapped by every decode failure.
var ErrInvalidRecord = errors.New("invalid record")

// Wire is the JSON shape shared with the presentation and persistence
// collaborators. The three flags select the variant.
type Wire struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Date           string `json:"date"`
	StartTime      string `json:"startTime"`
	EndTime        string `json:"endTime"`
	Color          string `json:"color"`
	Location       string `json:"location"`
	RecurrenceRule string `json:"recurrenceRule,omitempty"`
	RecurrenceID   string `json:"recurrenceId,omitempty"`
	OriginalDate   string `json:"originalDate,omitempty"`
	IsBaseEvent    bool   `json:"isBaseEvent,omitempty"`
	IsException    bool   `json:"isException,omitempty"`
	IsDeleted      bool   `json:"isDeleted,omitempty"`
	IsInstance     bool   `json:"isInstance,omitempty"`
}

// Decode turns a wire record into its variant. Flag combinations that do
// not name exactly one variant are rejected.
func Decode(w Wire) (Record, error) {
	if strings.TrimSpace(w.ID) == "" {
		return nil, invalid(w, "missing id")
	}
	if w.IsInstance {
		return nil, invalid(w, "expanded instances cannot be stored")
	}

	flags := 0
	for _, f := range []bool{w.IsBaseEvent, w.IsException, w.IsDeleted} {
		if f {
			flags++
		}
	}
	if flags > 1 {
		return nil, invalid(w, "conflicting variant flags")
	}

	switch {
	case w.IsBaseEvent:
		if w.RecurrenceID == "" {
			return nil, invalid(w, "base record without recurrenceId")
		}
		rule := strings.TrimSpace(w.RecurrenceRule)
		if rule == "" || strings.EqualFold(rule, RuleNone) {
			return nil, invalid(w, "base record without recurrence rule")
		}
		f, err := decodeFields(w, Date{})
		if err != nil {
			return nil, err
		}
		return Base{ID: w.ID, SeriesID: w.RecurrenceID, Rule: rule, Fields: f}, nil

	case w.IsException, w.IsDeleted:
		if w.RecurrenceID == "" {
			return nil, invalid(w, "occurrence record without recurrenceId")
		}
		od, err := ParseDate(w.OriginalDate)
		if err != nil {
			return nil, invalid(w, "originalDate: "+err.Error())
		}
		if w.IsDeleted {
			// Ghosts only need their key; the fields are informational.
			f, err := decodeFields(w, od)
			if err != nil {
				f = Fields{Date: od, Color: DefaultColor}
			}
			return Ghost{ID: w.ID, SeriesID: w.RecurrenceID, OriginalDate: od, Fields: f}, nil
		}
		f, err := decodeFields(w, Date{})
		if err != nil {
			return nil, err
		}
		return Override{ID: w.ID, SeriesID: w.RecurrenceID, OriginalDate: od, Fields: f}, nil

	default:
		if w.RecurrenceID != "" {
			return nil, invalid(w, "recurrenceId without a variant flag")
		}
		f, err := decodeFields(w, Date{})
		if err != nil {
			return nil, err
		}
		return Standalone{ID: w.ID, Fields: f}, nil
	}
}

// Encode is the inverse of Decode.
func Encode(r Record) Wire {
	w := encodeFields(r.RecordID(), r.Data())
	switch v := r.(type) {
	case Standalone:
		w.RecurrenceRule = RuleNone
	case Base:
		w.RecurrenceRule = v.Rule
		w.RecurrenceID = v.SeriesID
		w.IsBaseEvent = true
	case Override:
		w.RecurrenceID = v.SeriesID
		w.OriginalDate = v.OriginalDate.String()
		w.IsException = true
	case Ghost:
		w.RecurrenceID = v.SeriesID
		w.OriginalDate = v.OriginalDate.String()
		w.IsDeleted = true
	default:
		panic(fmt.Sprintf("model: unknown record type %T", r))
	}
	return w
}

// EncodeInstance renders an instance in wire form for presentation.
func EncodeInstance(i Instance) Wire {
	w := encodeFields(i.ID, i.Fields)
	w.RecurrenceRule = RuleNone
	if i.Recurring {
		w.RecurrenceRule = i.Rule
		w.RecurrenceID = i.SeriesID
		w.OriginalDate = i.OriginalDate.String()
		w.IsInstance = true
		w.IsException = i.Exception
	}
	return w
}

func (i Instance) MarshalJSON() ([]byte, error) { return json.Marshal(EncodeInstance(i)) }

func decodeFields(w Wire, fallbackDate Date) (Fields, error) {
	var (
		f   Fields
		err error
	)
	f.Title = w.Title
	f.Description = w.Description
	f.Location = w.Location

	if strings.TrimSpace(w.Date) == "" && !fallbackDate.IsZero() {
		f.Date = fallbackDate
	} else if f.Date, err = ParseDate(w.Date); err != nil {
		return Fields{}, invalid(w, "date: "+err.Error())
	}
	if f.Start, err = ParseClock(w.StartTime); err != nil {
		return Fields{}, invalid(w, "startTime: "+err.Error())
	}
	if f.End, err = ParseClock(w.EndTime); err != nil {
		return Fields{}, invalid(w, "endTime: "+err.Error())
	}
	if f.Color, err = ParseColor(w.Color); err != nil {
		return Fields{}, invalid(w, err.Error())
	}
	return f, nil
}

func encodeFields(id string, f Fields) Wire {
	return Wire{
		ID:          id,
		Title:       f.Title,
		Description: f.Description,
		Date:        f.Date.String(),
		StartTime:   f.Start.String(),
		EndTime:     f.End.String(),
		Color:       string(f.Color),
		Location:    f.Location,
	}
}

func invalid(w Wire, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidRecord, w.ID, reason)
}

// MasterList is an immutable snapshot of every stored record.
type MasterList []Record

// Clone returns a copy that shares no backing array with l.
func (l MasterList) Clone() MasterList {
	out := make(MasterList, len(l))
	copy(out, l)
	return out
}

// Find returns the index of the record with the given id, or -1.
func (l MasterList) Find(id string) int {
	for i, r := range l {
		if r.RecordID() == id {
			return i
		}
	}
	return -1
}

// FindBase returns the base record of a series.
func (l MasterList) FindBase(seriesID string) (Base, int, bool) {
	for i, r := range l {
		if b, ok := r.(Base); ok && b.SeriesID == seriesID {
			return b, i, true
		}
	}
	return Base{}, -1, false
}

func (l MasterList) Wire() []Wire {
	out := make([]Wire, 0, len(l))
	for _, r := range l {
		out = append(out, Encode(r))
	}
	return out
}

// DecodeList decodes every wire record. The first failure aborts the whole
// list.
func DecodeList(ws []Wire) (MasterList, error) {
	out := make(MasterList, 0, len(ws))
	for i, w := range ws {
		r, err := Decode(w)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (l MasterList) MarshalJSON() ([]byte, error) { return json.Marshal(l.Wire()) }

func (l *MasterList) UnmarshalJSON(b []byte) error {
	var ws []Wire
	if err := json.Unmarshal(b, &ws); err != nil {
		return err
	}
	out, err := DecodeList(ws)
	if err != nil {
		return err
	}
	*l = out
	return nil
}

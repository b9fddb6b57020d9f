package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"recurcal/internal/model"
)

func sampleList() model.MasterList {
	f := model.Fields{
		Title: "Standup",
		Date:  model.MustDate("2024-06-03"),
		Start: model.MustClock("09:00"),
		End:   model.MustClock("09:30"),
		Color: model.ColorBlue,
	}
	return model.MasterList{
		model.Base{ID: "b", SeriesID: "s", Rule: "RRULE:FREQ=WEEKLY", Fields: f},
		model.Ghost{ID: "g", SeriesID: "s", OriginalDate: model.MustDate("2024-06-10"), Fields: model.Fields{Date: model.MustDate("2024-06-10"), Color: model.ColorBlue}},
		model.Standalone{ID: "x", Fields: model.Fields{Title: "Dentist", Date: model.MustDate("2024-06-05"), Start: model.MustClock("14:00"), End: model.MustClock("15:00"), Color: model.ColorRed}},
	}
}

func assertSameList(t *testing.T, got, want model.MasterList) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %#v, want %#v", i, got[i], want[i])
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "events.json")
	s := NewFileStore(path)

	empty, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty list, got %d", len(empty))
	}

	if err := s.Save(ctx, sampleList()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", info.Mode().Perm())
	}
	if !s.isOwnWrite() {
		t.Fatal("own write not recognised")
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSameList(t, got, sampleList())
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte(`[{"id":"a","isBaseEvent":true,"isDeleted":true}]`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if err := s.Save(ctx, sampleList()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	shorter := sampleList()[:1]
	if err := s.Save(ctx, shorter); err != nil {
		t.Fatalf("Save shorter: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSameList(t, got, shorter)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres", Path: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "file"}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

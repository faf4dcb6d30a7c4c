package journal

import (
	"testing"
	"time"

	"fileforge/internal/domain"
)

func TestJournal(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	old := time.Now().Add(-10 * 24 * time.Hour)
	entries := []Entry{
		{JobID: "a", Surface: domain.SurfaceConversion, Kind: domain.KindInternal, Message: "boom", Attempt: 1, At: old},
		{JobID: "a", Surface: domain.SurfaceConversion, Kind: domain.KindInternal, Message: "boom again", Attempt: 2},
		{JobID: "ab", Surface: domain.SurfacePublicConversion, Kind: domain.KindSourceMissing, Message: "gone", Attempt: 1},
	}
	for _, e := range entries {
		if err := j.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.ForJob("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Attempt != 1 || got[1].Message != "boom again" {
		t.Fatalf("ForJob(a) = %+v", got)
	}

	removed, err := j.Prune(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("Prune removed %d", removed)
	}
	got, _ = j.ForJob("a")
	if len(got) != 1 {
		t.Fatalf("after prune ForJob(a) = %d entries", len(got))
	}
	got, _ = j.ForJob("ab")
	if len(got) != 1 || got[0].Kind != domain.KindSourceMissing {
		t.Fatalf("ForJob(ab) = %+v", got)
	}
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	if err := j.Record(Entry{JobID: "x"}); err != nil {
		t.Fatal(err)
	}
	if n, err := j.Prune(time.Now()); n != 0 || err != nil {
		t.Fatal("nil journal prune should be a no-op")
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
}

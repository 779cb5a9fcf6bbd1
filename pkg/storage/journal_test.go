package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalRecordAndRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "events.sqlite")
	j, err := OpenJournal(dbPath, "host-1")
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	events := []Event{
		{Time: base, DeviceID: "A", Event: "register"},
		{Time: base.Add(time.Second), DeviceID: "A", PoolID: "p", Event: "join", Detail: map[string]int{"deviceCount": 1}},
		{Time: base.Add(2 * time.Second), DeviceID: "B", PoolID: "p", Event: "join"},
		{Time: base.Add(3 * time.Second), DeviceID: "A", PoolID: "p", Event: "disconnect", Detail: "Connection timeout"},
	}
	for _, ev := range events {
		if err := j.Record(ctx, ev); err != nil {
			t.Fatalf("Record %s failed: %v", ev.Event, err)
		}
	}

	all, err := j.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(all) != 4 || all[0].Event != "disconnect" || all[3].Event != "register" {
		t.Fatalf("unexpected order: %+v", all)
	}
	if all[0].HostID != "host-1" {
		t.Errorf("host id not defaulted: %q", all[0].HostID)
	}
	if all[2].Detail != `{"deviceCount":1}` {
		t.Errorf("detail = %v", all[2].Detail)
	}

	onlyA, err := j.Recent(ctx, "A", 2)
	if err != nil {
		t.Fatalf("Recent(A) failed: %v", err)
	}
	if len(onlyA) != 2 || onlyA[0].Event != "disconnect" || onlyA[1].Event != "join" {
		t.Fatalf("unexpected filtered rows: %+v", onlyA)
	}
}

func TestJournalReaderSeesWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.sqlite")
	j, err := OpenJournal(dbPath, "")
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()
	if err := j.Record(context.Background(), Event{DeviceID: "A", Event: "register"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	db, err := OpenJournalReader(dbPath)
	if err != nil {
		t.Fatalf("OpenJournalReader failed: %v", err)
	}
	defer db.Close()
	rows, err := QueryRecent(context.Background(), db, "", 0)
	if err != nil {
		t.Fatalf("QueryRecent failed: %v", err)
	}
	if len(rows) != 1 || rows[0].DeviceID != "A" || rows[0].Time.IsZero() {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestResolveJournalPathFromEnv(t *testing.T) {
	want := filepath.Join(t.TempDir(), "sub", "j.sqlite")
	t.Setenv(EnvJournalDBPath, want)
	got, err := ResolveJournalPath()
	if err != nil || got != want {
		t.Fatalf("ResolveJournalPath = %q, %v", got, err)
	}
}

func TestJournalClosedReportsError(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "events.sqlite"), "")
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	j.Close()
	if err := j.Record(context.Background(), Event{DeviceID: "A", Event: "register"}); err == nil {
		t.Fatalf("expected error after close")
	}
}

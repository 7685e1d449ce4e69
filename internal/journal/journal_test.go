package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"colonytally/internal/blob/core"
	"colonytally/internal/infra/blob/memory"
	"colonytally/internal/infra/blob/s3"
	"colonytally/pkg/aggregate"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func samplePlan() aggregate.Plan {
	return aggregate.NewPlan(
		aggregate.Entry{Parent: aggregate.ParentRef{Type: "group", ID: "g1"}, Field: "member_count", Delta: aggregate.Add(1)},
		aggregate.Entry{Parent: aggregate.ParentRef{Type: "group", ID: "g1"}, Field: "min_points", Delta: aggregate.Recompute()},
	)
}

func TestAppendWritesDatedKey(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)
	j := New(memory.New(), WithClock(fixedClock(at)))
	entry, ok, err := j.Append(ctx, "create_record", []aggregate.Plan{{}, samplePlan()})
	if err != nil || !ok {
		t.Fatalf("append: %v %v", ok, err)
	}
	if len(entry.Plans) != 1 || entry.Entries() != 2 {
		t.Fatalf("expected empty plans to be dropped, got %+v", entry)
	}
	keys, err := j.List(ctx, at)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != Key(entry) {
		t.Fatalf("unexpected keys %v", keys)
	}
	want := "journal/2024/03/07/20240307T093000.000000000Z-" + entry.ID + ".json"
	if keys[0] != want {
		t.Fatalf("expected key %s, got %s", want, keys[0])
	}
	got, err := j.Read(ctx, keys[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Operation != "create_record" || got.Plans[0].Entries[1].Delta.Op != aggregate.OpRecompute || got.Plans[0].Entries[0].Delta.Amount != 1 {
		t.Fatalf("unexpected round trip %+v", got)
	}
	_, rc, err := j.Store().Get(ctx, keys[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = rc.Close()
}

func TestAppendSkipsEmptyPlans(t *testing.T) {
	j := New(memory.New())
	if _, ok, err := j.Append(context.Background(), "update_record", []aggregate.Plan{{}}); err != nil || ok {
		t.Fatalf("expected nothing to be written, got %v %v", ok, err)
	}
	keys, _ := j.List(context.Background(), time.Time{})
	if len(keys) != 0 {
		t.Fatalf("expected empty journal, got %v", keys)
	}
}

func TestListFiltersByDay(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	day1 := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)
	for _, at := range []time.Time{day1, day2, day2.Add(time.Minute)} {
		if _, _, err := New(store, WithClock(fixedClock(at))).Append(ctx, "op", []aggregate.Plan{samplePlan()}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	j := New(store)
	if keys, _ := j.List(ctx, day1); len(keys) != 1 {
		t.Fatalf("expected one entry on day1, got %v", keys)
	}
	all, _ := j.List(ctx, time.Time{})
	if len(all) != 3 || all[1] > all[2] {
		t.Fatalf("expected three chronologically sorted entries, got %v", all)
	}
}

func TestJournalOnS3(t *testing.T) {
	ctx := context.Background()
	j := New(s3.NewMockForTests())
	entry, _, err := j.Append(ctx, "refresh", []aggregate.Plan{samplePlan()})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := j.Read(ctx, Key(entry))
	if err != nil || got.ID != entry.ID {
		t.Fatalf("read: %+v %v", got, err)
	}
	if _, err := j.Read(ctx, "journal/missing.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenFromEnv(t *testing.T) {
	ctx := context.Background()
	t.Setenv("COLONYTALLY_JOURNAL_DRIVER", "")
	if _, err := Open(ctx); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	t.Setenv("COLONYTALLY_JOURNAL_DRIVER", "memory")
	j, err := Open(ctx)
	if err != nil || j.Store().Driver() != core.DriverMemory {
		t.Fatalf("memory journal: %v", err)
	}
	t.Setenv("COLONYTALLY_JOURNAL_DRIVER", "fs")
	t.Setenv("COLONYTALLY_JOURNAL_FS_ROOT", t.TempDir())
	j, err = Open(ctx)
	if err != nil || j.Store().Driver() != core.DriverFilesystem {
		t.Fatalf("fs journal: %v", err)
	}
	t.Setenv("COLONYTALLY_JOURNAL_DRIVER", "s3")
	t.Setenv("COLONYTALLY_JOURNAL_S3_BUCKET", "")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	t.Setenv("COLONYTALLY_JOURNAL_DRIVER", "tape")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"medwatch/internal/medicine"
	logx "medwatch/pkg/logx"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ext  string
		in   string
		want int
	}{
		{"json list", ".json", `[{"id":"m1","name":"A","status":"Taking","endDate":"2024-05-04"}]`, 1},
		{"json doc", ".json", `{"medicines":[{"id":"m1","name":"A","status":"Beru"},{"id":"m2","name":"B","status":"Using"}]}`, 2},
		{"yaml list", ".yaml", "- id: m1\n  name: A\n  status: Používám\n  endDate: 2024-05-04\n", 1},
		{"yaml doc", ".yml", "medicines:\n  - id: m1\n    name: A\n    status: Taking\n", 1},
		{"empty", ".json", "  ", 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			meds, skipped, err := Decode([]byte(tc.in), tc.ext)
			if err != nil || len(skipped) != 0 {
				t.Fatalf("Decode: %v", err)
			}
			if len(meds) != tc.want {
				t.Fatalf("len=%d want %d", len(meds), tc.want)
			}
		})
	}

	meds, _, err := Decode([]byte("- id: m1\n  name: A\n  status: Používám\n  endDate: 2024-05-04\n"), ".yaml")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if meds[0].Status != medicine.StatusUsing || meds[0].EndDate == nil || meds[0].EndDate.String() != "2024-05-04" {
		t.Fatalf("yaml medicine decoded wrong: %+v", meds[0])
	}

	if _, _, err := Decode([]byte(`{"medicines": 7}`), ".json"); err == nil {
		t.Fatalf("a malformed document must fail")
	}
}

func TestDecodeIsolatesBadRecords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		ext     string
		in      string
		ids     []string
		skipped int
	}{
		{"bad date", ".json", `[{"id":"m1","name":"A","status":"Beru","endDate":"2024-03-13"},{"id":"m2","name":"B","status":"Beru","endDate":"13.3.2024"}]`, []string{"m1"}, 1},
		{"numeric yaml id", ".yaml", "- id: 1\n  name: A\n  status: Beru\n- id: m2\n  name: B\n  status: Beru\n", []string{"1", "m2"}, 0},
		{"wrong id type", ".json", `{"medicines":[{"id":true,"name":"A"},{"id":"m2","name":"B"}]}`, []string{"m2"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			meds, skipped, err := Decode([]byte(tc.in), tc.ext)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			var ids []string
			for _, m := range meds {
				ids = append(ids, m.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tc.ids, ",") || len(skipped) != tc.skipped {
				t.Fatalf("ids=%v skipped=%v", ids, skipped)
			}
		})
	}
}

func TestFileSourceLoadsAroundBadRecord(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meds.json")
	doc := `[{"id":"m1","name":"A","status":"Beru","endDate":"2024-03-13"},{"id":"m2","name":"B","status":"Beru","endDate":"soon"}]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	fs := NewFile(path, logx.Nop())
	if err := fs.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	meds, err := fs.Snapshot(context.Background())
	if err != nil || len(meds) != 1 || meds[0].ID != "m1" {
		t.Fatalf("meds=%+v err=%v", meds, err)
	}
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meds.json")
	fs := NewFile(path, logx.Nop())
	if _, err := fs.Snapshot(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v want ErrNotReady", err)
	}

	if err := os.WriteFile(path, []byte(`[{"id":"m1","name":"A","status":"Taking"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := fs.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// A broken reload keeps the previous snapshot.
	if err := os.WriteFile(path, []byte(`[{`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := fs.Load(); err == nil {
		t.Fatalf("broken file should fail to load")
	}
	meds, err := fs.Snapshot(context.Background())
	if err != nil || len(meds) != 1 || meds[0].ID != "m1" {
		t.Fatalf("snapshot=%+v err=%v", meds, err)
	}
}

func TestFileSourceWatchReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meds.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o600); err != nil {
		t.Fatal(err)
	}
	fs := NewFile(path, logx.Nop())
	if err := fs.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fs.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`[{"id":"m1","name":"A","status":"Taking"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if meds, _ := fs.Snapshot(ctx); len(meds) == 1 {
			cancel()
			<-done
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watch did not reload the file")
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	t.Run("becomes ready", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		src := Func(func(ctx context.Context) ([]medicine.Medicine, error) {
			if calls.Add(1) < 3 {
				return nil, ErrNotReady
			}
			return []medicine.Medicine{{ID: "m1"}}, nil
		})
		if err := WaitReady(context.Background(), src, time.Millisecond, 20, logx.Nop()); err != nil {
			t.Fatalf("WaitReady: %v", err)
		}
		if calls.Load() != 3 {
			t.Fatalf("calls=%d want 3", calls.Load())
		}
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		src := Func(func(ctx context.Context) ([]medicine.Medicine, error) {
			calls.Add(1)
			return nil, nil
		})
		if err := WaitReady(context.Background(), src, time.Millisecond, 5, logx.Nop()); err != nil {
			t.Fatalf("WaitReady: %v", err)
		}
		if calls.Load() != 5 {
			t.Fatalf("calls=%d want 5", calls.Load())
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WaitReady(ctx, NewStatic(nil), time.Hour, 3, logx.Nop())
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v want Canceled", err)
		}
	})
}

func TestStaticCopies(t *testing.T) {
	t.Parallel()

	in := []medicine.Medicine{{ID: "m1", Name: "A"}}
	s := NewStatic(in)
	in[0].Name = "changed"
	got, _ := s.Snapshot(context.Background())
	got[0].Name = "mutated"
	again, _ := s.Snapshot(context.Background())
	if again[0].Name != "A" {
		t.Fatalf("static source leaked mutation: %+v", again)
	}
}

func TestSnapshotQuery(t *testing.T) {
	t.Parallel()

	if q, err := snapshotQuery(""); err != nil || q != "SELECT id, name, status, end_date FROM medicines ORDER BY name, id" {
		t.Fatalf("default query=%q err=%v", q, err)
	}
	if _, err := snapshotQuery("app.medicines"); err != nil {
		t.Fatalf("schema-qualified table rejected: %v", err)
	}
	for _, bad := range []string{"meds; DROP TABLE x", "1meds", "a.b.c"} {
		if _, err := snapshotQuery(bad); err == nil {
			t.Fatalf("table %q should be rejected", bad)
		}
	}
}

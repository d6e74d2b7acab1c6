package ledger_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"medwatch/internal/ledger"
	"medwatch/internal/medicine"
	"medwatch/internal/storage"
	logx "medwatch/pkg/logx"
)

func key(id string, off int, day string) ledger.Key {
	return ledger.Key{MedicineID: id, Offset: off, Day: medicine.MustParseDate(day)}
}

func TestMemoryLedger(t *testing.T) {
	Convey("Given an empty memory ledger", t, func() {
		ctx := context.Background()
		l := ledger.NewMemory()

		Convey("Then every key should fire", func() {
			So(l.ShouldFire(ctx, key("m1", 7, "2024-05-01")), ShouldBeTrue)
			So(l.Len(), ShouldEqual, 0)
		})

		Convey("When a key is recorded", func() {
			l.Record(ctx, key("m1", 7, "2024-05-01"))

			Convey("Then the same key should not fire again", func() {
				So(l.ShouldFire(ctx, key("m1", 7, "2024-05-01")), ShouldBeFalse)
			})

			Convey("And keys differing in any component should still fire", func() {
				So(l.ShouldFire(ctx, key("m2", 7, "2024-05-01")), ShouldBeTrue)
				So(l.ShouldFire(ctx, key("m1", 3, "2024-05-01")), ShouldBeTrue)
				So(l.ShouldFire(ctx, key("m1", 7, "2024-05-02")), ShouldBeTrue)
			})
		})

		Convey("When CheckAndRecord is called twice for the same key", func() {
			first := l.CheckAndRecord(ctx, key("m1", 0, "2024-05-01"))
			second := l.CheckAndRecord(ctx, key("m1", 0, "2024-05-01"))

			Convey("Then only the first call reports a new key", func() {
				So(first, ShouldBeTrue)
				So(second, ShouldBeFalse)
				So(l.Len(), ShouldEqual, 1)
			})
		})

		Convey("When many goroutines race on one key", func() {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if l.CheckAndRecord(ctx, key("m1", 3, "2024-05-05")) {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one wins", func() {
				So(wins.Load(), ShouldEqual, 1)
			})
		})

		Convey("When pruning old days", func() {
			for i := 0; i < 5; i++ {
				l.Record(ctx, key(fmt.Sprintf("m%d", i), 7, fmt.Sprintf("2024-05-0%d", i+1)))
			}
			n := l.Prune(ctx, medicine.MustParseDate("2024-05-03"))

			Convey("Then keys before the cut-off are dropped", func() {
				So(n, ShouldEqual, 2)
				So(l.Len(), ShouldEqual, 3)
				So(l.ShouldFire(ctx, key("m0", 7, "2024-05-01")), ShouldBeTrue)
				So(l.ShouldFire(ctx, key("m2", 7, "2024-05-03")), ShouldBeFalse)
			})
		})
	})
}

func TestKeyString(t *testing.T) {
	Convey("Given a key whose medicine id contains the separator", t, func() {
		k := key("a|b", -1, "2024-12-31")

		Convey("Then it round-trips through its string form", func() {
			So(k.String(), ShouldEqual, "a|b|-1|2024-12-31")
			back, err := ledger.ParseKey(k.String())
			So(err, ShouldBeNil)
			So(back, ShouldResemble, k)
		})

		Convey("And malformed keys are rejected", func() {
			_, err := ledger.ParseKey("nope")
			So(err, ShouldNotBeNil)
			_, err = ledger.ParseKey("m1|x|2024-01-01")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestPersistentLedger(t *testing.T) {
	Convey("Given a persistent ledger over a file store", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "ledger.db")
		open := func() storage.Store {
			st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
			So(err, ShouldBeNil)
			return st
		}

		st := open()
		l, err := ledger.OpenPersistent(ctx, st, logx.Nop())
		So(err, ShouldBeNil)
		So(l.CheckAndRecord(ctx, key("m1", 7, "2024-05-01")), ShouldBeTrue)
		So(l.CheckAndRecord(ctx, key("m1", 3, "2024-05-05")), ShouldBeTrue)
		So(st.Close(), ShouldBeNil)

		Convey("When it is reopened", func() {
			st2 := open()
			defer st2.Close()
			l2, err := ledger.OpenPersistent(ctx, st2, logx.Nop())
			So(err, ShouldBeNil)

			Convey("Then previously fired keys stay suppressed", func() {
				So(l2.Len(), ShouldEqual, 2)
				So(l2.CheckAndRecord(ctx, key("m1", 7, "2024-05-01")), ShouldBeFalse)
				So(l2.CheckAndRecord(ctx, key("m1", 0, "2024-05-08")), ShouldBeTrue)
			})

			Convey("And pruning removes them from the store as well", func() {
				So(l2.Prune(ctx, medicine.MustParseDate("2024-05-02")), ShouldEqual, 1)
				entries, err := st2.LoadLedger(ctx)
				So(err, ShouldBeNil)
				So(len(entries), ShouldEqual, 1)
			})
		})
	})
}

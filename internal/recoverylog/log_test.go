package recoverylog

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/logpair"
	"github.com/roach88/rlog/internal/scope"
	"github.com/roach88/rlog/internal/testutil"
	"github.com/roach88/rlog/internal/wire"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Dir:            t.TempDir(),
		ServerName:     "server1",
		ServiceName:    "transaction",
		ServiceVersion: 1,
		LogName:        "tranlog",
		InitialSizeKB:  8,
		MaxSizeKB:      64,
		DisableMapping: true,
		VectoredWrites: true,
	}
}

func newLog(t *testing.T, cfg Config, opts ...Option) *Log {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(testutil.NewDeterministicClock().Now),
		WithSuspendGate(NewSuspendGate()),
	}
	l, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return l
}

func openLog(t *testing.T, cfg Config, opts ...Option) *Log {
	t.Helper()
	l := newLog(t, cfg, opts...)
	require.NoError(t, l.Open())
	return l
}

// addUnit creates a unit with one multi-data section holding items.
func addUnit(t *testing.T, l *Log, sc scope.FailureScope, items ...string) *Unit {
	t.Helper()
	u, err := l.CreateUnit(sc)
	require.NoError(t, err)
	s, err := u.CreateSection(1, false)
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, s.AddData([]byte(item)))
	}
	return u
}

func items(t *testing.T, l *Log, unitID int64, section int32) []string {
	t.Helper()
	u, err := l.LookupUnit(unitID)
	require.NoError(t, err)
	s := u.Section(section)
	require.NotNil(t, s, "unit %d section %d", unitID, section)
	var out []string
	for _, b := range s.Data() {
		out = append(out, string(b))
	}
	return out
}

func unitIDs(t *testing.T, l *Log) []int64 {
	t.Helper()
	units, err := l.Units(nil)
	require.NoError(t, err)
	var out []int64
	for _, u := range units {
		out = append(out, u.ID())
	}
	return out
}

func stats(t *testing.T, l *Log) Stats {
	t.Helper()
	st, err := l.Stats()
	require.NoError(t, err)
	return st
}

// scopeLen is the encoded size of AllRuns("server1").
const scopeLen = 4 + len("server1") + 16

func TestCleanReopen_TenByteItem(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	u := addUnit(t, l, scope.AllRuns("server1"), "0123456789")
	require.NoError(t, u.ForceSections())

	st := stats(t, l)
	unitHdr := 24 + 18 + scopeLen
	assert.EqualValues(t, unitHdr+11+4+10, st.TotalBytes)
	assert.Zero(t, st.UnwrittenBytes)
	require.NoError(t, l.Close())
	assert.Equal(t, StateClosed, l.State())

	l = openLog(t, cfg)
	defer l.Close()
	assert.True(t, l.WasShutdownClean())
	assert.Equal(t, []int64{1}, unitIDs(t, l))
	assert.Equal(t, []string{"0123456789"}, items(t, l, 1, 1))
	assert.Equal(t, st.TotalBytes, stats(t, l).TotalBytes)
	assert.Zero(t, stats(t, l).UnwrittenBytes)
}

func TestCrash_RemovedUnitAndTornRecord(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	sc := scope.AllRuns("server1")
	u1 := addUnit(t, l, sc, "one")
	u2 := addUnit(t, l, sc, "two")
	u3 := addUnit(t, l, sc, "three")
	for _, u := range []*Unit{u1, u2, u3} {
		require.NoError(t, u.ForceSections())
	}

	require.NoError(t, l.RemoveUnit(u2.ID()))
	require.NoError(t, u3.Section(1).AddData([]byte("three-b")))
	// Forcing unit 3 also makes unit 2's tombstone durable.
	require.NoError(t, u3.ForceSections())

	st := stats(t, l)
	require.Equal(t, 1, st.ActiveFile)
	cursor := st.Files[0].Used
	torn := st.NextSequence
	require.NoError(t, l.CloseImmediate())

	// A record whose write stopped halfway: prefix and part of the payload.
	path, _, _ := logpair.Paths(cfg.LogDir())
	buf := make([]byte, 16+10)
	off := wire.PutRaw(buf, 0, []byte("RCRD"))
	off = wire.PutLong(buf, off, torn)
	off = wire.PutInt(buf, off, 100)
	wire.PutRaw(buf, off, []byte("half-writt"))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(buf, int64(cursor))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = openLog(t, cfg)
	defer l.Close()
	assert.False(t, l.WasShutdownClean())
	assert.Equal(t, []int64{1, 3}, unitIDs(t, l))
	assert.Equal(t, []string{"one"}, items(t, l, 1, 1))
	assert.Equal(t, []string{"three", "three-b"}, items(t, l, 3, 1))

	_, err = l.LookupUnit(2)
	assert.True(t, logerr.Is(err, logerr.CodeInvalidUnit))

	u4, err := l.CreateUnit(sc)
	require.NoError(t, err)
	assert.Equal(t, int64(4), u4.ID())
	assert.Equal(t, st.TotalBytes, stats(t, l).TotalBytes)
}

// appendUndecodableRecord appends a well-framed record to the closed log
// whose payload is not a unit record.
func appendUndecodableRecord(t *testing.T, cfg Config) {
	t.Helper()
	p, err := logpair.Open(logpair.Options{
		Dir:            cfg.LogDir(),
		Identity:       cfg.Identity(),
		InitialSize:    cfg.InitialSizeKB * 1024,
		MaxSize:        cfg.MaxSizeKB * 1024,
		DisableMapping: true,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	slot, err := p.Reserve(3)
	require.NoError(t, err)
	slot.PutRaw([]byte{0xff, 0xff, 0xff})
	require.NoError(t, slot.Commit())
	require.NoError(t, p.Force())
	require.NoError(t, p.CloseImmediate())
}

func TestRecovery_StopsAtUndecodableRecord(t *testing.T) {
	cfg := testConfig(t)
	sc := scope.AllRuns("server1")
	l := openLog(t, cfg)
	require.NoError(t, addUnit(t, l, sc, "kept").ForceSections())
	require.NoError(t, l.CloseImmediate())
	appendUndecodableRecord(t, cfg)

	// The log still opens, and a unit forced now lands after the bad record.
	l = openLog(t, cfg)
	assert.Equal(t, []int64{1}, unitIDs(t, l))
	require.NoError(t, addUnit(t, l, sc, "later").ForceSections())
	require.NoError(t, l.CloseImmediate())

	var logs bytes.Buffer
	l = openLog(t, cfg, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	defer l.Close()
	assert.Contains(t, logs.String(), "recovery stopped at undecodable record")
	assert.Equal(t, []int64{1}, unitIDs(t, l))
	assert.Equal(t, []string{"kept"}, items(t, l, 1, 1))
}

func TestUnforcedDataLostOnCrash(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	u := addUnit(t, l, scope.AllRuns("server1"), "durable")
	require.NoError(t, u.ForceSections())
	require.NoError(t, u.Section(1).AddData([]byte("written")))
	require.NoError(t, u.WriteSections())
	require.NoError(t, u.Section(1).AddData([]byte("memory")))
	require.NoError(t, l.CloseImmediate())

	l = openLog(t, cfg)
	defer l.Close()
	assert.Equal(t, []string{"durable"}, items(t, l, 1, 1))
}

func TestSingleDataSection(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	u, err := l.CreateUnit(scope.AllRuns("server1"))
	require.NoError(t, err)
	s, err := u.CreateSection(7, true)
	require.NoError(t, err)
	assert.True(t, s.SingleData())

	require.NoError(t, s.AddData([]byte("a")))
	require.NoError(t, s.Force())
	require.NoError(t, s.AddData([]byte("bb")))
	require.NoError(t, s.AddData([]byte("ccc")))
	assert.Equal(t, [][]byte{[]byte("ccc")}, s.Data())
	require.NoError(t, s.Force())

	want := stats(t, l).TotalBytes
	assert.EqualValues(t, 24+18+scopeLen+11+4+3, want)
	require.NoError(t, l.CloseImmediate())

	l = openLog(t, cfg)
	defer l.Close()
	assert.Equal(t, []string{"ccc"}, items(t, l, 1, 7))
	assert.Equal(t, want, stats(t, l).TotalBytes)
	assert.True(t, lookup(t, l, 1).Section(7).SingleData())
}

func lookup(t *testing.T, l *Log, id int64) *Unit {
	t.Helper()
	u, err := l.LookupUnit(id)
	require.NoError(t, err)
	return u
}

func TestSectionWrite_OnlyThatSection(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	u, err := l.CreateUnit(scope.AllRuns("server1"))
	require.NoError(t, err)
	s1, err := u.CreateSection(1, false)
	require.NoError(t, err)
	s2, err := u.CreateSection(2, false)
	require.NoError(t, err)

	require.NoError(t, s1.AddData([]byte("x")))
	require.NoError(t, s2.AddData([]byte("y")))
	require.NoError(t, s1.Force())
	assert.EqualValues(t, 24+18+scopeLen+11+4+1, stats(t, l).UnwrittenBytes)
	require.NoError(t, l.CloseImmediate())

	l = openLog(t, cfg)
	defer l.Close()
	assert.Equal(t, []string{"x"}, items(t, l, 1, 1))
	assert.Nil(t, lookup(t, l, 1).Section(2))
}

func TestAccounting_Conservation(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	sc := scope.AllRuns("server1")

	var units []*Unit
	for i := range 6 {
		u := addUnit(t, l, sc, strings.Repeat("x", i*10), "tail")
		s, err := u.CreateSection(2, true)
		require.NoError(t, err)
		require.NoError(t, s.AddData([]byte(fmt.Sprint(i))))
		units = append(units, u)
	}
	require.NoError(t, units[0].WriteSections())
	require.NoError(t, units[1].ForceSections())
	require.NoError(t, l.RemoveUnit(units[2].ID()))
	require.NoError(t, units[3].Section(2).AddData([]byte("replaced")))
	for _, u := range units {
		if u.ID() == units[2].ID() {
			continue
		}
		require.NoError(t, u.ForceSections())
	}

	st := stats(t, l)
	assert.Zero(t, st.UnwrittenBytes)
	var sum int64
	for _, u := range units {
		info := u.Info()
		if info.TotalBytes > 0 {
			sum += int64(info.TotalBytes + 24 + 18 + scopeLen)
		}
	}
	assert.Equal(t, sum, st.TotalBytes)
	require.NoError(t, l.CloseImmediate())

	l = openLog(t, cfg)
	defer l.Close()
	assert.Equal(t, st.TotalBytes, stats(t, l).TotalBytes)
	assert.Equal(t, []int64{1, 2, 4, 5, 6}, unitIDs(t, l))
	assert.Equal(t, []string{"replaced"}, items(t, l, 4, 2))
}

func TestRemoveUnit(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	defer l.Close()

	u := addUnit(t, l, scope.AllRuns("server1"), "item")
	require.NoError(t, l.RemoveUnit(u.ID()))
	assert.Zero(t, stats(t, l).TotalBytes)
	assert.Zero(t, stats(t, l).UnwrittenBytes)

	err := l.RemoveUnit(u.ID())
	assert.True(t, logerr.Is(err, logerr.CodeInvalidUnit))
	err = u.Section(1).AddData([]byte("late"))
	assert.True(t, logerr.Is(err, logerr.CodeInvalidUnit))
	err = u.ForceSections()
	assert.True(t, logerr.Is(err, logerr.CodeInvalidUnit))
	assert.Equal(t, StateOpen, l.State())
}

func TestCreateSection_Errors(t *testing.T) {
	l := openLog(t, testConfig(t))
	defer l.Close()
	u, err := l.CreateUnit(scope.AllRuns("server1"))
	require.NoError(t, err)

	_, err = u.CreateSection(1, false)
	require.NoError(t, err)
	_, err = u.CreateSection(1, true)
	assert.True(t, logerr.Is(err, logerr.CodeSectionExists))
	_, err = u.CreateSection(-1, false)
	assert.True(t, logerr.IsInternal(err))
}

func TestUnits_ByScope(t *testing.T) {
	l := openLog(t, testConfig(t))
	defer l.Close()

	run1 := scope.NewServerScope("server1")
	run2 := scope.NewServerScope("server1")
	other := scope.NewServerScope("server2")
	a := addUnit(t, l, run1, "a")
	b := addUnit(t, l, run2, "b")
	addUnit(t, l, other, "c")

	got, err := l.Units(scope.AllRuns("server1"))
	require.NoError(t, err)
	assert.Equal(t, []*Unit{a, b}, got)

	got, err = l.Units(run2)
	require.NoError(t, err)
	assert.Equal(t, []*Unit{b}, got)
}

func TestRecoveredScopes(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	run := scope.NewServerScope("server1")
	u := addUnit(t, l, run, "a")
	require.NoError(t, u.ForceSections())
	require.NoError(t, l.Close())

	l = openLog(t, cfg)
	defer l.Close()
	assert.Equal(t, run, lookup(t, l, 1).Scope())
}

func TestOpenClose_RefCounted(t *testing.T) {
	l := openLog(t, testConfig(t))
	require.NoError(t, l.Open())

	require.NoError(t, l.Close())
	assert.Equal(t, StateOpen, l.State())
	_, err := l.CreateUnit(scope.AllRuns("server1"))
	require.NoError(t, err)

	require.NoError(t, l.Close())
	assert.Equal(t, StateClosed, l.State())

	err = l.Close()
	assert.True(t, logerr.IsClosed(err))
	_, err = l.CreateUnit(scope.AllRuns("server1"))
	assert.True(t, logerr.IsClosed(err))
}

func TestStaleUnitAfterReopen(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	u := addUnit(t, l, scope.AllRuns("server1"), "a")
	require.NoError(t, u.ForceSections())
	require.NoError(t, l.Close())
	require.NoError(t, l.Open())
	defer l.Close()

	err := u.Section(1).AddData([]byte("b"))
	assert.True(t, logerr.Is(err, logerr.CodeInvalidUnit))
	assert.Equal(t, []string{"a"}, items(t, l, 1, 1))
}

func TestIncompatibleService(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	require.NoError(t, l.Close())

	other := cfg
	other.ServiceName = "partner"
	l2 := newLog(t, other)
	err := l2.Open()
	assert.True(t, logerr.IsIncompatible(err))
	assert.Equal(t, StateIncompatible, l2.State())

	_, err = l2.CreateUnit(scope.AllRuns("server1"))
	assert.True(t, logerr.IsIncompatible(err))

	// The files were not touched.
	l = openLog(t, cfg)
	defer l.Close()
	assert.True(t, l.WasShutdownClean())
}

func TestRecoveryComplete_ServiceData(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	require.NoError(t, l.RecoveryComplete([]byte("epoch-7")))
	require.NoError(t, l.CloseImmediate())

	l = openLog(t, cfg)
	defer l.Close()
	sd, err := l.ServiceData()
	require.NoError(t, err)
	assert.Equal(t, []byte("epoch-7"), sd)
}

func TestSuspendGate_HoldsForces(t *testing.T) {
	gate := NewSuspendGate()
	l := openLog(t, testConfig(t), WithSuspendGate(gate))
	defer l.Close()
	u := addUnit(t, l, scope.AllRuns("server1"), "a")

	gate.Suspend()
	gate.Suspend()
	done := make(chan error, 1)
	go func() { done <- u.ForceSections() }()

	gate.Resume()
	select {
	case <-done:
		t.Fatal("force completed while suspended")
	default:
	}
	assert.True(t, gate.Suspended())
	gate.Resume()
	require.NoError(t, <-done)
	assert.False(t, gate.Suspended())
}

func TestConcurrentWriters(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSizeKB = 1024
	l := openLog(t, cfg)

	const writers, perWriter = 8, 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				u, err := l.CreateUnit(scope.AllRuns(fmt.Sprintf("server%d", w)))
				if err != nil {
					errs <- err
					return
				}
				s, err := u.CreateSection(1, false)
				if err != nil {
					errs <- err
					return
				}
				if err := s.AddData([]byte(fmt.Sprintf("%d-%d-%s", w, i, strings.Repeat("p", 100)))); err != nil {
					errs <- err
					return
				}
				if err := u.ForceSections(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st := stats(t, l)
	assert.Equal(t, writers*perWriter, st.Units)
	assert.Greater(t, st.Capacity, 8*1024, "keypoints should have grown the files")
	require.NoError(t, l.CloseImmediate())

	l = openLog(t, cfg)
	defer l.Close()
	assert.Equal(t, writers*perWriter, stats(t, l).Units)
	assert.Equal(t, st.TotalBytes, stats(t, l).TotalBytes)
}

func TestClose_WhileWriting(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisableMapping = false
	cfg.MaxSizeKB = 1024
	l := openLog(t, cfg)

	const writers, perWriter = 4, 2000
	start := make(chan struct{})
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for range writers {
		u := addUnit(t, l, scope.AllRuns("server1"), "first")
		require.NoError(t, u.ForceSections())
		s := u.Section(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range perWriter {
				if err := s.AddData([]byte("item")); err != nil {
					errs <- err
					return
				}
				if err := s.Write(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	close(start)
	require.NoError(t, l.Close())
	wg.Wait()
	close(errs)

	// Writers that lost the race see a closed log, never a torn file.
	for err := range errs {
		assert.True(t, logerr.IsClosed(err) || logerr.Is(err, logerr.CodeInvalidUnit), "got %v", err)
	}
	assert.Equal(t, StateClosed, l.State())

	l = openLog(t, cfg)
	defer l.Close()
	assert.True(t, l.WasShutdownClean())
	assert.Len(t, unitIDs(t, l), writers)
}

func TestFillWarning_OncePerOpen(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(t)
	cfg.MaxSizeKB = 8
	l := openLog(t, cfg, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	defer l.Close()

	for range 6 {
		u := addUnit(t, l, scope.AllRuns("server1"), strings.Repeat("f", 1000))
		require.NoError(t, u.ForceSections())
	}
	require.NoError(t, l.Keypoint())
	require.NoError(t, l.Keypoint())
	assert.Equal(t, 1, strings.Count(buf.String(), "recovery log is filling up"))
}

func TestReadFile(t *testing.T) {
	cfg := testConfig(t)
	l := openLog(t, cfg)
	u := addUnit(t, l, scope.AllRuns("server1"), "ab")
	require.NoError(t, u.ForceSections())
	require.NoError(t, l.RemoveUnit(u.ID()))
	require.NoError(t, l.force())
	require.NoError(t, l.CloseImmediate())

	path, _, _ := logpair.Paths(cfg.LogDir())
	h, recs, err := ReadFile(path, scope.ServerCodec{})
	require.NoError(t, err)
	assert.Equal(t, "tranlog", h.Identity.LogName)
	require.Len(t, recs, 2)
	assert.Equal(t, DumpedRecord{
		Seq:      1,
		Offset:   recs[0].Offset,
		UnitID:   1,
		Scope:    "server1",
		Sections: []DumpedSection{{ID: 1, Items: []string{"6162"}}},
	}, recs[0])
	assert.True(t, recs[1].Deleted)
	assert.Equal(t, int64(2), recs[1].Seq)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_name is required")
}

func TestConfig_Normalize(t *testing.T) {
	tests := []struct {
		name         string
		initial, max int
		wantInitial  int
		wantMax      int
	}{
		{"defaults", 0, 0, DefaultFileSizeKB, DefaultFileSizeKB},
		{"floor", 2, 0, MinFileSizeKB, MinFileSizeKB},
		{"max below initial", 64, 16, 64, 64},
		{"explicit", 16, 128, 16, 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{InitialSizeKB: tt.initial, MaxSizeKB: tt.max}.Normalize()
			assert.Equal(t, tt.wantInitial, c.InitialSizeKB)
			assert.Equal(t, tt.wantMax, c.MaxSizeKB)
		})
	}
	assert.Equal(t, filepath.Join("d", "tranlog"), Config{Dir: "d", LogName: "tranlog"}.LogDir())
}

package logfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/logheader"
)

var modes = []struct {
	name     string
	buffered bool
}{
	{"mapped", false},
	{"buffered", true},
}

func testIdentity() logheader.Identity {
	return logheader.Identity{ServerName: "server1", ServiceName: "transaction", ServiceVersion: 1, LogName: "tranlog"}
}

func testOptions(t *testing.T, buffered bool) Options {
	t.Helper()
	return Options{
		Path:           filepath.Join(t.TempDir(), "log1"),
		InitialSize:    8 * 1024,
		Identity:       testIdentity(),
		DisableMapping: buffered,
		VectoredWrites: true,
	}
}

func openFile(t *testing.T, opts Options) *File {
	t.Helper()
	f, _, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func activate(t *testing.T, f *File, firstSeq int64) {
	t.Helper()
	h := logheader.New(testIdentity())
	h.Status = logheader.StatusActive
	h.Timestamp = 1000
	h.FirstRecordSequence = firstSeq
	require.NoError(t, f.WriteHeader(h))
}

func writeRecord(t *testing.T, f *File, seq int64, payload string) {
	t.Helper()
	slot, err := f.Reserve(len(payload), seq)
	require.NoError(t, err)
	slot.PutRaw([]byte(payload))
	require.NoError(t, slot.Commit())
}

func payloads(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Payload)
	}
	return out
}

func TestOpen_ColdStart(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			opts := testOptions(t, m.buffered)

			f, cold, err := Open(opts)
			require.NoError(t, err)
			assert.True(t, cold)
			assert.Equal(t, m.buffered, !f.Mapped())
			assert.Equal(t, opts.InitialSize, f.Capacity())
			require.NoError(t, f.Close())

			st, err := os.Stat(opts.Path)
			require.NoError(t, err)
			assert.Equal(t, int64(opts.InitialSize), st.Size())

			// An empty header carries a zero timestamp and never validates.
			f, cold, err = Open(opts)
			require.NoError(t, err)
			defer f.Close()
			assert.False(t, cold)
			assert.False(t, f.Header().Valid())
			assert.True(t, f.Header().Compatible())
		})
	}
}

func TestOpen_MissingDirectory(t *testing.T) {
	_, _, err := Open(Options{Path: filepath.Join(t.TempDir(), "nope", "log1"), InitialSize: 8192})
	assert.True(t, logerr.IsAllocation(err))
}

func TestWriteForceReplay(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			opts := testOptions(t, m.buffered)
			f := openFile(t, opts)
			activate(t, f, 1)

			writeRecord(t, f, 1, "alpha")
			writeRecord(t, f, 2, "beta")
			writeRecord(t, f, 3, "gamma")
			require.NoError(t, f.Force())
			end := f.Cursor()
			require.NoError(t, f.Close())

			g := openFile(t, opts)
			require.True(t, g.Header().Valid())
			recs := g.Replay()
			assert.Equal(t, []string{"alpha", "beta", "gamma"}, payloads(recs))
			assert.Equal(t, []int64{1, 2, 3}, []int64{recs[0].Seq, recs[1].Seq, recs[2].Seq})
			assert.Equal(t, end, g.Cursor())
		})
	}
}

func TestReplay_StartsAtFirstSequence(t *testing.T) {
	opts := testOptions(t, true)
	f := openFile(t, opts)
	activate(t, f, 40)
	writeRecord(t, f, 40, "a")
	writeRecord(t, f, 41, "b")
	require.NoError(t, f.Force())
	require.NoError(t, f.Close())

	g := openFile(t, opts)
	assert.Equal(t, []string{"a", "b"}, payloads(g.Replay()))
}

func TestBuffered_UnforcedRecordsLost(t *testing.T) {
	opts := testOptions(t, true)
	f := openFile(t, opts)
	activate(t, f, 1)
	writeRecord(t, f, 1, "durable")
	require.NoError(t, f.Force())
	writeRecord(t, f, 2, "volatile")
	require.NoError(t, f.Close())

	g := openFile(t, opts)
	assert.Equal(t, []string{"durable"}, payloads(g.Replay()))
}

func TestReserve_NoSpace(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			f := openFile(t, testOptions(t, m.buffered))
			activate(t, f, 1)

			_, err := f.Reserve(f.FreeSpace()-FrameOverhead+1, 1)
			assert.ErrorIs(t, err, ErrNoSpace)

			slot, err := f.Reserve(f.FreeSpace()-FrameOverhead, 1)
			require.NoError(t, err)
			assert.Equal(t, 0, f.FreeSpace())
			assert.Equal(t, int64(1), slot.Seq())
		})
	}
}

func TestForce_Idempotent(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			opts := testOptions(t, m.buffered)
			f := openFile(t, opts)
			activate(t, f, 1)
			writeRecord(t, f, 1, "one")
			writeRecord(t, f, 2, "two")

			require.NoError(t, f.Force())
			first, err := os.ReadFile(opts.Path)
			require.NoError(t, err)

			require.NoError(t, f.Force())
			second, err := os.ReadFile(opts.Path)
			require.NoError(t, err)

			assert.True(t, bytes.Equal(first, second))
		})
	}
}

func TestReplay_SkipsTornSlotAfterUncleanShutdown(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			opts := testOptions(t, m.buffered)
			f := openFile(t, opts)
			activate(t, f, 1)

			// Slot 1 is reserved but never committed.
			_, err := f.Reserve(16, 1)
			require.NoError(t, err)
			writeRecord(t, f, 2, "after the tear")
			require.NoError(t, f.Force())
			require.NoError(t, f.Close())

			g := openFile(t, opts)
			require.False(t, g.Header().WasShutdownClean())
			recs := g.Replay()
			require.Len(t, recs, 1)
			assert.Equal(t, int64(2), recs[0].Seq)
			assert.Equal(t, "after the tear", string(recs[0].Payload))
		})
	}
}

func TestReplay_CleanShutdownStopsAtFirstBadFrame(t *testing.T) {
	opts := testOptions(t, false)
	f := openFile(t, opts)
	activate(t, f, 1)
	_, err := f.Reserve(16, 1)
	require.NoError(t, err)
	writeRecord(t, f, 2, "unreachable")
	f.Header().SetCleanShutdown(true)
	require.NoError(t, f.RewriteHeader())
	require.NoError(t, f.Close())

	g := openFile(t, opts)
	require.True(t, g.Header().WasShutdownClean())
	assert.Empty(t, g.Replay())
	assert.Equal(t, g.HeaderLen(), g.Cursor())
}

func TestReplay_IgnoresStaleLowerSequences(t *testing.T) {
	opts := testOptions(t, true)
	f := openFile(t, opts)
	activate(t, f, 1)
	writeRecord(t, f, 1, "old-1")
	writeRecord(t, f, 2, "old-2")
	writeRecord(t, f, 3, "old-3")
	require.NoError(t, f.Force())

	// A later generation starts over the same file.
	activate(t, f, 10)
	writeRecord(t, f, 10, "new-10")
	require.NoError(t, f.Force())
	require.NoError(t, f.Close())

	g := openFile(t, opts)
	assert.Equal(t, []string{"new-10"}, payloads(g.Replay()))
	assert.Equal(t, int64(10), g.MaxSequence())
}

func TestFirstReserveRecordsUncleanState(t *testing.T) {
	opts := testOptions(t, true)
	f := openFile(t, opts)
	activate(t, f, 1)
	f.Header().SetCleanShutdown(true)
	require.NoError(t, f.RewriteHeader())
	require.NoError(t, f.Close())

	g := openFile(t, opts)
	require.True(t, g.Header().WasShutdownClean())
	g.Replay()

	h, err := ReadHeader(opts.Path)
	require.NoError(t, err)
	require.True(t, h.WasShutdownClean())

	writeRecord(t, g, 1, "x")
	h, err = ReadHeader(opts.Path)
	require.NoError(t, err)
	assert.False(t, h.WasShutdownClean())
}

func TestWriteStatus(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			opts := testOptions(t, m.buffered)
			f := openFile(t, opts)
			activate(t, f, 1)
			require.NoError(t, f.WriteStatus(logheader.StatusInactive))

			h, err := ReadHeader(opts.Path)
			require.NoError(t, err)
			require.True(t, h.Valid())
			assert.Equal(t, logheader.StatusInactive, h.Status)
			assert.Equal(t, int64(1000), h.Timestamp)
		})
	}
}

func TestExtend_PreservesContent(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			opts := testOptions(t, m.buffered)
			f := openFile(t, opts)
			activate(t, f, 1)
			writeRecord(t, f, 1, "before")
			require.NoError(t, f.Force())
			cursor := f.Cursor()

			require.NoError(t, f.Extend(32*1024))
			assert.Equal(t, 32*1024, f.Capacity())
			assert.Equal(t, cursor, f.Cursor())

			writeRecord(t, f, 2, "after")
			require.NoError(t, f.Force())
			require.NoError(t, f.Close())

			st, err := os.Stat(opts.Path)
			require.NoError(t, err)
			assert.Equal(t, int64(32*1024), st.Size())

			g := openFile(t, opts)
			assert.Equal(t, []string{"before", "after"}, payloads(g.Replay()))
		})
	}
}

func TestCommit_UnderfilledSlot(t *testing.T) {
	f := openFile(t, testOptions(t, true))
	activate(t, f, 1)
	slot, err := f.Reserve(8, 1)
	require.NoError(t, err)
	slot.PutInt(1)
	assert.True(t, logerr.IsInternal(slot.Commit()))
}

func TestCoalesce(t *testing.T) {
	got := coalesce([]pendingWrite{{0, 10}, {10, 5}, {20, 4}, {24, 1}, {40, 2}})
	assert.Equal(t, []pendingWrite{{0, 15}, {20, 5}, {40, 2}}, got)
	assert.Len(t, coalesce(nil), 0)
}

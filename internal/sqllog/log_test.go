package sqllog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rlog/internal/logerr"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Path:       filepath.Join(t.TempDir(), "rlog.db"),
		LogName:    "tranlog",
		ServerName: "server1",
		ServiceID:  1,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openLog(t *testing.T, opts Options) *Log {
	t.Helper()
	l, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func data(t *testing.T, l *Log, unit int64, section int32) []string {
	t.Helper()
	u, err := l.LookupUnit(unit)
	require.NoError(t, err)
	s := u.Section(section)
	require.NotNil(t, s)
	var out []string
	for _, b := range s.Data() {
		out = append(out, string(b))
	}
	return out
}

func TestOpen_Idempotent(t *testing.T) {
	opts := testOptions(t)
	for i := 0; i < 3; i++ {
		l, err := Open(context.Background(), opts)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, l.Close())
	}
}

func TestForce_PersistsUnits(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	l := openLog(t, opts)

	u, err := l.CreateUnit()
	require.NoError(t, err)
	multi, err := u.CreateSection(1, false)
	require.NoError(t, err)
	single, err := u.CreateSection(2, true)
	require.NoError(t, err)

	require.NoError(t, multi.AddData([]byte("a")))
	require.NoError(t, multi.AddData([]byte("b")))
	require.NoError(t, single.AddData([]byte("v1")))
	require.NoError(t, l.Force(ctx))

	require.NoError(t, single.AddData([]byte("v2")))
	require.NoError(t, single.AddData([]byte("v3")))
	ins, upd, rem := l.Pending()
	assert.Equal(t, []int{0, 1, 0}, []int{ins, upd, rem})
	require.NoError(t, multi.AddData([]byte("c")))
	require.NoError(t, l.Force(ctx))
	require.NoError(t, l.Close())

	l = openLog(t, opts)
	assert.Equal(t, []string{"a", "b", "c"}, data(t, l, 1, 1))
	assert.Equal(t, []string{"v3"}, data(t, l, 1, 2))

	u2, err := l.CreateUnit()
	require.NoError(t, err)
	assert.Equal(t, int64(2), u2.ID())
}

func TestUnforcedChangesLost(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	l := openLog(t, opts)

	u, err := l.CreateUnit()
	require.NoError(t, err)
	s, err := u.CreateSection(1, false)
	require.NoError(t, err)
	require.NoError(t, s.AddData([]byte("kept")))
	require.NoError(t, l.Force(ctx))
	require.NoError(t, s.AddData([]byte("lost")))
	require.NoError(t, l.Close())

	l = openLog(t, opts)
	assert.Equal(t, []string{"kept"}, data(t, l, 1, 1))
}

func TestRemoveUnit(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	l := openLog(t, opts)

	persisted, err := l.CreateUnit()
	require.NoError(t, err)
	s, err := persisted.CreateSection(1, false)
	require.NoError(t, err)
	require.NoError(t, s.AddData([]byte("x")))
	require.NoError(t, l.Force(ctx))

	cached, err := l.CreateUnit()
	require.NoError(t, err)
	s2, err := cached.CreateSection(1, true)
	require.NoError(t, err)
	require.NoError(t, s2.AddData([]byte("y")))

	require.NoError(t, l.RemoveUnit(persisted.ID()))
	require.NoError(t, l.RemoveUnit(cached.ID()))
	ins, upd, rem := l.Pending()
	assert.Equal(t, []int{0, 0, 1}, []int{ins, upd, rem})

	err = s.AddData([]byte("late"))
	assert.True(t, logerr.Is(err, logerr.CodeInvalidUnit))
	err = l.RemoveUnit(persisted.ID())
	assert.True(t, logerr.Is(err, logerr.CodeInvalidUnit))

	require.NoError(t, l.Force(ctx))
	require.NoError(t, l.Close())

	l = openLog(t, opts)
	assert.Empty(t, l.Units())
}

func TestSectionExists(t *testing.T) {
	l := openLog(t, testOptions(t))
	u, err := l.CreateUnit()
	require.NoError(t, err)
	_, err = u.CreateSection(3, false)
	require.NoError(t, err)
	_, err = u.CreateSection(3, false)
	assert.True(t, logerr.Is(err, logerr.CodeSectionExists))
}

func TestOwnership_Takeover(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	l := openLog(t, opts)
	u, err := l.CreateUnit()
	require.NoError(t, err)
	s, err := u.CreateSection(1, false)
	require.NoError(t, err)
	require.NoError(t, s.AddData([]byte("in-doubt")))
	require.NoError(t, l.Force(ctx))

	owner, err := l.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "server1", owner)
	require.NoError(t, l.Close())

	peer := opts
	peer.Owner = "server2"
	l = openLog(t, peer)
	owner, err = l.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "server2", owner)
	assert.Equal(t, []string{"in-doubt"}, data(t, l, 1, 1))
}

func TestServersAreIsolated(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	l := openLog(t, opts)
	u, err := l.CreateUnit()
	require.NoError(t, err)
	s, err := u.CreateSection(1, false)
	require.NoError(t, err)
	require.NoError(t, s.AddData([]byte("mine")))
	require.NoError(t, l.Force(ctx))
	require.NoError(t, l.Close())

	other := opts
	other.ServerName = "server2"
	l = openLog(t, other)
	assert.Empty(t, l.Units())
}

func TestForceFailure_IsSticky(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, testOptions(t))
	u, err := l.CreateUnit()
	require.NoError(t, err)
	s, err := u.CreateSection(1, false)
	require.NoError(t, err)
	require.NoError(t, s.AddData([]byte("x")))

	require.NoError(t, l.db.Close())
	err = l.Force(ctx)
	assert.True(t, logerr.IsWriteFailed(err))

	_, err = l.CreateUnit()
	assert.True(t, logerr.IsInternal(err))
	assert.Error(t, s.AddData([]byte("y")))
}

func TestInfo(t *testing.T) {
	l := openLog(t, testOptions(t))
	u, err := l.CreateUnit()
	require.NoError(t, err)
	s, err := u.CreateSection(2, false)
	require.NoError(t, err)
	require.NoError(t, s.AddData([]byte("abc")))

	info := u.Info()
	assert.Equal(t, int64(1), info.ID)
	assert.Equal(t, "server1", info.Scope)
	assert.Equal(t, 3, info.TotalBytes)
	require.Len(t, info.Sections, 1)
	assert.Equal(t, 1, info.Sections[0].Items)
	assert.False(t, info.StoredOnDisk)
}

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportd/internal/eventbus"
	"reportd/internal/store"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []int64
	done chan int64
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan int64, 16)}
}

func (r *recordingRunner) Run(_ context.Context, id int64) error {
	r.mu.Lock()
	r.runs = append(r.runs, id)
	r.mu.Unlock()
	r.done <- id
	return nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ReplaceUserGroups(context.Background(),
		[]store.UserGroup{{ID: "grp", DisplayName: "Group"}}))
	return st
}

func createSchedule(t *testing.T, st *store.Store, cronExpr string) int64 {
	t.Helper()
	id, err := st.Create(context.Background(), store.ScheduleParams{
		Subject: "r", Body: "b", Cron: cronExpr, GroupID: "grp",
	})
	require.NoError(t, err)
	return id
}

func TestRefreshDerivesRegistryFromStore(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	a := createSchedule(t, st, "* * * * *")
	b := createSchedule(t, st, "0 8 * * 1")
	c := createSchedule(t, st, "*/10 * * * *")
	require.NoError(t, st.SetPaused(ctx, b, true))

	svc := New(Config{}, st, newRecordingRunner(), eventbus.Nop(), zerolog.Nop())
	require.NoError(t, svc.Refresh(ctx))

	assert.Equal(t, []int64{a, c}, svc.QueuedIDs(),
		"registry key set must equal the active schedule ids")
}

func TestRefreshSkipsInvalidCron(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	good := createSchedule(t, st, "*/5 * * * *")
	bad := createSchedule(t, st, "*/5 * * * *")
	// Corrupt the persisted expression behind validation's back.
	require.NoError(t, st.Update(ctx, bad, store.ScheduleParams{
		Subject: "r", Body: "b", Cron: "99 99 * * *", GroupID: "grp",
	}))

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	svc := New(Config{}, st, newRecordingRunner(), bus, zerolog.Nop())
	require.NoError(t, svc.Refresh(ctx))

	assert.Equal(t, []int64{good}, svc.QueuedIDs(),
		"one bad expression must not keep other schedules out of the queue")

	select {
	case e := <-ch:
		assert.Contains(t, e.Message, "invalid cron")
	case <-time.After(time.Second):
		t.Fatal("no skip event published")
	}
}

func TestPauseRefreshRemovesAndReAdds(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	id := createSchedule(t, st, "0 */4 * * *")
	svc := New(Config{}, st, newRecordingRunner(), eventbus.Nop(), zerolog.Nop())

	require.NoError(t, svc.Refresh(ctx))
	require.Equal(t, []int64{id}, svc.QueuedIDs())

	require.NoError(t, st.SetPaused(ctx, id, true))
	require.NoError(t, svc.Refresh(ctx))
	assert.Empty(t, svc.QueuedIDs(), "paused schedule must leave the queue")

	require.NoError(t, st.SetPaused(ctx, id, false))
	require.NoError(t, svc.Refresh(ctx))
	require.Equal(t, []int64{id}, svc.QueuedIDs())

	snap := svc.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Next.After(time.Now()), "re-added entry carries a freshly computed next fire time")
}

func TestRefreshIsIdempotent(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	id := createSchedule(t, st, "* * * * *")
	svc := New(Config{}, st, newRecordingRunner(), eventbus.Nop(), zerolog.Nop())

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Refresh(ctx))
	}
	assert.Equal(t, []int64{id}, svc.QueuedIDs())
}

func TestStartResetsRunningFlags(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	id := createSchedule(t, st, "0 8 * * *")
	claimed, err := st.ClaimRunning(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	svc := New(Config{}, st, newRecordingRunner(), eventbus.Nop(), zerolog.Nop())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(context.Background())

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.IsRunning, "stale running flags must be cleared before the first scan")
}

func TestTriggerNowInvokesRunner(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	id := createSchedule(t, st, "0 8 * * *")

	runner := newRecordingRunner()
	svc := New(Config{}, st, runner, eventbus.Nop(), zerolog.Nop())

	svc.TriggerNow(id)
	select {
	case got := <-runner.done:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not invoked")
	}
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	svc := New(Config{}, st, newRecordingRunner(), eventbus.Nop(), zerolog.Nop())
	svc.Stop(context.Background())
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportd/internal/eventbus"
	"reportd/internal/notify"
	"reportd/internal/retry"
	"reportd/internal/store"
)

// ---- fakes ----

type fakeSession struct {
	artifacts []Artifact
	fetchErr  error
	released  int
}

func (s *fakeSession) FetchAll(_ context.Context, names []string, _ FetchOptions) ([]Artifact, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if s.artifacts != nil {
		return s.artifacts, nil
	}
	out := make([]Artifact, len(names))
	for i, n := range names {
		out[i] = Artifact{Title: n, Data: []byte(n)}
	}
	return out, nil
}

func (s *fakeSession) Release() { s.released++ }

type fakeSource struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	failUntil int // Acquire fails for the first failUntil calls
	fetchErr  error
	acquires  int
}

func (f *fakeSource) Acquire(context.Context, string, Credentials) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquires <= f.failUntil {
		return nil, errors.New("upstream unavailable")
	}
	s := &fakeSession{fetchErr: f.fetchErr}
	f.sessions = append(f.sessions, s)
	return s, nil
}

type fakeRenderer struct {
	mu     sync.Mutex
	calls  int
	failAt int // 1-based call index that fails; 0 never fails
}

func (r *fakeRenderer) Render(_ context.Context, title string, _ Artifact) (notify.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return notify.Attachment{}, errors.New("render engine crashed")
	}
	return notify.Attachment{Title: title, Path: "/tmp/" + title + ".pdf"}, nil
}

type fakeDirectory struct {
	members []Member
	err     error
}

func (d *fakeDirectory) ResolveGroup(_ context.Context, groupID string) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	ids := make([]string, len(d.members))
	for i, m := range d.members {
		ids[i] = m.ID
	}
	return ids, nil
}

func (d *fakeDirectory) ResolveUsers(_ context.Context, ids []string) ([]Member, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.members, nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	calls       int
	failUntil   int
	bcc         []string
	attachments []notify.Attachment
	guardKeys   []string
}

func (n *fakeNotifier) Send(_ context.Context, bcc []string, _, _ string, attachments []notify.Attachment, guardKey string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.guardKeys = append(n.guardKeys, guardKey)
	if n.calls <= n.failUntil {
		return errors.New("smtp refused")
	}
	n.bcc = bcc
	n.attachments = attachments
	return nil
}

// ---- harness ----

type harness struct {
	store    *store.Store
	source   *fakeSource
	renderer *fakeRenderer
	dir      *fakeDirectory
	notifier *fakeNotifier
	bus      eventbus.Bus
	runner   *Runner
	schedID  int64
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		MinDelay:    time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Rand:        rand.New(rand.NewSource(7)),
	}
}

func newHarness(t *testing.T, boardCount int) *harness {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.ReplaceUserGroups(ctx, []store.UserGroup{{ID: "grp", DisplayName: "Group"}}))

	boards := make([]store.Dashboard, boardCount)
	ids := make([]string, boardCount)
	for i := range boards {
		boards[i] = store.Dashboard{ID: fmt.Sprintf("dash-%d", i), DisplayName: fmt.Sprintf("Board %d", i)}
		ids[i] = boards[i].ID
	}
	require.NoError(t, st.ReplaceDashboards(ctx, boards))

	id, err := st.Create(ctx, store.ScheduleParams{
		Subject:      "Test report",
		Body:         "{{dashboards}}",
		Cron:         "* * * * *",
		GroupID:      "grp",
		DashboardIDs: ids,
	})
	require.NoError(t, err)

	h := &harness{
		store:    st,
		source:   &fakeSource{},
		renderer: &fakeRenderer{},
		dir: &fakeDirectory{members: []Member{
			{ID: "u1", DisplayName: "One", Email: "one@example.org"},
			{ID: "u2", DisplayName: "Two", Email: "two@example.org"},
		}},
		notifier: &fakeNotifier{},
		bus:      eventbus.New(),
		schedID:  id,
	}
	h.runner = NewRunner(h.store, h.source, h.renderer, h.dir, h.notifier, h.bus, Config{
		BaseAddress: "https://dhis.example.org",
		Credentials: Credentials{Username: "svc", Password: "secret"},
		App:         notify.AppInfo{Name: "reportd"},
		FetchRetry:  fastRetry(3),
		SendRetry:   fastRetry(3),
	}, zerolog.Nop())
	return h
}

func (h *harness) isRunning(t *testing.T) bool {
	t.Helper()
	got, err := h.store.Get(context.Background(), h.schedID)
	require.NoError(t, err)
	return got.IsRunning
}

// ---- tests ----

func TestRunHappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)

	require.NoError(t, h.runner.Run(context.Background(), h.schedID))

	assert.Equal(t, 1, h.notifier.calls)
	assert.Len(t, h.notifier.attachments, 2)
	assert.Equal(t, []string{"one@example.org", "two@example.org"}, h.notifier.bcc)
	assert.False(t, h.isRunning(t), "is_running must be clear after success")
	require.Len(t, h.source.sessions, 1)
	assert.Equal(t, 1, h.source.sessions[0].released, "session released on success path")
}

func TestRunSkipsWhenAlreadyRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	ctx := context.Background()

	claimed, err := h.store.ClaimRunning(ctx, h.schedID)
	require.NoError(t, err)
	require.True(t, claimed)

	err = h.runner.Run(ctx, h.schedID)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, 0, h.notifier.calls)
	assert.True(t, h.isRunning(t), "skip must not release the in-flight run's claim")
}

func TestRunReleasesOnFetchFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.source.fetchErr = errors.New("crawler login rejected")

	err := h.runner.Run(context.Background(), h.schedID)
	require.Error(t, err)
	assert.Equal(t, 0, h.notifier.calls)
	assert.False(t, h.isRunning(t), "is_running must be clear after failure")
	for i, s := range h.source.sessions {
		assert.Equal(t, 1, s.released, "session %d must be released", i)
	}
}

func TestRunFetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.source.failUntil = 2

	require.NoError(t, h.runner.Run(context.Background(), h.schedID))
	assert.Equal(t, 3, h.source.acquires)
	assert.Equal(t, 1, h.notifier.calls)
}

func TestRunPartialRenderStillSends(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5)
	h.renderer.failAt = 3

	err := h.runner.Run(context.Background(), h.schedID)
	require.Error(t, err, "partial render fails the run")

	// First two renders survive and go out; remaining renders are skipped.
	assert.Equal(t, 1, h.notifier.calls)
	assert.Len(t, h.notifier.attachments, 2)
	assert.Equal(t, 3, h.renderer.calls)
	assert.False(t, h.isRunning(t))
}

func TestRunSendRetriesShareGuardKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.notifier.failUntil = 2

	require.NoError(t, h.runner.Run(context.Background(), h.schedID))
	require.Equal(t, 3, h.notifier.calls)
	assert.Equal(t, h.notifier.guardKeys[0], h.notifier.guardKeys[1])
	assert.Equal(t, h.notifier.guardKeys[1], h.notifier.guardKeys[2])
}

func TestRunStandbyClaimsThenReleases(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.runner.cfg.IsPrimary = func() bool { return false }

	err := h.runner.Run(context.Background(), h.schedID)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, 0, h.notifier.calls)
	assert.False(t, h.isRunning(t), "standby must release its claim")
}

func TestRunDeletedScheduleAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	require.NoError(t, h.store.Delete(context.Background(), h.schedID))

	err := h.runner.Run(context.Background(), h.schedID)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, 0, h.notifier.calls)
}

func TestRunEmitsProgressEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)

	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	require.NoError(t, h.runner.Run(context.Background(), h.schedID))

	var messages []string
	for {
		select {
		case e := <-ch:
			messages = append(messages, e.Message)
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	require.NotEmpty(t, messages)
	assert.Contains(t, messages[0], "run started")
	assert.Contains(t, messages[len(messages)-1], "run finished")
}

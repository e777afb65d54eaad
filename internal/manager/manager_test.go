package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"XEWatch/internal/poller"
	"XEWatch/internal/pool"
	"XEWatch/internal/pool/pooltest"
	"XEWatch/internal/session"
	"XEWatch/internal/template"
	"XEWatch/internal/xevent"
)

var local = pool.Descriptor{Name: "local", Server: "db1", User: "sa", Password: "secret"}

type fakeRecorder struct {
	mu      sync.Mutex
	records []session.Snapshot
	dropped []string
}

func (f *fakeRecorder) RecordSession(_ context.Context, snap session.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, snap)
	return nil
}

func (f *fakeRecorder) MarkDropped(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, id)
	return nil
}

func newTestManager(t *testing.T, maxEvents int) (*Manager, *pooltest.Server) {
	t.Helper()
	srv := pooltest.NewServer()
	p := pool.New(srv, pool.Options{})
	sc := poller.New(p, poller.Options{Interval: 5 * time.Millisecond, MaxEvents: maxEvents, CommandTimeout: time.Second})
	m := New(p, sc, Options{CommandTimeout: time.Second})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, srv
}

func mustCreate(t *testing.T, m *Manager, name string) session.Snapshot {
	t.Helper()
	snap, err := m.Create(context.Background(), local, name, "Standard")
	require.NoError(t, err)
	return snap
}

// eventCount is safe to call from Eventually conditions.
func eventCount(m *Manager, name string) int {
	snap, err := m.Get(name)
	if err != nil {
		return -1
	}
	return snap.EventCount
}

func stateOf(t *testing.T, m *Manager, name string) session.State {
	t.Helper()
	snap, err := m.Get(name)
	require.NoError(t, err)
	return snap.State
}

func TestCreateRegistersStoppedSession(t *testing.T) {
	m, srv := newTestManager(t, 100)

	snap := mustCreate(t, m, "trace")
	assert.Equal(t, session.Stopped, snap.State)
	assert.Equal(t, "Standard", snap.Template)
	assert.NotEmpty(t, snap.ID)

	stmts := srv.Statements()
	require.Len(t, stmts, 2)
	assert.True(t, strings.HasPrefix(stmts[0], "IF EXISTS"))
	assert.Contains(t, stmts[1], "CREATE EVENT SESSION [trace] ON SERVER")
	assert.Contains(t, stmts[1], "ADD TARGET package0.ring_buffer")
}

func TestCreateManagedCloudUsesDatabaseScope(t *testing.T) {
	m, srv := newTestManager(t, 100)
	cloud := pool.Descriptor{Name: "cloud", Server: "x.database.windows.net", Database: "app", User: "u", IsManagedCloud: true}

	_, err := m.Create(context.Background(), cloud, "trace", "TSQL")
	require.NoError(t, err)
	assert.Contains(t, srv.Statements()[1], "ON DATABASE")
}

func TestCreateResolvesDatabaseNames(t *testing.T) {
	m, srv := newTestManager(t, 100)
	srv.SetCatalog(map[int]string{5: "Sales"}, nil)
	srv.SetBuffer("trace", pooltest.RingBuffer(pooltest.BufferEvent{
		Name:      "sql_batch_completed",
		Timestamp: "2024-05-01T10:00:00Z",
		Actions:   map[string]string{"database_id": "5"},
	}))

	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(context.Background(), "trace"))
	require.Eventually(t, func() bool { return eventCount(m, "trace") == 1 }, time.Second, time.Millisecond)

	snap, err := m.Get("trace")
	require.NoError(t, err)
	name, ok := snap.Events[0].Value(xevent.FieldDatabaseName)
	require.True(t, ok)
	assert.Equal(t, "Sales", name)
}

func TestCreateCatalogFailureDegrades(t *testing.T) {
	m, srv := newTestManager(t, 100)
	srv.SetCatalog(nil, errors.New("permission denied"))

	snap := mustCreate(t, m, "trace")
	assert.Equal(t, session.Stopped, snap.State)
}

func TestCreateDuplicateDoesNotMutate(t *testing.T) {
	m, srv := newTestManager(t, 100)
	srv.SetBuffer("trace", pooltest.Timestamps("t1", "t2"))
	original := mustCreate(t, m, "trace")
	require.NoError(t, m.Start(context.Background(), "trace"))
	require.Eventually(t, func() bool { return eventCount(m, "trace") == 2 }, time.Second, time.Millisecond)
	srv.ResetStatements()

	_, err := m.Create(context.Background(), local, "trace", "TSQL")
	assert.ErrorIs(t, err, session.ErrDuplicateSession)
	assert.Empty(t, srv.Statements())

	snap, err := m.Get("trace")
	require.NoError(t, err)
	assert.Equal(t, original.ID, snap.ID)
	assert.Equal(t, "Standard", snap.Template)
	assert.Equal(t, session.Running, snap.State)
	assert.Equal(t, 2, snap.EventCount)
}

func TestConcurrentCreateSameName(t *testing.T) {
	m, _ := newTestManager(t, 100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(context.Background(), local, "trace", "Standard"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, session.ErrDuplicateSession)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Len(t, m.List(), 1)
}

func TestCreateFailureLeavesNothingRegistered(t *testing.T) {
	m, srv := newTestManager(t, 100)
	cause := errors.New("permission denied")
	srv.SetExecErr(func(stmt string) error {
		if strings.HasPrefix(stmt, "CREATE EVENT SESSION") {
			return cause
		}
		return nil
	})

	_, err := m.Create(context.Background(), local, "trace", "Standard")
	assert.ErrorIs(t, err, session.ErrSessionCreationFailed)
	assert.ErrorIs(t, err, cause)

	_, err = m.Get("trace")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	srv.SetExecErr(nil)
	mustCreate(t, m, "trace")
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()

	_, err := m.Create(ctx, local, "bad;name", "Standard")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = m.Create(ctx, local, "trace", "Nope")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, err, template.ErrTemplateNotFound)

	_, err = m.Create(ctx, pool.Descriptor{Name: "empty"}, "trace", "Standard")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, srv.Statements())
	assert.Empty(t, m.List())
}

func TestStartIssuesRemoteCommandAndPolls(t *testing.T) {
	m, srv := newTestManager(t, 100)
	srv.SetBuffer("trace", pooltest.Timestamps("t1"))
	mustCreate(t, m, "trace")
	srv.ResetStatements()

	require.NoError(t, m.Start(context.Background(), "trace"))
	assert.Equal(t, []string{"ALTER EVENT SESSION [trace] ON SERVER STATE = START;"}, srv.Statements())

	snap, err := m.Get("trace")
	require.NoError(t, err)
	assert.Equal(t, session.Running, snap.State)
	assert.NotNil(t, snap.StartedAt)
	require.Eventually(t, func() bool { return srv.Retrievals() > 0 }, time.Second, time.Millisecond)
}

func TestStartWhileRunningFailsWithoutRemoteCommand(t *testing.T) {
	m, srv := newTestManager(t, 100)
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(context.Background(), "trace"))
	srv.ResetStatements()

	err := m.Start(context.Background(), "trace")
	assert.ErrorIs(t, err, session.ErrInvalidStateTransition)
	assert.Empty(t, srv.Statements())
	assert.Equal(t, session.Running, stateOf(t, m, "trace"))
}

func TestStartRemoteFailureLeavesStopped(t *testing.T) {
	m, srv := newTestManager(t, 100)
	mustCreate(t, m, "trace")
	cause := errors.New("session is invalid")
	srv.SetExecErr(func(string) error { return cause })

	err := m.Start(context.Background(), "trace")
	assert.ErrorIs(t, err, session.ErrRemoteCommandFailed)
	assert.ErrorIs(t, err, cause)

	snap, err := m.Get("trace")
	require.NoError(t, err)
	assert.Equal(t, session.Stopped, snap.State)
	assert.Nil(t, snap.StartedAt)
	assert.Zero(t, srv.Retrievals())
}

func TestOperationsOnUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, 100)
	ctx := context.Background()

	for name, op := range map[string]func() error{
		"start":     func() error { return m.Start(ctx, "ghost") },
		"pause":     func() error { return m.Pause(ctx, "ghost") },
		"resume":    func() error { return m.Resume(ctx, "ghost") },
		"stop":      func() error { return m.Stop(ctx, "ghost") },
		"drop":      func() error { return m.Drop(ctx, "ghost") },
		"reconnect": func() error { return m.Reconnect(ctx, "ghost") },
		"clear":     func() error { _, err := m.Clear("ghost"); return err },
	} {
		assert.ErrorIs(t, op(), session.ErrSessionNotFound, name)
	}
}

func TestPauseResumeIssueNoRemoteCommands(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	srv.SetBuffer("trace", pooltest.Timestamps("t1", "t2"))
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.Eventually(t, func() bool { return eventCount(m, "trace") == 2 }, time.Second, time.Millisecond)
	srv.ResetStatements()

	require.NoError(t, m.Pause(ctx, "trace"))
	assert.Equal(t, session.Paused, stateOf(t, m, "trace"))
	assert.Equal(t, 2, eventCount(m, "trace"))

	// The remote buffer keeps filling while paused.
	srv.SetBuffer("trace", pooltest.Timestamps("t1", "t2", "t3"))
	retrievals := srv.Retrievals()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, retrievals, srv.Retrievals())

	require.NoError(t, m.Resume(ctx, "trace"))
	assert.Equal(t, session.Running, stateOf(t, m, "trace"))
	require.Eventually(t, func() bool { return eventCount(m, "trace") == 3 }, time.Second, time.Millisecond)

	assert.Empty(t, srv.Statements())
}

func TestPauseRequiresRunning(t *testing.T) {
	m, _ := newTestManager(t, 100)
	mustCreate(t, m, "trace")

	err := m.Pause(context.Background(), "trace")
	assert.ErrorIs(t, err, session.ErrSessionNotPausable)
	assert.ErrorIs(t, err, session.ErrInvalidStateTransition)
	assert.Equal(t, session.Stopped, stateOf(t, m, "trace"))
}

func TestResumeRequiresPaused(t *testing.T) {
	m, _ := newTestManager(t, 100)
	mustCreate(t, m, "trace")

	assert.ErrorIs(t, m.Resume(context.Background(), "trace"), session.ErrInvalidStateTransition)

	require.NoError(t, m.Start(context.Background(), "trace"))
	assert.ErrorIs(t, m.Resume(context.Background(), "trace"), session.ErrInvalidStateTransition)
}

func TestStartFromPausedResumesWithoutRemoteCommand(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.NoError(t, m.Pause(ctx, "trace"))
	srv.ResetStatements()

	require.NoError(t, m.Start(ctx, "trace"))
	assert.Equal(t, session.Running, stateOf(t, m, "trace"))
	assert.Empty(t, srv.Statements())
}

func TestStopKeepsEventsAndHaltsPolling(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	srv.SetBuffer("trace", pooltest.Timestamps("t1", "t2"))
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.Eventually(t, func() bool { return eventCount(m, "trace") == 2 }, time.Second, time.Millisecond)
	srv.ResetStatements()

	require.NoError(t, m.Stop(ctx, "trace"))
	assert.Equal(t, []string{"ALTER EVENT SESSION [trace] ON SERVER STATE = STOP;"}, srv.Statements())

	snap, err := m.Get("trace")
	require.NoError(t, err)
	assert.Equal(t, session.Stopped, snap.State)
	assert.NotNil(t, snap.StoppedAt)
	assert.Equal(t, 2, snap.EventCount)

	retrievals := srv.Retrievals()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, retrievals, srv.Retrievals())

	assert.ErrorIs(t, m.Stop(ctx, "trace"), session.ErrInvalidStateTransition)
}

func TestStopFailureKeepsPolling(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	srv.SetExecErr(func(string) error { return errors.New("timeout") })

	err := m.Stop(ctx, "trace")
	assert.ErrorIs(t, err, session.ErrRemoteCommandFailed)
	assert.Equal(t, session.Running, stateOf(t, m, "trace"))

	retrievals := srv.Retrievals()
	require.Eventually(t, func() bool { return srv.Retrievals() > retrievals }, time.Second, time.Millisecond)
}

func TestDropRunningStopsFirst(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	srv.SetBuffer("trace", pooltest.Timestamps("t1"))
	rec := &fakeRecorder{}
	m.recorder = rec

	snap := mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.Eventually(t, func() bool { return eventCount(m, "trace") == 1 }, time.Second, time.Millisecond)
	srv.ResetStatements()

	require.NoError(t, m.Drop(ctx, "trace"))
	assert.Equal(t, []string{
		"ALTER EVENT SESSION [trace] ON SERVER STATE = STOP;",
		"DROP EVENT SESSION [trace] ON SERVER;",
	}, srv.Statements())

	_, err := m.Get("trace")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.ErrorIs(t, m.Start(ctx, "trace"), session.ErrSessionNotFound)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, srv.OpenConns())
	assert.Zero(t, srv.ClosedUses())
	assert.Equal(t, []string{snap.ID}, rec.dropped)
}

func TestDropPausedStopsRemoteSession(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.NoError(t, m.Pause(ctx, "trace"))
	srv.ResetStatements()

	require.NoError(t, m.Drop(ctx, "trace"))
	require.Len(t, srv.Statements(), 2)
	assert.Contains(t, srv.Statements()[0], "STATE = STOP")
}

func TestDropFailureKeepsSession(t *testing.T) {
	m, srv := newTestManager(t, 100)
	mustCreate(t, m, "trace")
	srv.SetExecErr(func(stmt string) error {
		if strings.HasPrefix(stmt, "DROP") {
			return errors.New("in use")
		}
		return nil
	})

	err := m.Drop(context.Background(), "trace")
	assert.ErrorIs(t, err, session.ErrRemoteCommandFailed)
	assert.Equal(t, session.Stopped, stateOf(t, m, "trace"))
}

func TestDropKeepsSharedConnection(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	mustCreate(t, m, "a")
	mustCreate(t, m, "b")

	require.NoError(t, m.Drop(ctx, "a"))
	assert.Equal(t, 1, srv.OpenConns())

	require.NoError(t, m.Drop(ctx, "b"))
	assert.Zero(t, srv.OpenConns())
}

func TestRecreateAfterDrop(t *testing.T) {
	m, _ := newTestManager(t, 100)
	first := mustCreate(t, m, "trace")
	require.NoError(t, m.Drop(context.Background(), "trace"))

	second := mustCreate(t, m, "trace")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestReconnectKeepsState(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	srv.SetBuffer("trace", pooltest.Timestamps("t1", "t2"))
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.Eventually(t, func() bool { return eventCount(m, "trace") == 2 }, time.Second, time.Millisecond)

	dials := srv.Dials()
	require.NoError(t, m.Reconnect(ctx, "trace"))
	assert.Greater(t, srv.Dials(), dials)
	assert.Equal(t, session.Running, stateOf(t, m, "trace"))

	cause := errors.New("login failed")
	srv.SetDialErr(cause)
	err := m.Reconnect(ctx, "trace")
	assert.ErrorIs(t, err, session.ErrReconnectFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, session.Running, stateOf(t, m, "trace"))
	assert.Equal(t, 2, eventCount(m, "trace"))
}

func TestReconnectPingFailure(t *testing.T) {
	m, srv := newTestManager(t, 100)
	mustCreate(t, m, "trace")
	srv.SetPingErr(errors.New("connection reset"))

	err := m.Reconnect(context.Background(), "trace")
	assert.ErrorIs(t, err, session.ErrReconnectFailed)
	assert.Equal(t, session.Stopped, stateOf(t, m, "trace"))
}

func TestRetentionCapAcrossTicks(t *testing.T) {
	m, srv := newTestManager(t, 3)
	ctx := context.Background()
	srv.SetBuffer("trace", pooltest.Timestamps("t1", "t2"))
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.Eventually(t, func() bool { return eventCount(m, "trace") == 2 }, time.Second, time.Millisecond)

	srv.SetBuffer("trace", pooltest.Timestamps("t1", "t2", "t3", "t4"))
	require.Eventually(t, func() bool {
		snap, _ := m.Get("trace")
		return len(snap.Events) == 3 && snap.Events[0].Timestamp == "t4"
	}, time.Second, time.Millisecond)

	snap, err := m.Get("trace")
	require.NoError(t, err)
	var got []string
	for _, e := range snap.Events {
		got = append(got, e.Timestamp)
	}
	assert.Equal(t, []string{"t4", "t3", "t2"}, got)
}

func TestClearAndList(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	srv.SetBuffer("b", pooltest.Timestamps("t1", "t2"))
	mustCreate(t, m, "b")
	mustCreate(t, m, "a")
	require.NoError(t, m.Start(ctx, "b"))
	require.Eventually(t, func() bool { return eventCount(m, "b") == 2 }, time.Second, time.Millisecond)
	require.NoError(t, m.Pause(ctx, "b"))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Nil(t, list[1].Events)

	n, err := m.Clear("b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, eventCount(m, "b"))

	// Events still in the remote buffer are not ingested again.
	require.NoError(t, m.Resume(ctx, "b"))
	retrievals := srv.Retrievals()
	require.Eventually(t, func() bool { return srv.Retrievals() > retrievals+1 }, time.Second, time.Millisecond)
	assert.Zero(t, eventCount(m, "b"))
}

func TestSubscribeReceivesStateAndEvents(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		updates []poller.Update
	)
	m.Subscribe(func(u poller.Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})

	srv.SetBuffer("trace", pooltest.Timestamps("t1"))
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range updates {
			if len(u.NewEvents) == 1 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, session.Stopped, updates[0].State)
	assert.Equal(t, session.Running, updates[1].State)
}

func TestRecorderReceivesLifecycle(t *testing.T) {
	m, _ := newTestManager(t, 100)
	rec := &fakeRecorder{}
	m.recorder = rec
	ctx := context.Background()

	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.NoError(t, m.Stop(ctx, "trace"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.records, 3)
	assert.Nil(t, rec.records[0].StartedAt)
	assert.NotNil(t, rec.records[1].StartedAt)
	assert.NotNil(t, rec.records[2].StoppedAt)
}

func TestShutdownHaltsPolling(t *testing.T) {
	m, srv := newTestManager(t, 100)
	ctx := context.Background()
	mustCreate(t, m, "trace")
	require.NoError(t, m.Start(ctx, "trace"))
	require.Eventually(t, func() bool { return srv.Retrievals() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, m.Shutdown(ctx))
	retrievals := srv.Retrievals()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, retrievals, srv.Retrievals())
	assert.Zero(t, srv.OpenConns())
	assert.Zero(t, srv.ClosedUses())
}

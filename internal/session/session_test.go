package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"XEWatch/internal/pool"
	"XEWatch/internal/template"
	"XEWatch/internal/xevent"
)

func newTestSession(name string) *Session {
	return New(name, pool.Descriptor{Name: "local", Server: "db1"}, template.Builtins[0], nil)
}

func ev(ts string) xevent.Event {
	return xevent.Event{Name: "sql_batch_completed", Timestamp: ts, Values: map[string]*string{}}
}

func timestamps(events []xevent.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Timestamp
	}
	return out
}

func TestNewSessionIsStopped(t *testing.T) {
	s := newTestSession("a")
	assert.Equal(t, Stopped, s.State())
	assert.NotEmpty(t, s.ID)
	assert.NotNil(t, s.Lookup)
	assert.Zero(t, s.EventCount())
}

func TestMergeNewestFirst(t *testing.T) {
	s := newTestSession("a")
	added := s.Merge([]xevent.Event{ev("t1"), ev("t2")}, 10)
	assert.Equal(t, []string{"t2", "t1"}, timestamps(added))
	assert.Equal(t, []string{"t2", "t1"}, timestamps(s.Events()))

	added = s.Merge([]xevent.Event{ev("t1"), ev("t2"), ev("t3")}, 10)
	assert.Equal(t, []string{"t3"}, timestamps(added))
	assert.Equal(t, []string{"t3", "t2", "t1"}, timestamps(s.Events()))
}

func TestMergeRetentionCap(t *testing.T) {
	s := newTestSession("a")
	s.Merge([]xevent.Event{ev("t1"), ev("t2")}, 3)
	s.Merge([]xevent.Event{ev("t3"), ev("t4")}, 3)

	assert.Equal(t, []string{"t4", "t3", "t2"}, timestamps(s.Events()))
}

func TestMergeDoesNotResurrectEvicted(t *testing.T) {
	s := newTestSession("a")
	buffer := []xevent.Event{ev("t1"), ev("t2"), ev("t3"), ev("t4")}
	s.Merge(buffer, 2)
	added := s.Merge(buffer, 2)

	assert.Empty(t, added)
	assert.Equal(t, []string{"t4", "t3"}, timestamps(s.Events()))
}

func TestMergeCollapsesDuplicateTimestampsInBatch(t *testing.T) {
	s := newTestSession("a")
	s.Merge([]xevent.Event{ev("t1"), ev("t1"), ev("t2")}, 10)
	assert.Equal(t, 2, s.EventCount())
}

func TestMergeInvariantsHoldAcrossTicks(t *testing.T) {
	s := newTestSession("a")
	const max = 5
	for tick := 0; tick < 20; tick++ {
		var batch []xevent.Event
		for i := 0; i <= tick%4; i++ {
			batch = append(batch, ev(fmt.Sprintf("t%03d", tick*2+i)))
		}
		s.Merge(batch, max)

		events := s.Events()
		require.LessOrEqual(t, len(events), max)
		seen := map[string]bool{}
		for _, e := range events {
			require.False(t, seen[e.Timestamp], "duplicate timestamp %s", e.Timestamp)
			seen[e.Timestamp] = true
		}
	}
}

func TestClearKeepsSeenTimestamps(t *testing.T) {
	s := newTestSession("a")
	s.Merge([]xevent.Event{ev("t1")}, 10)
	assert.Equal(t, 1, s.Clear())
	assert.Zero(t, s.EventCount())

	s.Merge([]xevent.Event{ev("t1"), ev("t2")}, 10)
	assert.Equal(t, []string{"t2"}, timestamps(s.Events()))
}

func TestSnapshot(t *testing.T) {
	s := newTestSession("a")
	s.Merge([]xevent.Event{ev("t1")}, 10)
	s.MarkStarted(time.Now())

	snap := s.Snapshot(true)
	assert.Equal(t, Running, snap.State)
	assert.Equal(t, "local", snap.Connection)
	assert.Equal(t, "Standard", snap.Template)
	require.NotNil(t, snap.StartedAt)
	assert.Nil(t, snap.StoppedAt)
	assert.Len(t, snap.Events, 1)

	snap.Events[0] = ev("mutated")
	assert.Equal(t, "t1", s.Events()[0].Timestamp)

	assert.Empty(t, s.Snapshot(false).Events)
}

func TestSnapshotEventValuesAreIndependent(t *testing.T) {
	s := newTestSession("a")
	s.Merge([]xevent.Event{ev("t1").WithValue("duration", "10")}, 10)

	snap := s.Snapshot(true)
	require.Len(t, snap.Events, 1)
	*snap.Events[0].Values["duration"] = "999"
	snap.Events[0].Values["extra"] = nil

	listed := s.Events()
	got, ok := listed[0].Value("duration")
	require.True(t, ok)
	assert.Equal(t, "10", got)
	assert.False(t, listed[0].Has("extra"))

	listed[0].Values["duration"] = nil
	got, _ = s.Events()[0].Value("duration")
	assert.Equal(t, "10", got)
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(Paused)
	require.NoError(t, err)
	assert.Equal(t, `"paused"`, string(data))

	var st State
	require.NoError(t, json.Unmarshal([]byte(`"running"`), &st))
	assert.Equal(t, Running, st)
}

type countingTask struct {
	mu    sync.Mutex
	stops int
}

func (c *countingTask) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func TestStopTask(t *testing.T) {
	s := newTestSession("a")
	assert.False(t, s.StopTask())

	task := &countingTask{}
	s.AttachTask(task)
	assert.True(t, s.HasTask())
	assert.True(t, s.StopTask())
	assert.False(t, s.HasTask())
	assert.False(t, s.StopTask())
	assert.Equal(t, 1, task.stops)
}

func TestErrorTaxonomy(t *testing.T) {
	err := NotPausable("a", Stopped)
	assert.True(t, errors.Is(err, ErrSessionNotPausable))
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))

	cause := errors.New("timeout")
	err = RemoteFailed("start", "a", cause)
	assert.True(t, errors.Is(err, ErrRemoteCommandFailed))
	assert.True(t, errors.Is(err, cause))

	assert.True(t, errors.Is(NotFound("a"), ErrSessionNotFound))
	assert.True(t, errors.Is(InvalidTransition("start", "a", Running), ErrInvalidStateTransition))
}

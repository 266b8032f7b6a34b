package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4406arthur/verity/domain"
	"github.com/4406arthur/verity/eventbus"
)

type fakeTransport struct {
	mu     sync.Mutex
	events []domain.Event
	code   int
	reason string
	closed bool
	gate   chan struct{} // when set, WriteEvent blocks until the gate opens
}

func (f *fakeTransport) WriteEvent(ev domain.Event) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeTransport) CloseWith(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.code = code
	f.reason = reason
}

func (f *fakeTransport) snapshot() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeTransport) closeCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.closed
}

type stubJobs struct {
	jobs map[string]domain.Job
}

func (s *stubJobs) Snapshot(jobID string) (domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

func newTestManager(t *testing.T, bus *eventbus.Bus, heartbeatTimeout time.Duration) *Manager {
	t.Helper()
	jobs := &stubJobs{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", Owner: "alice", Stage: domain.StageScoringUnits},
	}}
	return NewManager(bus, jobs, NewAuthenticator(testSecret), heartbeatTimeout, time.Hour)
}

func authedConn(t *testing.T, m *Manager, sub string, roles []string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	conn := NewConnection("conn-"+sub, tr)
	_, err := m.Authenticate(conn, makeToken(t, testSecret, sub, roles, time.Minute))
	require.NoError(t, err)
	return conn, tr
}

func TestAuthenticateFailureClosesConnection(t *testing.T) {
	bus := eventbus.New(50, 8)
	m := newTestManager(t, bus, time.Minute)

	conn := NewConnection("c1", &fakeTransport{})
	_, err := m.Authenticate(conn, "bogus")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Equal(t, StateClosed, conn.State())
}

func TestAttachRequiresAuthentication(t *testing.T) {
	bus := eventbus.New(50, 8)
	bus.CreateTopic("job-1")
	m := newTestManager(t, bus, time.Minute)

	conn := NewConnection("c1", &fakeTransport{})
	err := m.Attach(conn, "job-1")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestAttachAuthorization(t *testing.T) {
	bus := eventbus.New(50, 8)
	bus.CreateTopic("job-1")
	m := newTestManager(t, bus, time.Minute)

	t.Run("unknown job", func(t *testing.T) {
		conn, _ := authedConn(t, m, "alice", nil)
		assert.ErrorIs(t, m.Attach(conn, "job-9"), domain.ErrNotFound)
	})
	t.Run("non-owner forbidden", func(t *testing.T) {
		conn, _ := authedConn(t, m, "bob", nil)
		assert.ErrorIs(t, m.Attach(conn, "job-1"), domain.ErrForbidden)
	})
	t.Run("owner permitted", func(t *testing.T) {
		conn, _ := authedConn(t, m, "alice", nil)
		require.NoError(t, m.Attach(conn, "job-1"))
		assert.Equal(t, StateSubscribed, conn.State())
		m.Detach(conn.ID)
	})
	t.Run("reviewer role permitted", func(t *testing.T) {
		conn, _ := authedConn(t, m, "bob", []string{"reviewer"})
		require.NoError(t, m.Attach(conn, "job-1"))
		m.Detach(conn.ID)
	})
}

func TestForwardReplayThenLiveInOrder(t *testing.T) {
	bus := eventbus.New(50, 8)
	bus.CreateTopic("job-1")
	m := newTestManager(t, bus, time.Minute)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, bus.Publish("job-1", domain.Event{JobID: "job-1", Seq: seq, Kind: domain.EventStatus}))
	}

	conn, tr := authedConn(t, m, "alice", nil)
	require.NoError(t, m.Attach(conn, "job-1"))

	for seq := uint64(4); seq <= 5; seq++ {
		require.NoError(t, bus.Publish("job-1", domain.Event{JobID: "job-1", Seq: seq, Kind: domain.EventStatus}))
	}

	require.Eventually(t, func() bool { return len(tr.snapshot()) == 5 }, time.Second, 10*time.Millisecond)
	for i, ev := range tr.snapshot() {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestHeartbeatTimeoutSweep(t *testing.T) {
	bus := eventbus.New(50, 8)
	bus.CreateTopic("job-1")
	m := newTestManager(t, bus, 50*time.Millisecond)

	stale, staleTr := authedConn(t, m, "alice", nil)
	require.NoError(t, m.Attach(stale, "job-1"))
	fresh, freshTr := authedConn(t, m, "bob", []string{"reviewer"})
	require.NoError(t, m.Attach(fresh, "job-1"))

	// backdate the silent connection past the timeout window
	stale.mu.Lock()
	stale.lastBeat = time.Now().Add(-time.Minute)
	stale.mu.Unlock()
	m.OnHeartbeat(fresh.ID)

	dropped := m.Sweep(time.Now())
	assert.Equal(t, 1, dropped)

	code, closed := staleTr.closeCode()
	assert.True(t, closed)
	assert.Equal(t, CloseHeartbeatTimeout, code)
	assert.Equal(t, StateClosed, stale.State())

	// no further events reach the swept connection
	before := len(staleTr.snapshot())
	require.NoError(t, bus.Publish("job-1", domain.Event{JobID: "job-1", Seq: 1, Kind: domain.EventStatus}))
	require.Eventually(t, func() bool { return len(freshTr.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, before, len(staleTr.snapshot()))

	// sweeping again finds nothing
	assert.Equal(t, 0, m.Sweep(time.Now()))
}

func TestSlowConnectionOverflowIsIsolated(t *testing.T) {
	bus := eventbus.New(50, 2)
	bus.CreateTopic("job-1")
	m := newTestManager(t, bus, time.Minute)

	gate := make(chan struct{})
	stalledTr := &fakeTransport{gate: gate}
	stalled := NewConnection("conn-stalled", stalledTr)
	_, err := m.Authenticate(stalled, makeToken(t, testSecret, "alice", nil, time.Minute))
	require.NoError(t, err)
	require.NoError(t, m.Attach(stalled, "job-1"))

	healthy, healthyTr := authedConn(t, m, "bob", []string{"reviewer"})
	require.NoError(t, m.Attach(healthy, "job-1"))

	// the stalled forwarder takes one event and blocks; two queue up; the
	// next publish overflows its subscription
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, bus.Publish("job-1", domain.Event{JobID: "job-1", Seq: seq, Kind: domain.EventStatus}))
	}

	require.Eventually(t, func() bool { return len(healthyTr.snapshot()) == 5 }, time.Second, 10*time.Millisecond)
	for i, ev := range healthyTr.snapshot() {
		assert.Equal(t, uint64(i+1), ev.Seq, "healthy subscriber sees uninterrupted delivery")
	}

	close(gate)
	require.Eventually(t, func() bool {
		_, closed := stalledTr.closeCode()
		return closed
	}, time.Second, 10*time.Millisecond)

	code, _ := stalledTr.closeCode()
	assert.Equal(t, CloseSlowConsumer, code)

	events := stalledTr.snapshot()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, domain.EventError, last.Kind)
	assert.Equal(t, domain.ErrorKindOverflow, last.Error.Kind)
	assert.False(t, last.Error.Terminal)
}

func TestDetachIsIdempotent(t *testing.T) {
	bus := eventbus.New(50, 8)
	bus.CreateTopic("job-1")
	m := newTestManager(t, bus, time.Minute)

	conn, _ := authedConn(t, m, "alice", nil)
	require.NoError(t, m.Attach(conn, "job-1"))

	m.Detach(conn.ID)
	m.Detach(conn.ID)
	m.Detach("never-attached")
	assert.Equal(t, StateClosed, conn.State())
}

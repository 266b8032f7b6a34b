// Package gateway authenticates live client connections and forwards each
// one the ordered event stream of the job it is attached to.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/4406arthur/verity/domain"
	"github.com/4406arthur/verity/eventbus"
)

var activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "verity_gateway_active_connections",
	Help: "The number of live subscribed connections",
})

// Application close codes on the live progress channel.
const (
	CloseUnauthenticated  = 4401
	CloseForbidden        = 4403
	CloseNotFound         = 4404
	CloseHeartbeatTimeout = 4408
	CloseSlowConsumer     = 4409
)

//ConnState ...
type ConnState string

const (
	StateConnecting    ConnState = "connecting"
	StateAuthenticated ConnState = "authenticated"
	StateSubscribed    ConnState = "subscribed"
	StateClosed        ConnState = "closed"
)

//Transport is the write side of one client session. WriteEvent may block on
//a slow client; backpressure is handled upstream by the bus queue.
type Transport interface {
	WriteEvent(ev domain.Event) error
	CloseWith(code int, reason string)
}

//Connection is one authenticated transport session bound to at most one job.
type Connection struct {
	ID        string
	transport Transport

	mu       sync.Mutex
	subject  Subject
	jobID    string
	state    ConnState
	lastBeat time.Time
}

//NewConnection ...
func NewConnection(id string, tr Transport) *Connection {
	return &Connection{
		ID:        id,
		transport: tr,
		state:     StateConnecting,
		lastBeat:  time.Now(),
	}
}

//State ...
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

//SnapshotSource resolves job ids for attach authorization.
type SnapshotSource interface {
	Snapshot(jobID string) (domain.Job, error)
}

//Manager tracks live connections, enforces heartbeat liveness and bridges
//the event bus to each connection's transport.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*Connection

	bus              *eventbus.Bus
	jobs             SnapshotSource
	auth             *Authenticator
	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
}

//NewManager ...
func NewManager(bus *eventbus.Bus, jobs SnapshotSource, auth *Authenticator, heartbeatTimeout, sweepInterval time.Duration) *Manager {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	return &Manager{
		conns:            make(map[string]*Connection),
		bus:              bus,
		jobs:             jobs,
		auth:             auth,
		heartbeatTimeout: heartbeatTimeout,
		sweepInterval:    sweepInterval,
	}
}

//Authenticate validates the bearer token and advances the connection state.
//Auth failures never affect job state.
func (m *Manager) Authenticate(conn *Connection, token string) (Subject, error) {
	subj, err := m.auth.Authenticate(token)
	if err != nil {
		conn.mu.Lock()
		conn.state = StateClosed
		conn.mu.Unlock()
		return Subject{}, err
	}
	conn.mu.Lock()
	conn.subject = subj
	conn.state = StateAuthenticated
	conn.mu.Unlock()
	return subj, nil
}

//Attach authorizes the subject for the job, subscribes the connection on the
//bus and starts forwarding events. The retained replay is written before any
//live event.
func (m *Manager) Attach(conn *Connection, jobID string) error {
	conn.mu.Lock()
	if conn.state != StateAuthenticated {
		conn.mu.Unlock()
		return fmt.Errorf("%w: connection not authenticated", domain.ErrUnauthenticated)
	}
	subj := conn.subject
	conn.mu.Unlock()

	snap, err := m.jobs.Snapshot(jobID)
	if err != nil {
		return err
	}
	if !subj.Permitted(snap.Owner) {
		return fmt.Errorf("%w: %s may not view job %s", domain.ErrForbidden, subj.ID, jobID)
	}

	sub, replay, err := m.bus.Subscribe(jobID, conn.ID)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	conn.jobID = jobID
	conn.state = StateSubscribed
	conn.lastBeat = time.Now()
	conn.mu.Unlock()

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()
	activeConnections.Inc()

	go m.forward(conn, sub, replay)
	return nil
}

// forward drains the subscription into the transport. It exits when the
// subscription closes (unsubscribe, overflow, retire) or a write fails.
func (m *Manager) forward(conn *Connection, sub *eventbus.Subscription, replay []domain.Event) {
	for _, ev := range replay {
		if err := conn.transport.WriteEvent(ev); err != nil {
			m.Detach(conn.ID)
			return
		}
	}
	for ev := range sub.C {
		if err := conn.transport.WriteEvent(ev); err != nil {
			m.Detach(conn.ID)
			return
		}
	}

	switch sub.Reason() {
	case eventbus.ReasonOverflow:
		// connection-local notice, carries no job sequence number
		conn.transport.WriteEvent(domain.Event{
			JobID:     sub.JobID,
			Kind:      domain.EventError,
			Timestamp: time.Now().UTC(),
			Error: &domain.ErrorPayload{
				Kind:    domain.ErrorKindOverflow,
				Message: "outbound queue overflow: reconnect to resume",
			},
		})
		conn.transport.CloseWith(CloseSlowConsumer, "outbound queue overflow")
	case eventbus.ReasonRetired:
		conn.transport.CloseWith(1000, "job retired")
	}
	m.Detach(conn.ID)
}

//OnHeartbeat refreshes the connection's liveness timestamp.
func (m *Manager) OnHeartbeat(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.lastBeat = time.Now()
	conn.mu.Unlock()
}

//Detach unsubscribes and forgets the connection. Idempotent.
func (m *Manager) Detach(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	jobID := conn.jobID
	conn.state = StateClosed
	conn.mu.Unlock()

	if jobID != "" {
		m.bus.Unsubscribe(jobID, connID)
	}
	activeConnections.Dec()
}

//Sweep force-disconnects every connection whose last heartbeat is older than
//the timeout. Returns the number of connections dropped.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var stale []*Connection
	for _, conn := range m.conns {
		conn.mu.Lock()
		if now.Sub(conn.lastBeat) > m.heartbeatTimeout {
			stale = append(stale, conn)
		}
		conn.mu.Unlock()
	}
	m.mu.Unlock()

	for _, conn := range stale {
		log.Printf("[Info] heartbeat timeout on connection %s", conn.ID)
		conn.transport.CloseWith(CloseHeartbeatTimeout, "heartbeat timeout")
		m.Detach(conn.ID)
	}
	return len(stale)
}

//Run sweeps on an interval until ctx is done, then closes every connection.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Sweep(time.Now())
		case <-ctx.Done():
			m.mu.Lock()
			conns := make([]*Connection, 0, len(m.conns))
			for _, c := range m.conns {
				conns = append(conns, c)
			}
			m.mu.Unlock()
			for _, c := range conns {
				c.transport.CloseWith(1001, "server shutting down")
				m.Detach(c.ID)
			}
			return
		}
	}
}

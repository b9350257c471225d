package sift

import (
	"sync"
	"time"
)

// ProxyState is the lifecycle state of the proxy engine.
type ProxyState int

const (
	// StateStopped means no run cycle is active.
	StateStopped ProxyState = iota

	// StateStarting means a run cycle has been launched but the
	// listener is not up yet.
	StateStarting

	// StateRunning means the listener is bound and serving.
	StateRunning

	// StateTerminating means a stop has been requested and the engine
	// is shutting down.
	StateTerminating

	// StateError means the last run cycle failed; see ProxyStatus.Err.
	StateError
)

// String returns the lowercase state name.
func (s ProxyState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateError:
		return "error"
	default:
		return "stopped"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ProxyState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProxyStatus is a snapshot of the proxy lifecycle state. Err is only
// set when State is StateError.
type ProxyStatus struct {
	State ProxyState `json:"state"`
	Err   string     `json:"error,omitempty"`
}

// proxyEvent is the closed set of events a run cycle can emit. The
// consumer switches over every variant; new variants must be handled
// there.
type proxyEvent interface {
	proxyEvent()
}

type eventStarting struct{}

type eventRunning struct{}

type eventTerminating struct{}

type eventTerminated struct{}

type eventFailed struct {
	msg string
}

type eventRequest struct {
	entry RequestLogEntry
}

func (eventStarting) proxyEvent()    {}
func (eventRunning) proxyEvent()     {}
func (eventTerminating) proxyEvent() {}
func (eventTerminated) proxyEvent()  {}
func (eventFailed) proxyEvent()      {}
func (eventRequest) proxyEvent()     {}

// runCycle owns the event channel and background goroutines for one
// Run-to-Stopped span. Every Run call builds a fresh cycle, so a Proxy
// can be restarted any number of times and a finished cycle can never
// swallow events meant for a later one.
type runCycle struct {
	events chan proxyEvent

	// closed is closed once Terminated has been applied. Sends after
	// that are dropped.
	closed    chan struct{}
	closeOnce sync.Once

	// terminating is closed when the consumer applies Terminating. It
	// wakes the termination supervisor.
	terminating chan struct{}
	termOnce    sync.Once

	// engineDone is closed when the accept loop has exited, whether
	// through cancellation or a failed bind.
	engineDone chan struct{}

	mu       sync.Mutex
	canceler func()
}

func newRunCycle() *runCycle {
	return &runCycle{
		events:      make(chan proxyEvent, 64),
		closed:      make(chan struct{}),
		terminating: make(chan struct{}),
		engineDone:  make(chan struct{}),
	}
}

// send delivers an event to the cycle's consumer. Once the cycle has
// been torn down the event is dropped; in-flight connection handlers
// may outlive their cycle and must never block or panic here.
func (c *runCycle) send(ev proxyEvent) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case <-c.closed:
	case c.events <- ev:
	}
}

func (c *runCycle) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *runCycle) signalTerminating() {
	c.termOnce.Do(func() { close(c.terminating) })
}

// setCanceler registers the one-shot engine cancel, installed once the
// listener is bound.
func (c *runCycle) setCanceler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceler = fn
}

func (c *runCycle) cancelEngine() {
	c.mu.Lock()
	fn := c.canceler
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// consumeEvents is the single mutator of the status, request log and
// run timer cells. It applies events in arrival order until the cycle
// is torn down.
func (p *Proxy) consumeEvents(c *runCycle) {
	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.events:
			p.applyEvent(c, ev)
		}
	}
}

func (p *Proxy) applyEvent(c *runCycle, ev proxyEvent) {
	switch ev := ev.(type) {
	case eventStarting:
		p.setStatus(ProxyStatus{State: StateStarting})
	case eventRunning:
		p.setRunStart(time.Now())
		p.setStatus(ProxyStatus{State: StateRunning})
	case eventTerminating:
		p.setStatus(ProxyStatus{State: StateTerminating})
		c.signalTerminating()
	case eventTerminated:
		p.setStatus(ProxyStatus{State: StateStopped})
		p.setRunStart(time.Time{})
		c.close()
	case eventFailed:
		p.setStatus(ProxyStatus{State: StateError, Err: ev.msg})
	case eventRequest:
		p.appendRequest(ev.entry)
	}
}

// superviseTermination waits for the consumer to apply Terminating,
// delivers the one-shot cancel to the engine, and emits Terminated
// once the accept loop has exited. If the engine stops on its own
// first, typically a failed bind, the supervisor parks until a stop
// request arrives so the failed cycle can still be drained to Stopped.
func (p *Proxy) superviseTermination(c *runCycle) {
	select {
	case <-c.terminating:
		c.cancelEngine()
	case <-c.engineDone:
		select {
		case <-c.terminating:
		case <-c.closed:
			return
		}
	}
	<-c.engineDone
	c.send(eventTerminated{})
}

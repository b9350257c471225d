package sift

import (
	"encoding/json"
	"testing"
	"time"
)

func TestProxyState_String(t *testing.T) {
	tests := []struct {
		state ProxyState
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateTerminating, "terminating"},
		{StateError, "error"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ProxyState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestProxyStatus_JSON(t *testing.T) {
	data, err := json.Marshal(ProxyStatus{State: StateRunning})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"state":"running"}` {
		t.Errorf("unexpected JSON: %s", data)
	}

	data, err = json.Marshal(ProxyStatus{State: StateError, Err: "bind failed"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"state":"error","error":"bind failed"}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}

func TestRunCycle_SendAfterClose(t *testing.T) {
	c := newRunCycle()
	c.close()

	// Must neither block nor deliver.
	c.send(eventRunning{})

	if len(c.events) != 0 {
		t.Error("send after close should drop the event")
	}
}

func TestRunCycle_CloseIdempotent(t *testing.T) {
	c := newRunCycle()
	c.close()
	c.close()

	select {
	case <-c.closed:
	default:
		t.Error("closed channel should be closed")
	}
}

func TestRunCycle_CancelEngineWithoutCanceler(t *testing.T) {
	c := newRunCycle()
	c.cancelEngine()
}

func TestProxy_ApplyEvent(t *testing.T) {
	p := NewProxy("127.0.0.1:0")
	c := newRunCycle()

	p.applyEvent(c, eventStarting{})
	if got := p.Status().State; got != StateStarting {
		t.Errorf("state after starting = %v, want %v", got, StateStarting)
	}

	p.applyEvent(c, eventRunning{})
	if got := p.Status().State; got != StateRunning {
		t.Errorf("state after running = %v, want %v", got, StateRunning)
	}
	time.Sleep(10 * time.Millisecond)
	if p.RunTime() <= 0 {
		t.Error("run timer should be ticking after the running event")
	}

	p.applyEvent(c, eventRequest{entry: RequestLogEntry{Method: "GET", URI: "example.com", Blocked: true}})
	requests := p.Requests()
	if len(requests) != 1 || requests[0].URI != "example.com" || !requests[0].Blocked {
		t.Errorf("unexpected request log: %+v", requests)
	}

	p.applyEvent(c, eventTerminating{})
	if got := p.Status().State; got != StateTerminating {
		t.Errorf("state after terminating = %v, want %v", got, StateTerminating)
	}
	select {
	case <-c.terminating:
	default:
		t.Error("terminating event should wake the supervisor")
	}

	p.applyEvent(c, eventTerminated{})
	if got := p.Status().State; got != StateStopped {
		t.Errorf("state after terminated = %v, want %v", got, StateStopped)
	}
	if p.RunTime() != 0 {
		t.Error("run timer should reset once stopped")
	}
	select {
	case <-c.closed:
	default:
		t.Error("terminated event should tear the cycle down")
	}
}

func TestProxy_ApplyEvent_Failed(t *testing.T) {
	p := NewProxy("127.0.0.1:0")
	c := newRunCycle()

	p.applyEvent(c, eventFailed{msg: "listen tcp: address in use"})

	status := p.Status()
	if status.State != StateError {
		t.Errorf("state = %v, want %v", status.State, StateError)
	}
	if status.Err != "listen tcp: address in use" {
		t.Errorf("err = %q, want the failure message", status.Err)
	}
}

func TestProxy_ConsumeEvents(t *testing.T) {
	p := NewProxy("127.0.0.1:0")
	c := newRunCycle()
	go p.consumeEvents(c)

	c.send(eventRunning{})

	deadline := time.After(2 * time.Second)
	for p.Status().State != StateRunning {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the consumer to apply the event")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	c.send(eventTerminated{})
	for p.Status().State != StateStopped {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the consumer to stop the proxy")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestProxy_SuperviseTermination(t *testing.T) {
	p := NewProxy("127.0.0.1:0")
	c := newRunCycle()
	c.setCanceler(func() { close(c.engineDone) })

	done := make(chan struct{})
	go func() {
		p.superviseTermination(c)
		close(done)
	}()

	c.signalTerminating()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}

	select {
	case ev := <-c.events:
		if _, ok := ev.(eventTerminated); !ok {
			t.Errorf("supervisor emitted %T, want eventTerminated", ev)
		}
	default:
		t.Error("supervisor should emit the terminated event")
	}
}

func TestProxy_SuperviseTermination_EngineExitsFirst(t *testing.T) {
	p := NewProxy("127.0.0.1:0")
	c := newRunCycle()

	done := make(chan struct{})
	go func() {
		p.superviseTermination(c)
		close(done)
	}()

	// A failed bind closes engineDone without any stop request; the
	// supervisor parks so a later stop can still drain the cycle.
	close(c.engineDone)

	select {
	case <-done:
		t.Fatal("supervisor should wait for a stop request or teardown")
	case <-time.After(50 * time.Millisecond):
	}

	c.close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish after teardown")
	}

	if len(c.events) != 0 {
		t.Error("supervisor should end quietly when the cycle is torn down")
	}
}

func TestProxy_SuperviseTermination_StopAfterEngineExit(t *testing.T) {
	p := NewProxy("127.0.0.1:0")
	c := newRunCycle()

	done := make(chan struct{})
	go func() {
		p.superviseTermination(c)
		close(done)
	}()

	// Engine died on its own; a stop request still ends the cycle.
	close(c.engineDone)
	c.signalTerminating()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}

	select {
	case ev := <-c.events:
		if _, ok := ev.(eventTerminated); !ok {
			t.Errorf("supervisor emitted %T, want eventTerminated", ev)
		}
	default:
		t.Error("supervisor should emit the terminated event")
	}
}

package engine

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/faktory-go/client/internal/conn"
)

// fakeFaktoryServer runs a minimal no-salt handshake over the server half of
// a net.Pipe and then blocks until closed, standing in for a real Faktory
// server in reconnect tests.
func fakeFaktoryServer(t *testing.T, srvNC net.Conn) {
	t.Helper()
	r := bufio.NewReader(srvNC)
	if _, err := srvNC.Write([]byte("HI {\"v\":2}\r\n")); err != nil {
		return
	}
	if _, err := r.ReadString('\n'); err != nil {
		return
	}
	_, _ = srvNC.Write([]byte("+OK\r\n"))
}

// pipeDialer returns a Dialer backed by net.Pipe, plus an atomic pointer to
// the most recently created server-side net.Conn so a test can sever it to
// simulate an unexpected disconnect.
func pipeDialer(t *testing.T) (Dialer, *atomic.Pointer[net.Conn]) {
	t.Helper()
	var lastSrv atomic.Pointer[net.Conn]
	dial := func(ctx context.Context) (*conn.Conn, error) {
		client, srvNC := net.Pipe()
		go fakeFaktoryServer(t, srvNC)
		c, err := conn.FromNetConn(ctx, client, conn.Config{Host: "localhost", Port: 7419}, 0, nil)
		if err != nil {
			return nil, err
		}
		lastSrv.Store(&srvNC)
		return c, nil
	}
	return dial, &lastSrv
}

func waitForState(t *testing.T, e *Engine, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state did not reach %v within %v, last seen %v", want, timeout, e.State())
}

func TestEngineConnectTransitionsToConnected(t *testing.T) {
	t.Parallel()
	dial, _ := pipeDialer(t)
	e := New(dial, 2, 10*time.Millisecond, nil)
	t.Cleanup(func() { _ = e.Close() })

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if e.State() != StateConnected {
		t.Fatalf("State()=%v, want StateConnected", e.State())
	}
	if _, err := e.Conn(); err != nil {
		t.Fatalf("Conn(): %v", err)
	}
}

func TestEngineReconnectsOnUnexpectedClose(t *testing.T) {
	t.Parallel()
	dial, lastSrv := pipeDialer(t)
	// the backoff must outlast waitForState's 5ms poll, or StateReconnecting
	// is over before the test can observe it.
	e := New(dial, 3, 100*time.Millisecond, nil)
	t.Cleanup(func() { _ = e.Close() })

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	srv := *lastSrv.Load()
	_ = srv.Close() // sever the session out from under the engine

	waitForState(t, e, StateReconnecting, time.Second)
	waitForState(t, e, StateConnected, 2*time.Second)

	c, err := e.Conn()
	if err != nil {
		t.Fatalf("Conn() after reconnect: %v", err)
	}
	if c.IsClosed() {
		t.Fatal("reconnected conn reports closed")
	}
}

func TestEngineReconnectExhaustedEmitsEvent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	dial := func(ctx context.Context) (*conn.Conn, error) {
		n := calls.Add(1)
		if n == 1 {
			client, srvNC := net.Pipe()
			go fakeFaktoryServer(t, srvNC)
			return conn.FromNetConn(ctx, client, conn.Config{}, 0, nil)
		}
		return nil, errors.New("refused")
	}

	e := New(dial, 2, 2*time.Millisecond, nil)
	t.Cleanup(func() { _ = e.Close() })

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c, err := e.Conn()
	if err != nil {
		t.Fatalf("Conn(): %v", err)
	}
	// c.Close() is a session-level close the engine did not request, so from
	// the engine's perspective (still StateConnected) this looks exactly like
	// an unexpected disconnect and must drive the reconnect loop.
	_ = c.Close()

	select {
	case ev := <-e.Events():
		if ev.Kind != EventReconnectExhausted {
			t.Fatalf("got event kind %v, want EventReconnectExhausted", ev.Kind)
		}
		if !errors.Is(ev.Err, ErrReconnectExhausted) {
			t.Errorf("event err=%v, want ErrReconnectExhausted", ev.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("did not receive EventReconnectExhausted in time")
	}

	waitForState(t, e, StateClosed, time.Second)
}

func TestEngineCloseDoesNotTriggerReconnect(t *testing.T) {
	t.Parallel()
	dial, _ := pipeDialer(t)
	e := New(dial, 3, 5*time.Millisecond, nil)

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// give any erroneous reconnect goroutine a chance to misbehave
	time.Sleep(50 * time.Millisecond)
	if e.State() != StateClosed {
		t.Fatalf("State()=%v, want StateClosed", e.State())
	}
	if _, err := e.Conn(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Conn() err=%v, want ErrNotConnected", err)
	}
}

func TestEngineCloseDuringInFlightRedialLeavesNoLiveConn(t *testing.T) {
	t.Parallel()

	redialStarted := make(chan struct{})
	releaseRedial := make(chan struct{})
	var calls atomic.Int32

	dial := func(ctx context.Context) (*conn.Conn, error) {
		n := calls.Add(1)
		client, srvNC := net.Pipe()
		go fakeFaktoryServer(t, srvNC)
		if n == 2 {
			close(redialStarted)
			<-releaseRedial
		}
		return conn.FromNetConn(ctx, client, conn.Config{}, 0, nil)
	}

	e := New(dial, 3, 2*time.Millisecond, nil)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c, err := e.Conn()
	if err != nil {
		t.Fatalf("Conn(): %v", err)
	}
	_ = c.Close() // unexpected disconnect, drives the engine into reconnectLoop

	<-redialStarted // the second dial (the redial) is now blocked mid-flight
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(releaseRedial) // let the blocked redial finish and observe the close

	time.Sleep(50 * time.Millisecond)
	if e.State() != StateClosed {
		t.Fatalf("State()=%v, want StateClosed", e.State())
	}
	if got, err := e.Conn(); err == nil {
		t.Fatalf("Conn() = %v, want ErrNotConnected after Close raced a redial", got)
	}
}

func TestStateStringIsHumanReadable(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateIdle, StateConnecting, StateHandshaking, StateConnected, StateReconnecting, StateClosing, StateClosed} {
		if strings.TrimSpace(s.String()) == "" {
			t.Errorf("State(%d).String() is empty", s)
		}
	}
}

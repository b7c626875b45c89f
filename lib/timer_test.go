package lib

import (
	"net"
	"testing"
)

func newTestHandle(t *testing.T) (*Handle, *uint32) {
	t.Helper()
	clock := new(uint32)
	h := NewHandle(DefaultGlobalConfig(), Callbacks{})
	h.now = func() uint32 { return *clock }
	return h, clock
}

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestTimerScheduleAndFire(t *testing.T) {
	h, clock := newTestHandle(t)
	conn := h.newConnRecord(nil, testAddr(1), 1)

	fired := 0
	h.addTimer(conn, retransmitTimer, func(h *Handle, c *Conn, ctx any) { fired++ }, nil, 100, 0)

	if next := h.checkTimers(); next != 100 {
		t.Fatalf("expected next deadline 100, got %d", next)
	}
	if fired != 0 {
		t.Fatal("timer fired early")
	}

	*clock = 100
	h.checkTimers()
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}
	// retry 0: the timer auto-deletes after firing.
	if len(conn.timers) != 0 {
		t.Fatalf("expected timer deleted, %d left", len(conn.timers))
	}
	if next := h.checkTimers(); next != NoTimeout {
		t.Fatalf("expected NoTimeout, got %d", next)
	}
}

func TestTimerReschedule(t *testing.T) {
	h, clock := newTestHandle(t)
	conn := h.newConnRecord(nil, testAddr(1), 1)

	fired := 0
	h.addTimer(conn, recvTimer, func(h *Handle, c *Conn, ctx any) {
		fired++
		for _, tm := range c.timers {
			if tm.kind == recvTimer {
				tm.retry--
			}
		}
	}, nil, 50, 3)

	for i := 1; i <= 3; i++ {
		*clock += 50
		h.checkTimers()
		if fired != i {
			t.Fatalf("after %d periods expected %d firings, got %d", i, i, fired)
		}
	}
	if len(conn.timers) != 0 {
		t.Fatal("timer should have exhausted its retries and been deleted")
	}
}

func TestTimerAlwaysNeverAutoDeletes(t *testing.T) {
	h, clock := newTestHandle(t)
	conn := h.newConnRecord(nil, testAddr(1), 1)

	fired := 0
	h.addTimer(conn, windowCheckTimer, func(h *Handle, c *Conn, ctx any) { fired++ }, nil, 10, retryAlways)

	for i := 0; i < 5; i++ {
		*clock += 10
		h.checkTimers()
	}
	if fired != 5 {
		t.Fatalf("expected 5 firings, got %d", fired)
	}
	if len(conn.timers) != 1 {
		t.Fatal("ALWAYS timer must stay scheduled")
	}
}

func TestTimerCancelByTypeAndContext(t *testing.T) {
	h, _ := newTestHandle(t)
	conn := h.newConnRecord(nil, testAddr(1), 1)

	ctx1, ctx2 := new(int), new(int)
	t1 := h.addTimer(conn, retransmitTimer, nil, ctx1, 100, 1)
	h.addTimer(conn, retransmitTimer, nil, ctx2, 100, 1)
	wc := h.addTimer(conn, windowCheckTimer, nil, nil, 100, retryAlways)

	conn.cancelTimer(retransmitTimer, ctx1)
	if conn.hasTimer(t1) {
		t.Fatal("timer with ctx1 should be gone")
	}
	if len(conn.timers) != 2 {
		t.Fatalf("expected 2 timers left, got %d", len(conn.timers))
	}

	// The window-check singleton is addressed by itself.
	conn.cancelTimer(windowCheckTimer, wc)
	if conn.hasTimer(wc) {
		t.Fatal("window check timer should be gone")
	}
}

func TestTimerNextDeadlineIsMinimum(t *testing.T) {
	h, _ := newTestHandle(t)
	conn := h.newConnRecord(nil, testAddr(1), 1)

	h.addTimer(conn, retransmitTimer, nil, nil, 500, 1)
	h.addTimer(conn, recvTimer, nil, nil, 300, 1)
	h.addTimer(conn, windowCheckTimer, nil, nil, 5000, retryAlways)

	if next := h.checkTimers(); next != 300 {
		t.Fatalf("expected 300, got %d", next)
	}
}

func TestTimerHandlerDestroysConnection(t *testing.T) {
	h, clock := newTestHandle(t)
	conn := h.newConnRecord(nil, testAddr(1), 1)
	other := h.newConnRecord(nil, testAddr(2), 2)

	otherFired := false
	// The first timer destroys its own connection mid-sweep, taking a
	// second pending timer with it.
	h.addTimer(conn, disconnectTimer, func(h *Handle, c *Conn, ctx any) {
		h.delConnRecord(c)
	}, nil, 10, 0)
	h.addTimer(conn, retransmitTimer, func(h *Handle, c *Conn, ctx any) {
		t.Error("timer on destroyed connection must not fire")
	}, nil, 10, 0)
	h.addTimer(other, retransmitTimer, func(h *Handle, c *Conn, ctx any) {
		otherFired = true
	}, nil, 10, 0)

	*clock = 10
	h.checkTimers()

	if h.isConnValid(conn) {
		t.Fatal("connection should be gone")
	}
	if !otherFired {
		t.Fatal("timers on surviving connections must still fire")
	}
}

package ardp

import (
	"net"
	"testing"
	"time"

	"github.com/ekanshkaushik/core-alljoyn/config"
)

// manualClock is the injected clock every test in this file hands to
// Handle.Now, so pump can advance virtual time deterministically instead of
// sleeping.
type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time       { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeAddr is a bare net.Addr good enough to identify which side of a
// fakeSocket pair a segment came from.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeDatagram struct {
	from net.Addr
	port uint16
	buf  []byte
}

// fakeSocket is an in-memory Socket standing in for udpsock.Socket: Send
// appends straight onto its fixed peer's inbox queue, Recv pops its own.
// Like the real udpsock.Socket (see udpsock.go), the port arguments are
// decorative — demuxing happens on the ARDP header bytes, not transport
// addressing — so this pair ignores both, same as the real implementation.
type fakeSocket struct {
	selfAddr net.Addr
	selfPort uint16
	peer     *fakeSocket
	inbox    []fakeDatagram
	drop     func(buf []byte) bool
}

func (s *fakeSocket) Send(_ net.Addr, _ uint16, b []byte) error {
	if s.drop != nil && s.drop(b) {
		return nil
	}
	cp := append([]byte(nil), b...)
	s.peer.inbox = append(s.peer.inbox, fakeDatagram{from: s.selfAddr, port: s.selfPort, buf: cp})
	return nil
}

func (s *fakeSocket) Recv() (net.Addr, uint16, []byte, error) {
	if len(s.inbox) == 0 {
		return nil, 0, nil, ErrWouldBlock
	}
	d := s.inbox[0]
	s.inbox = s.inbox[1:]
	return d.from, d.port, d.buf, nil
}

func newFakeSocketPair() (a, b *fakeSocket) {
	a = &fakeSocket{selfAddr: fakeAddr("A"), selfPort: 9001}
	b = &fakeSocket{selfAddr: fakeAddr("B"), selfPort: 9002}
	a.peer, b.peer = b, a
	return a, b
}

// nullSocket never has anything to read and discards every write; it backs
// tests that only care about local bookkeeping (port pool reuse) and never
// need a real peer.
type nullSocket struct{}

func (nullSocket) Send(net.Addr, uint16, []byte) error               { return nil }
func (nullSocket) Recv() (net.Addr, uint16, []byte, error) { return nil, 0, nil, ErrWouldBlock }

// pump drives every handle's Run(true) and advances clock by the nearest
// reported timer deadline, the same event loop shape cmd/ardp-echo-server
// runs over a real socket with time.Sleep in place of advance. Every OPEN
// connection keeps its keep-alive window-check timer armed, so while one is
// open pump runs all maxIters rounds. It returns true at once if no handle
// has any timer armed; otherwise it reports whether, the last time no
// datagram was in flight, window checks were the only timers armed.
func pump(hs []*Handle, socks []*fakeSocket, clock *manualClock, maxIters int) bool {
	settled := false
	for i := 0; i < maxIters; i++ {
		var next int64 = -1
		for _, h := range hs {
			n := h.Run(true)
			if n >= 0 && (next < 0 || n < next) {
				next = n
			}
		}
		pending := false
		for _, s := range socks {
			if len(s.inbox) > 0 {
				pending = true
			}
		}
		if pending {
			continue
		}
		settled = true
		for _, h := range hs {
			for _, c := range h.conns {
				for key := range c.timers.items {
					if key.kind != timerWindowCheck {
						settled = false
					}
				}
			}
		}
		if next < 0 {
			return true
		}
		clock.advance(time.Duration(next) * time.Millisecond)
	}
	return settled
}

func newTestHandles(cfgA, cfgB *config.Config) (*manualClock, *Handle, *Handle, *fakeSocket, *fakeSocket) {
	clock := &manualClock{t: time.Unix(0, 0)}
	sockA, sockB := newFakeSocketPair()
	hA := AllocHandle(cfgA, sockA, nil)
	hB := AllocHandle(cfgB, sockB, nil)
	hA.Now = clock.now
	hB.Now = clock.now
	return clock, hA, hB, sockA, sockB
}

// TestHandshakeAndMessageExchange covers spec §8 scenario 1: A connects to
// B, B accepts, and a message sent after the handshake settles is delivered
// and released back through RecvReady.
func TestHandshakeAndMessageExchange(t *testing.T) {
	cfgA, cfgB := config.Default(), config.Default()
	cfgA.SegMax, cfgA.SegBMax = 4, 1024
	cfgB.SegMax, cfgB.SegBMax = 4, 1024

	clock, hA, hB, sockA, sockB := newTestHandles(cfgA, cfgB)
	hB.StartPassive()

	var acceptData []byte
	hB.SetAcceptCb(func(hnd *Handle, addr net.Addr, peerPort uint16, conn *Connection, data []byte, status Status) bool {
		acceptData = append([]byte(nil), data...)
		if err := hnd.Accept(conn, nil, nil); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		return true
	})

	connectOK := false
	hA.SetConnectCb(func(hnd *Handle, conn *Connection, passive bool, data []byte, status Status) {
		connectOK = status == StatusOK
	})

	var recvData []byte
	hB.SetRecvCb(func(hnd *Handle, conn *Connection, rb *RecvBuffer, status Status) bool {
		recvData = append([]byte(nil), rb.Data...)
		if err := hnd.RecvReady(conn, rb.Seq); err != nil {
			t.Errorf("RecvReady: %v", err)
		}
		return true
	})

	connA, err := hA.Connect(sockB.selfAddr, 1, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) {
		t.Fatal("handshake never settled")
	}
	if string(acceptData) != "hello" {
		t.Errorf("accept payload = %q, want %q", acceptData, "hello")
	}
	if !connectOK {
		t.Fatal("connect callback never reported OK")
	}

	if err := hA.Send(connA, []byte("world"), 0, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) {
		t.Fatal("message exchange never settled")
	}
	if string(recvData) != "world" {
		t.Errorf("recv payload = %q, want %q", recvData, "world")
	}
}

// TestFragmentationReassembly covers spec §8 scenario 2: a payload larger
// than one segment's data length is split into fragments on send and
// reassembled whole on receive.
func TestFragmentationReassembly(t *testing.T) {
	cfgA, cfgB := config.Default(), config.Default()
	cfgB.SegBMax = 200 // B's advertised buffer size forces A to fragment a 500-byte message
	cfgB.SegMax = 16

	clock, hA, hB, sockA, sockB := newTestHandles(cfgA, cfgB)
	hB.StartPassive()
	hB.SetAcceptCb(func(hnd *Handle, addr net.Addr, peerPort uint16, conn *Connection, data []byte, status Status) bool {
		return hnd.Accept(conn, nil, nil) == nil
	})
	connectOK := false
	hA.SetConnectCb(func(hnd *Handle, conn *Connection, passive bool, data []byte, status Status) {
		connectOK = status == StatusOK
	})
	recvCount := 0
	var recvData []byte
	hB.SetRecvCb(func(hnd *Handle, conn *Connection, rb *RecvBuffer, status Status) bool {
		recvCount++
		recvData = append([]byte(nil), rb.Data...)
		_ = hnd.RecvReady(conn, rb.Seq)
		return true
	})

	connA, err := hA.Connect(sockB.selfAddr, 1, nil, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) || !connectOK {
		t.Fatal("handshake never settled")
	}

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := hA.Send(connA, payload, 0, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) {
		t.Fatal("fragmented message never settled")
	}
	if recvCount != 1 {
		t.Fatalf("RecvCb fired %d times, want exactly 1 (one reassembled message)", recvCount)
	}
	if len(recvData) != len(payload) {
		t.Fatalf("reassembled length = %d, want %d", len(recvData), len(payload))
	}
	for i := range payload {
		if recvData[i] != payload[i] {
			t.Fatalf("reassembled payload differs at byte %d", i)
		}
	}
}

// TestLossRecoversViaEackFastRetransmit covers spec §8 scenario 3: of five
// segments sent back to back, the transport drops the third's first
// transmission; the peer's EACK mask should let the sender recover it (via
// retransmit) without losing delivery order.
func TestLossRecoversViaEackFastRetransmit(t *testing.T) {
	cfgA, cfgB := config.Default(), config.Default()

	clock, hA, hB, sockA, sockB := newTestHandles(cfgA, cfgB)
	hB.StartPassive()
	hB.SetAcceptCb(func(hnd *Handle, addr net.Addr, peerPort uint16, conn *Connection, data []byte, status Status) bool {
		return hnd.Accept(conn, nil, nil) == nil
	})
	connectOK := false
	hA.SetConnectCb(func(hnd *Handle, conn *Connection, passive bool, data []byte, status Status) {
		connectOK = status == StatusOK
	})
	var received []string
	hB.SetRecvCb(func(hnd *Handle, conn *Connection, rb *RecvBuffer, status Status) bool {
		received = append(received, string(rb.Data))
		_ = hnd.RecvReady(conn, rb.Seq)
		return true
	})

	connA, err := hA.Connect(sockB.selfAddr, 1, nil, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) || !connectOK {
		t.Fatal("handshake never settled")
	}

	// Drop exactly the first transmission of the third data segment A will
	// send; a retransmit of the same seq is let through.
	dropSeq := SeqIncrementBy(connA.sndISS, 3)
	droppedOnce := false
	sockA.drop = func(b []byte) bool {
		hdr, err := Unmarshal(b, uint8(BaseHeaderLen/2))
		if err != nil || hdr.DLen == 0 || hdr.Seq != dropSeq || droppedOnce {
			return false
		}
		droppedOnce = true
		return true
	}

	want := []string{"msg0", "msg1", "msg2", "msg3", "msg4"}
	for _, m := range want {
		if err := hA.Send(connA, []byte(m), 0, nil); err != nil {
			t.Fatalf("Send(%s): %v", m, err)
		}
	}

	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 2000) {
		t.Fatal("loss recovery never settled")
	}
	if !droppedOnce {
		t.Fatal("drop predicate never fired; test setup is wrong")
	}
	if len(received) != len(want) {
		t.Fatalf("received %d messages, want %d: %v", len(received), len(want), received)
	}
	for i, m := range want {
		if received[i] != m {
			t.Errorf("received[%d] = %q, want %q (order: %v)", i, received[i], m, received)
		}
	}
}

// TestSendTTLExpiresBeforeTransmission covers spec §8 scenario 4: a message
// whose deadline has already elapsed by the time SendData's first-
// transmission check runs is dropped silently — TtlExpired, no segment ever
// reaches the wire, no SendCb fires.
func TestSendTTLExpiresBeforeTransmission(t *testing.T) {
	cfgA, cfgB := config.Default(), config.Default()
	clock, hA, hB, sockA, sockB := newTestHandles(cfgA, cfgB)
	hB.StartPassive()
	hB.SetAcceptCb(func(hnd *Handle, addr net.Addr, peerPort uint16, conn *Connection, data []byte, status Status) bool {
		return hnd.Accept(conn, nil, nil) == nil
	})
	connectOK := false
	hA.SetConnectCb(func(hnd *Handle, conn *Connection, passive bool, data []byte, status Status) {
		connectOK = status == StatusOK
	})
	sendCbFired := false
	hA.SetSendCb(func(hnd *Handle, conn *Connection, buf []byte, status Status) { sendCbFired = true })

	connA, err := hA.Connect(sockB.selfAddr, 1, nil, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) || !connectOK {
		t.Fatal("handshake never settled")
	}

	inboxBefore := len(sockB.inbox)

	// sendData timestamps tStart, then re-reads the clock a couple of lines
	// later to test elapsed>=ttl; a clock that ticks forward on every call
	// makes that second read already past the deadline, modeling "by the
	// time this got to the front of the queue, its TTL had elapsed" without
	// needing a real wall-clock wait.
	tick := &tickClock{t: clock.t, step: 20 * time.Millisecond}
	hA.Now = tick.now

	err = hA.Send(connA, []byte("too late"), 10*time.Millisecond, nil)
	if err != ErrTTLExpired {
		t.Fatalf("Send err = %v, want ErrTTLExpired", err)
	}
	if len(sockB.inbox) != inboxBefore {
		t.Error("a segment was transmitted for a TTL-expired send")
	}
	if sendCbFired {
		t.Error("SendCb fired for a message that never reached the wire")
	}
}

type tickClock struct {
	t    time.Time
	step time.Duration
}

func (c *tickClock) now() time.Time {
	v := c.t
	c.t = c.t.Add(c.step)
	return v
}

// TestKeepAliveProbeAndLinkTimeout covers spec §8 scenario 5: idling past
// WindowCheck produces a NUL probe/ack round trip that keeps the connection
// alive, but once the peer goes dark past LinkTimeout, DisconnectCb fires.
func TestKeepAliveProbeAndLinkTimeout(t *testing.T) {
	cfgA, cfgB := config.Default(), config.Default()
	cfgA.WindowCheckMs, cfgB.WindowCheckMs = 50, 50

	clock, hA, hB, sockA, sockB := newTestHandles(cfgA, cfgB)
	hB.StartPassive()
	hB.SetAcceptCb(func(hnd *Handle, addr net.Addr, peerPort uint16, conn *Connection, data []byte, status Status) bool {
		return hnd.Accept(conn, nil, nil) == nil
	})
	connectOK := false
	hA.SetConnectCb(func(hnd *Handle, conn *Connection, passive bool, data []byte, status Status) {
		connectOK = status == StatusOK
	})
	disconnected := false
	hA.SetDisconnectCb(func(hnd *Handle, conn *Connection, status Status) { disconnected = true })

	connA, err := hA.Connect(sockB.selfAddr, 1, nil, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) || !connectOK {
		t.Fatal("handshake never settled")
	}

	// Phase 1: idle through one WindowCheck cycle with the link up; a probe
	// and its ack should pass and the connection must stay OPEN.
	lastSeenBefore := connA.lastSeen
	pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 20)
	if connA.state != StateOpen {
		t.Fatalf("connection left OPEN during idle keep-alive: state=%v", connA.state)
	}
	if !connA.lastSeen.After(lastSeenBefore) {
		t.Error("lastSeen never advanced; keep-alive probe/ack round trip did not happen")
	}
	if disconnected {
		t.Fatal("DisconnectCb fired while the link was still up")
	}

	// Phase 2: the peer goes dark; every segment either side sends vanishes.
	sockA.drop = func([]byte) bool { return true }
	sockB.drop = func([]byte) bool { return true }
	pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200)
	if !disconnected {
		t.Fatal("DisconnectCb never fired after the peer went dark past LinkTimeout")
	}
}

// TestBackpressureSurfacedAndRelieved covers spec §8 scenario 6: once the
// peer's receive ring fills, Send must return BackPressure and SendWindowCb
// must report window 0; once the peer frees a slot and its next keep-alive
// probe reports the new window, Send succeeds again.
func TestBackpressureSurfacedAndRelieved(t *testing.T) {
	cfgA, cfgB := config.Default(), config.Default()
	cfgB.SegMax = 1 // B can hold exactly one undelivered message
	cfgB.WindowCheckMs = 50

	clock, hA, hB, sockA, sockB := newTestHandles(cfgA, cfgB)
	hB.StartPassive()
	hB.SetAcceptCb(func(hnd *Handle, addr net.Addr, peerPort uint16, conn *Connection, data []byte, status Status) bool {
		return hnd.Accept(conn, nil, nil) == nil
	})
	connectOK := false
	hA.SetConnectCb(func(hnd *Handle, conn *Connection, passive bool, data []byte, status Status) {
		connectOK = status == StatusOK
	})
	var windows []uint16
	var statuses []Status
	hA.SetSendWindowCb(func(hnd *Handle, conn *Connection, window uint16, status Status) {
		windows = append(windows, window)
		statuses = append(statuses, status)
	})
	var pendingRB *RecvBuffer
	var connBRef *Connection
	hB.SetRecvCb(func(hnd *Handle, conn *Connection, rb *RecvBuffer, status Status) bool {
		pendingRB = rb // withheld: the test releases it explicitly below
		connBRef = conn
		return true
	})

	connA, err := hA.Connect(sockB.selfAddr, 1, nil, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) || !connectOK {
		t.Fatal("handshake never settled")
	}

	if err := hA.Send(connA, []byte("fills B's one slot"), 0, nil); err != nil {
		t.Fatalf("Send(msg1): %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) {
		t.Fatal("msg1 exchange never settled")
	}
	if pendingRB == nil {
		t.Fatal("B never received msg1")
	}

	if err := hA.Send(connA, []byte("msg2"), 0, nil); err != ErrBackPressure {
		t.Fatalf("Send(msg2) err = %v, want ErrBackPressure", err)
	}
	if len(windows) == 0 || windows[len(windows)-1] != 0 || statuses[len(statuses)-1] != StatusBackPressure {
		t.Fatalf("SendWindowCb never reported window=0/BackPressure: windows=%v statuses=%v", windows, statuses)
	}

	if err := hB.RecvReady(connBRef, pendingRB.Seq); err != nil {
		t.Fatalf("RecvReady: %v", err)
	}
	if !pump([]*Handle{hA, hB}, []*fakeSocket{sockA, sockB}, clock, 200) {
		t.Fatal("window-reopen exchange never settled")
	}
	if windows[len(windows)-1] == 0 {
		t.Fatalf("SendWindowCb never reported a reopened window: windows=%v", windows)
	}

	if err := hA.Send(connA, []byte("msg2"), 0, nil); err != nil {
		t.Fatalf("Send(msg2) after window reopened: %v", err)
	}
}

// TestEphemeralPortReuseNeverCollidesWithLiveConnection covers
// SPEC_FULL.md §8's ephemeral port reuse property: cycling enough
// connections through connect/timeout/teardown to wrap a small port pool
// must never hand a wrapped-around port to a connection still alive.
func TestEphemeralPortReuseNeverCollidesWithLiveConnection(t *testing.T) {
	cfg := config.Default()
	cfg.MinEphemeralPort, cfg.MaxEphemeralPort = 40000, 40003 // capacity 4
	cfg.ConnectTimeoutMs, cfg.TimewaitMs = 10, 10

	clock := &manualClock{t: time.Unix(0, 0)}
	h := AllocHandle(cfg, nullSocket{}, nil)
	h.Now = clock.now

	connLive, err := h.Connect(fakeAddr("peer"), 1, nil, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Complete connLive's handshake directly so its ISS stays fixed and its
	// CONNECT timer is cancelled, keeping its port leased for the whole test.
	synAck := &Header{Flags: FlagSYN | FlagACK | FlagVER, Seq: 777, Ack: connLive.sndISS,
		SegMax: cfg.SegMax, SegBMax: cfg.SegBMax}
	connLive.onSynSent(synAck, nil)
	if connLive.state != StateOpen {
		t.Fatalf("connLive did not reach OPEN, state=%v", connLive.state)
	}
	livePort := connLive.localPort

	capacity := int(cfg.MaxEphemeralPort-cfg.MinEphemeralPort) + 1
	for i := 0; i < 2*capacity; i++ {
		c, err := h.Connect(fakeAddr("peer"), 1, nil, nil)
		if err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
		if c.localPort == livePort {
			t.Fatalf("Connect #%d reused connLive's port %d", i, livePort)
		}
		for iter := 0; iter < 50; iter++ {
			if _, stillThere := h.conns[c.key]; !stillThere {
				break
			}
			next := h.Run(true)
			// Stop advancing once c is gone: the next deadline is then
			// connLive's keep-alive, and with nullSocket never answering its
			// probes, running that clock on would reach the link timeout.
			if _, stillThere := h.conns[c.key]; !stillThere || next < 0 {
				break
			}
			clock.advance(time.Duration(next) * time.Millisecond)
		}
		if _, stillThere := h.conns[c.key]; stillThere {
			t.Fatalf("connection #%d (port %d) never torn down", i, c.localPort)
		}
	}

	if connLive.state != StateOpen {
		t.Fatalf("connLive state changed unexpectedly: %v", connLive.state)
	}
}

// TestSimultaneousOpenConvergesToOpen covers SPEC_FULL.md §8's
// simultaneous-open property: a bare SYN arriving while a connection is
// itself SYN_SENT (both sides independently dialed each other) converges
// that connection straight to OPEN instead of resetting it, mirroring
// ArdpProtocol.cc's SYN_SENT case.
func TestSimultaneousOpenConvergesToOpen(t *testing.T) {
	cfg := config.Default()
	clock := &manualClock{t: time.Unix(0, 0)}
	sock := &fakeSocket{selfAddr: fakeAddr("A")}
	sock.peer = &fakeSocket{selfAddr: fakeAddr("B")} // never read from in this test
	h := AllocHandle(cfg, sock, nil)
	h.Now = clock.now

	connectFired := false
	h.SetConnectCb(func(hnd *Handle, conn *Connection, passive bool, data []byte, status Status) {
		connectFired = status == StatusOK
	})

	conn, err := h.Connect(fakeAddr("peer"), 1, nil, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.state != StateSynSent {
		t.Fatalf("state = %v, want SYN_SENT", conn.state)
	}

	peerSyn := &Header{Flags: FlagSYN | FlagVER, Seq: 555, SegMax: cfg.SegMax, SegBMax: cfg.SegBMax}
	raw := make([]byte, peerSyn.EncodedLen())
	if _, err := Marshal(peerSyn, nil, raw); err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	conn.onSynSent(peerSyn, raw)

	if conn.state != StateOpen {
		t.Fatalf("state = %v after simultaneous-open SYN, want OPEN", conn.state)
	}
	if !connectFired {
		t.Fatal("ConnectCb never reported OK on simultaneous-open convergence")
	}
	if conn.timers.has(timerKey{kind: timerConnect}) {
		t.Fatal("CONNECT timer still armed after converging to OPEN")
	}
	if len(sock.inbox) != 0 {
		t.Fatal("fakeSocket's own inbox should be untouched; the reply went to its peer")
	}
}

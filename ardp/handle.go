package ardp

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ekanshkaushik/core-alljoyn/config"
)

// Callbacks is the six-slot callback table spec §6 describes in the
// abstract; a Handle holds at most one of each.
type Callbacks struct {
	Accept     func(h *Handle, peerAddr net.Addr, peerPort uint16, conn *Connection, data []byte, status Status) bool
	Connect    func(h *Handle, conn *Connection, passive bool, data []byte, status Status)
	Disconnect func(h *Handle, conn *Connection, status Status)
	Recv       func(h *Handle, conn *Connection, rb *RecvBuffer, status Status) bool
	Send       func(h *Handle, conn *Connection, buf []byte, status Status)
	SendWindow func(h *Handle, conn *Connection, window uint16, status Status)
}

// Handle is the top-level engine object: process-wide configuration, the
// callback table, the connection set, and the clock/RNG/port pool every
// connection it owns shares.
type Handle struct {
	cfg  *config.Config
	cb   Callbacks
	sock Socket
	log  *logrus.Entry

	accepting bool

	conns map[connKey]*Connection

	ports *portPool
	rng   RandSource
	pool  *chunkPool

	// now is the monotonic clock source spec §1 calls out as an external
	// collaborator; defaults to time.Now, overridable for tests.
	Now func() time.Time
}

func (h *Handle) now() time.Time { return h.Now() }

// AllocHandle creates a new engine bound to sock, per spec §4.5
// alloc_handle. cfg may be nil, in which case config.Default() is used.
func AllocHandle(cfg *config.Config, sock Socket, rng RandSource) *Handle {
	if cfg == nil {
		cfg = config.Default()
	}
	if rng == nil {
		rng = DefaultRandSource
	}
	h := &Handle{
		cfg:   cfg,
		sock:  sock,
		log:   logrus.WithField("component", "ardp"),
		conns: make(map[connKey]*Connection),
		ports: newPortPool(cfg.MinEphemeralPort, cfg.MaxEphemeralPort, rng),
		rng:   rng,
		pool:  newChunkPool(int(cfg.SegMax)*4, int(cfg.SegBMax)),
		Now:   time.Now,
	}
	return h
}

// FreeHandle tears down every connection the handle owns. Errors from
// individual connections' teardown are aggregated rather than discarded.
func (h *Handle) FreeHandle() error {
	var errs *multierror.Error
	for key, c := range h.conns {
		c.timers.cancel(timerKey{kind: timerConnect})
		c.timers.cancel(timerKey{kind: timerDisconnect})
		for i := range c.rbuf {
			if c.rbuf[i].chunk != nil {
				h.pool.put(c.rbuf[i].chunk)
			}
		}
		if err := h.ports.release(key.local); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	h.conns = make(map[connKey]*Connection)
	return errs.ErrorOrNil()
}

func (h *Handle) SetAcceptCb(cb func(*Handle, net.Addr, uint16, *Connection, []byte, Status) bool) {
	h.cb.Accept = cb
}
func (h *Handle) SetConnectCb(cb func(*Handle, *Connection, bool, []byte, Status)) { h.cb.Connect = cb }
func (h *Handle) SetDisconnectCb(cb func(*Handle, *Connection, Status))            { h.cb.Disconnect = cb }
func (h *Handle) SetRecvCb(cb func(*Handle, *Connection, *RecvBuffer, Status) bool) { h.cb.Recv = cb }
func (h *Handle) SetSendCb(cb func(*Handle, *Connection, []byte, Status))          { h.cb.Send = cb }
func (h *Handle) SetSendWindowCb(cb func(*Handle, *Connection, uint16, Status))    { h.cb.SendWindow = cb }

// StartPassive flips the handle into listening mode: unsolicited SYNs are
// offered to AcceptCb instead of being RST'd.
func (h *Handle) StartPassive() { h.accepting = true }

// Connect creates a connection record, sends the initial SYN carrying buf,
// and arms the CONNECT timer. Corresponds to spec §4.5 connect().
func (h *Handle) Connect(peerAddr net.Addr, peerPort uint16, buf []byte, userCtx interface{}) (*Connection, error) {
	local, err := h.ports.allocate()
	if err != nil {
		return nil, ErrOutOfMemory
	}
	key := connKey{local: local, foreign: 0}
	c := newConnection(h, key, peerAddr, peerPort, false)
	c.userCtx = userCtx
	c.sndISS = h.rng.Uint32()
	c.initSnd(c.sndISS, h.cfg.SegMax, h.cfg.SegBMax)
	// RCV ring sized immediately; the original assigns it at connect time
	// too so the handshake's own ACK already has a real window to report.
	c.initRcv(0, h.cfg.SegMax, int(h.cfg.SegBMax))

	h.conns[key] = c
	c.setState(StateSynSent)
	c.timers.schedule(timerKey{kind: timerConnect}, h.now(), h.cfg.ConnectTimeout(), h.cfg.ConnectRetry)

	hdr := &Header{
		Flags:   FlagSYN | FlagVER,
		Src:     c.localPort,
		Dst:     0,
		Seq:     c.sndISS,
		Ack:     0,
		Window:  c.window,
		SegMax:  h.cfg.SegMax,
		SegBMax: h.cfg.SegBMax,
		Options: OptSDM,
		DLen:    uint16(len(buf)),
	}
	return c, h.emit(c, hdr, nil, buf)
}

// Accept completes a passive handshake for a connection already sitting in
// LISTEN (see onUnsolicited), per spec §4.5 accept().
func (h *Handle) Accept(c *Connection, userCtx interface{}, buf []byte) error {
	if c.state != StateListen {
		return ErrInvalidState
	}
	c.userCtx = userCtx
	c.initRcv(c.rcvIRS, h.cfg.SegMax, int(h.cfg.SegBMax))
	c.initSnd(h.rng.Uint32(), c.peerSegMax, c.peerSegBMax)
	c.setState(StateSynRcvd)
	c.timers.schedule(timerKey{kind: timerConnect}, h.now(), h.cfg.ConnectTimeout(), h.cfg.ConnectRetry)

	hdr := &Header{
		Flags:   FlagSYN | FlagACK | FlagVER,
		Src:     c.localPort,
		Dst:     c.foreignPort,
		Seq:     c.sndISS,
		Ack:     c.rcvCUR,
		Window:  c.rbufWindow(),
		SegMax:  h.cfg.SegMax,
		SegBMax: h.cfg.SegBMax,
		Options: OptSDM,
		DLen:    uint16(len(buf)),
	}
	return h.emit(c, hdr, nil, buf)
}

// Send is spec §4.5's send(): validates state/backpressure then delegates
// fragmentation and slot bookkeeping to sendData (ardp/sendbuf.go).
func (h *Handle) Send(c *Connection, buf []byte, ttl time.Duration, cb func([]byte, Status)) error {
	if c.state != StateOpen {
		return ErrInvalidState
	}
	if len(buf) == 0 {
		return ErrInvalidData
	}
	if c.window == 0 || (c.sndNXT-c.sndUNA) >= uint32(c.sndMAX) {
		return ErrBackPressure
	}
	return c.sendData(buf, ttl, cb)
}

// RecvReady is spec §4.5's recv_ready(): the user returns a buffer it
// previously accepted via RecvCb (passing back RecvBuffer.Seq), letting
// the slot(s) be released.
func (h *Handle) RecvReady(c *Connection, seq uint32) error {
	return c.updateRcvBuffers(seq)
}

// Disconnect is an active close, per the OPEN/API-Disconnect row of the
// FSM table.
func (h *Handle) Disconnect(c *Connection) error {
	if c.state == StateClosed || c.state == StateCloseWait {
		return ErrInvalidState
	}
	if c.state == StateOpen {
		c.timers.schedule(timerKey{kind: timerDisconnect}, h.now(), h.cfg.Timewait(), h.cfg.DisconnectRetry)
		c.setState(StateCloseWait)
		hdr := &Header{Flags: FlagRST | FlagVER, Src: c.localPort, Dst: c.foreignPort,
			Seq: c.sndNXT, Ack: c.rcvCUR, Window: c.rbufWindow()}
		return h.emit(c, hdr, nil, nil)
	}
	c.setState(StateClosed)
	h.closeConn(c)
	return nil
}

// emit marshals hdr+eackMask+payload and sends it, logging (not
// escalating) ordinary send failures the way ACK/NUL sends are allowed to
// per spec §7 — data sends are escalated by the caller instead.
func (h *Handle) emit(c *Connection, hdr *Header, eack []uint32, payload []byte) error {
	if len(eack) > 0 {
		hdr.Flags |= FlagEACK
	}
	hdr.EackLen = len(eack)
	hdr.DLen = uint16(len(payload))
	hdr.HLen = uint8(hdr.wireHeaderLen() / 2)
	buf := make([]byte, hdr.EncodedLen()+len(payload))
	n, err := Marshal(hdr, eack, buf)
	if err != nil {
		return err
	}
	copy(buf[n:], payload)
	if err := h.sock.Send(c.peerAddr, c.peerPort, buf[:n+len(payload)]); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return ErrWouldBlock
		}
		c.log.WithError(err).Warn("segment send failed")
		return err
	}
	return nil
}

func (h *Handle) destroyConn(c *Connection) {
	for i := range c.rbuf {
		if c.rbuf[i].chunk != nil {
			h.pool.put(c.rbuf[i].chunk)
			c.rbuf[i].chunk = nil
		}
	}
	delete(h.conns, c.key)
	h.ports.release(c.localPort)
}

// closeConn retires a connection's buffers immediately but, unlike
// destroyConn, leaves the record itself in h.conns for one more Timewait
// period: spec §4.4 requires "a stale ACK to CLOSED is replied with RST",
// which is only possible if something still matches the peer's
// (local,foreign) pair in the demux table. onClosed (fsm.go) answers
// anything that arrives for it; the tombstone timer finishes the teardown
// destroyConn would otherwise have done on the spot.
func (h *Handle) closeConn(c *Connection) {
	for i := range c.rbuf {
		if c.rbuf[i].chunk != nil {
			h.pool.put(c.rbuf[i].chunk)
			c.rbuf[i].chunk = nil
		}
	}
	c.timers.schedule(timerKey{kind: timerTombstone}, h.now(), h.cfg.Timewait(), 1)
}

// Run drains every readable datagram (dispatching each into the demux and
// FSM) and fires due timers across every connection, returning the number
// of milliseconds until the next timer deadline (spec §4.5 run()).
func (h *Handle) Run(socketReady bool) int64 {
	if socketReady {
		for {
			addr, port, buf, err := h.sock.Recv()
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			if err != nil {
				h.log.WithError(err).Error("socket recv failed")
				break
			}
			h.onDatagram(addr, port, buf)
		}
	}

	now := h.now()
	for _, c := range h.conns {
		c.timers.fireExpired(now, c.handleTimer)
	}

	var next time.Duration = -1
	for _, c := range h.conns {
		if d, ok := c.timers.nextDeadline(now); ok {
			if next < 0 || d < next {
				next = d
			}
		}
	}
	if next < 0 {
		return -1
	}
	return next.Milliseconds()
}

func (h *Handle) onDatagram(addr net.Addr, port uint16, buf []byte) {
	if len(buf) < BaseHeaderLen {
		return
	}
	// ProtocolDemux: local is the segment's dst field, foreign is its src.
	foreign := binary.BigEndian.Uint16(buf[2:4])
	local := binary.BigEndian.Uint16(buf[4:6])

	if local == 0 {
		h.onUnsolicited(addr, port, foreign, buf)
		return
	}

	c, ok := h.conns[connKey{local: local, foreign: foreign}]
	if !ok {
		c, ok = h.conns[connKey{local: local, foreign: 0}]
	}
	if !ok {
		return
	}
	c.lastSeen = h.now()
	if foreign != 0 && c.foreignPort == 0 {
		// Active half-open learning its peer's ARDP port from the SYN-ACK.
		delete(h.conns, c.key)
		c.key = connKey{local: local, foreign: foreign}
		c.foreignPort = foreign
		h.conns[c.key] = c
	}
	c.onSegment(buf)
}

func (h *Handle) onUnsolicited(addr net.Addr, port, foreign uint16, buf []byte) {
	if !h.accepting || h.cb.Accept == nil {
		h.sendRst(addr, port, 0, foreign)
		return
	}
	hdr, err := Unmarshal(buf, 0)
	if err != nil || !hdr.hasSyn() {
		h.sendRst(addr, port, 0, foreign)
		return
	}

	local, err := h.ports.allocate()
	if err != nil {
		h.sendRst(addr, port, 0, foreign)
		return
	}
	key := connKey{local: local, foreign: foreign}
	c := newConnection(h, key, addr, port, true)
	c.rcvIRS = hdr.Seq
	c.peerSegMax = hdr.SegMax
	c.peerSegBMax = hdr.SegBMax
	c.lastSeen = h.now()
	c.setState(StateListen)
	h.conns[key] = c

	data := Payload(buf, hdr)
	accepted := h.cb.Accept(h, addr, port, c, data, StatusOK)
	if !accepted {
		h.destroyConn(c)
	}
}

func (h *Handle) sendRst(addr net.Addr, port, local, foreign uint16) {
	hdr := &Header{Flags: FlagRST | FlagVER, Src: local, Dst: foreign}
	buf := make([]byte, hdr.EncodedLen())
	n, err := Marshal(hdr, nil, buf)
	if err != nil {
		return
	}
	_ = h.sock.Send(addr, port, buf[:n])
}

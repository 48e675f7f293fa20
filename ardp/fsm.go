package ardp

import "time"

// onSegment dispatches one already-demuxed inbound datagram through the
// six-state FSM described in spec §4.4. Unmarshal failures are dropped per
// §4.1's InvalidData policy.
func (c *Connection) onSegment(buf []byte) {
	wantHLen := uint8(0)
	if c.state == StateOpen || c.state == StateSynRcvd || c.state == StateCloseWait {
		wantHLen = uint8(c.rcvHdrLen / 2)
	}
	hdr, err := Unmarshal(buf, wantHLen)
	if err != nil {
		c.log.WithError(err).Debug("dropping malformed segment")
		return
	}

	if hdr.Flags&FlagRST != 0 {
		c.onRst(hdr)
		return
	}

	switch c.state {
	case StateSynSent:
		c.onSynSent(hdr, buf)
	case StateSynRcvd:
		c.onSynRcvd(hdr)
	case StateOpen:
		c.onOpen(hdr, buf)
	case StateCloseWait:
		// Only RST/DISCONNECT-timer driven transitions apply here; data is
		// dropped with a stale ack, matching "a stale ACK to CLOSED is
		// replied with RST" generalized to CLOSE_WAIT.
		c.replyAck(hdr)
	case StateClosed:
		c.onClosed(hdr)
	default:
		c.log.WithField("state", c.state).Debug("segment in unexpected state, dropping")
	}
}

// onClosed answers a stray segment for a record that has already reached
// CLOSED and is sitting in its tombstone grace period (Handle.closeConn),
// per spec §4.4's "a stale ACK to CLOSED is replied with RST" and
// ArdpProtocol.cc's CLOSED case: an ACK or NUL gets an RST whose ack field is
// hdr.Ack+1, anything else gets RST|ACK with ack field hdr.Seq. A bare RST
// never reaches here — it's
// intercepted by onSegment before the state switch and silently ignored.
func (c *Connection) onClosed(hdr *Header) {
	if hdr.Flags&(FlagACK|FlagNUL) != 0 {
		rst := &Header{Flags: FlagRST | FlagVER, Src: c.localPort, Dst: c.foreignPort, Ack: SeqIncrement(hdr.Ack)}
		c.handle.emit(c, rst, nil, nil)
		return
	}
	rst := &Header{Flags: FlagRST | FlagACK | FlagVER, Src: c.localPort, Dst: c.foreignPort, Ack: hdr.Seq}
	c.handle.emit(c, rst, nil, nil)
}

func (c *Connection) onRst(hdr *Header) {
	if !c.acceptable(hdr) {
		return
	}
	switch c.state {
	case StateSynSent:
		c.setState(StateClosed)
		c.handle.closeConn(c)
	case StateSynRcvd:
		if c.passive {
			c.setState(StateListen)
		} else {
			c.setState(StateClosed)
			c.handle.closeConn(c)
		}
	case StateOpen:
		c.timers.schedule(timerKey{kind: timerDisconnect}, c.handle.now(), c.handle.cfg.Timewait(), c.handle.cfg.DisconnectRetry)
		c.setState(StateCloseWait)
	}
}

func (c *Connection) onSynSent(hdr *Header, raw []byte) {
	if hdr.Flags&FlagSYN == 0 {
		return
	}
	c.peerSegMax = hdr.SegMax
	c.peerSegBMax = hdr.SegBMax

	if hdr.Flags&FlagACK != 0 {
		// SYN-ACK completing an active open.
		c.rcvIRS = hdr.Seq
		c.rcvCUR = hdr.Seq
		c.initRcv(hdr.Seq, c.rcvMAX, c.rbufMaxBytes)
		c.initSnd(c.sndISS, hdr.SegMax, hdr.SegBMax)
		c.sndUNA = SeqIncrement(hdr.Ack)
		c.timers.cancel(timerKey{kind: timerConnect})
		c.timers.schedule(timerKey{kind: timerWindowCheck}, c.handle.now(), c.handle.cfg.WindowCheck(), RetryAlways)
		c.setState(StateOpen)
		if c.handle.cb.Connect != nil {
			c.handle.cb.Connect(c.handle, c, false, Payload(raw, hdr), StatusOK)
		}
		hdr2 := &Header{Flags: FlagACK | FlagVER, Src: c.localPort, Dst: c.foreignPort,
			Seq: c.sndNXT, Ack: c.rcvCUR, Window: c.rbufWindow()}
		c.handle.emit(c, hdr2, nil, nil)
		return
	}

	// Simultaneous open: a bare SYN from a peer who is also SYN_SENT,
	// independently mid-active-open toward us. Both sides already picked an
	// ISS at Connect time, so converge straight to OPEN and echo our own
	// SYN-ACK instead of routing through the passive LISTEN/Accept path,
	// which would hand out a fresh ISS the peer's RCV.IRS never saw.
	c.rcvIRS = hdr.Seq
	c.rcvCUR = hdr.Seq
	c.initRcv(hdr.Seq, c.rcvMAX, c.rbufMaxBytes)
	c.timers.cancel(timerKey{kind: timerConnect})
	c.timers.schedule(timerKey{kind: timerWindowCheck}, c.handle.now(), c.handle.cfg.WindowCheck(), RetryAlways)
	c.setState(StateOpen)
	if c.handle.cb.Connect != nil {
		c.handle.cb.Connect(c.handle, c, false, Payload(raw, hdr), StatusOK)
	}
	hdr2 := &Header{Flags: FlagSYN | FlagACK | FlagVER, Src: c.localPort, Dst: c.foreignPort,
		Seq: c.sndISS, Ack: c.rcvCUR, Window: c.rbufWindow(),
		SegMax: c.handle.cfg.SegMax, SegBMax: c.handle.cfg.SegBMax, Options: OptSDM}
	c.handle.emit(c, hdr2, nil, nil)
}

func (c *Connection) onSynRcvd(hdr *Header) {
	if hdr.Flags&FlagSYN != 0 {
		rst := &Header{Flags: FlagRST | FlagVER, Src: c.localPort, Dst: c.foreignPort, Ack: SeqIncrement(hdr.Seq)}
		c.handle.emit(c, rst, nil, nil)
		c.setState(StateClosed)
		c.handle.closeConn(c)
		return
	}
	if hdr.Flags&FlagACK != 0 && hdr.Ack == c.sndISS {
		c.timers.cancel(timerKey{kind: timerConnect})
		c.timers.schedule(timerKey{kind: timerWindowCheck}, c.handle.now(), c.handle.cfg.WindowCheck(), RetryAlways)
		c.setState(StateOpen)
		if c.handle.cb.Connect != nil {
			c.handle.cb.Connect(c.handle, c, true, nil, StatusOK)
		}
	}
}

func (c *Connection) onOpen(hdr *Header, raw []byte) {
	c.lastSeen = c.handle.now()

	if hdr.Window != c.window {
		c.window = hdr.Window
		if c.handle.cb.SendWindow != nil {
			status := StatusOK
			if hdr.Window == 0 {
				status = StatusBackPressure
			}
			c.handle.cb.SendWindow(c.handle, c, hdr.Window, status)
		}
	}

	if hdr.Flags&FlagACK != 0 && seqGreaterOrEqual(hdr.Ack, c.sndUNA) && seqLess(hdr.Ack, c.sndNXT) {
		c.flushAckedSegments(hdr.Ack)
		c.sndUNA = SeqIncrement(hdr.Ack)
	}

	if hdr.Flags&FlagEACK != 0 {
		c.cancelEackedSegments(EackMask(raw, hdr))
	}

	if hdr.Flags&FlagNUL != 0 {
		c.replyAck(hdr)
		return
	}

	if hdr.DLen > 0 {
		if !c.acceptable(hdr) {
			c.replyAck(hdr)
			return
		}
		if err := c.addRcvBuffer(hdr, Payload(raw, hdr)); err == nil {
			c.replyAck(hdr)
		}
	}
}

// acceptable implements spec §4.4's wrap-aware acceptance window test.
func (c *Connection) acceptable(hdr *Header) bool {
	return seqInWindow(hdr.Seq, SeqIncrement(c.rcvCUR), uint32(c.rcvMAX))
}

func (c *Connection) replyAck(hdr *Header) {
	resp := &Header{Flags: FlagACK | FlagVER, Src: c.localPort, Dst: c.foreignPort,
		Seq: c.sndNXT, Ack: c.rcvCUR, Window: c.rbufWindow()}
	var mask []uint32
	if c.eack.populated() > 0 {
		mask = c.eack.snapshot()
	}
	c.handle.emit(c, resp, mask, nil)
}

// handleTimer is the timerHandler plugged into every connection's
// timerWheel, dispatching on the fired timer's kind per spec §4.2.
func (c *Connection) handleTimer(rec *timerRecord, _ time.Time) (destroyed, suppress bool) {
	switch rec.key.kind {
	case timerConnect:
		if c.handle.cb.Connect != nil {
			c.handle.cb.Connect(c.handle, c, c.passive, nil, StatusFail)
		}
		c.setState(StateClosed)
		c.handle.closeConn(c)
		return true, false

	case timerDisconnect:
		c.setState(StateClosed)
		if !c.disconnectReported {
			c.disconnectReported = true
			if c.handle.cb.Disconnect != nil {
				c.handle.cb.Disconnect(c.handle, c, StatusOK)
			}
		}
		c.handle.closeConn(c)
		return true, false

	case timerTombstone:
		c.handle.destroyConn(c)
		return true, false

	case timerRetransmit:
		slot := &c.sbuf[rec.key.slot]
		if !slot.inUse {
			return false, true
		}
		if rec.retry == 1 {
			c.abandonMessage(slot.msg)
			return false, true
		}
		c.retransmitSlot(rec.key.slot)
		return false, false

	case timerRecv:
		idx := rec.key.slot
		slot := &c.rbuf[idx]
		if !slot.inUse || slot.delivered {
			return false, true
		}
		data, ok := c.assembleMessage(slot)
		if !ok {
			return false, true
		}
		c.markDelivered(slot)
		accepted := true
		if c.handle.cb.Recv != nil {
			accepted = c.handle.cb.Recv(c.handle, c, &RecvBuffer{Data: data, Seq: slot.som}, StatusOK)
		}
		if accepted {
			if slot.seq == SeqIncrement(c.rcvCUR) {
				c.rcvCUR = slot.seq
				consumed := c.deliverContiguous()
				c.eack.shiftLeft(consumed + 1)
			}
			return false, true
		}
		for i := uint16(0); i < slot.fcnt; i++ {
			c.rbuf[int(SeqIncrementBy(slot.som, uint32(i)))%len(c.rbuf)].delivered = false
		}
		if rec.retry == 1 {
			c.setState(StateCloseWait)
			c.timers.schedule(timerKey{kind: timerDisconnect}, c.handle.now(), c.handle.cfg.Timewait(), c.handle.cfg.DisconnectRetry)
			return false, true
		}
		return false, false

	case timerWindowCheck:
		sinceLast := c.handle.now().Sub(c.lastSeen)
		if sinceLast >= c.handle.cfg.LinkTimeout() {
			c.setState(StateCloseWait)
			c.timers.schedule(timerKey{kind: timerDisconnect}, c.handle.now(), c.handle.cfg.Timewait(), c.handle.cfg.DisconnectRetry)
			return false, true
		}
		if sinceLast >= c.handle.cfg.WindowCheck() || c.window < uint16(c.minSendWindow) {
			probe := &Header{Flags: FlagACK | FlagNUL | FlagVER, Src: c.localPort, Dst: c.foreignPort,
				Seq: c.sndNXT, Ack: c.rcvCUR, Window: c.rbufWindow()}
			c.handle.emit(c, probe, nil, nil)
		}
		return false, false
	}
	return false, false
}

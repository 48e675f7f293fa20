package ardp

import "time"

// sendData implements spec §4.3 Send: fragment buf into however many
// SND.MAX-bounded slots it needs, transmit each, and arm a retransmit timer
// per slot. buf is borrowed: the engine must not touch it again after the
// single SendCb fires for this call.
func (c *Connection) sendData(buf []byte, ttl time.Duration, cb func([]byte, Status)) error {
	fcnt := 1
	if len(buf) > c.maxDlen {
		fcnt = ceilDiv(len(buf), c.maxDlen)
	}
	if fcnt > c.sbufMax {
		return ErrInvalidData
	}
	if uint16(fcnt) > c.window {
		return ErrBackPressure
	}

	msg := &pendingSend{buf: buf, ttl: ttl, tStart: c.handle.now(), fcnt: uint16(fcnt), callback: cb}
	som := c.sndNXT

	for i := 0; i < fcnt; i++ {
		start := i * c.maxDlen
		end := start + c.maxDlen
		if end > len(buf) {
			end = len(buf)
		}
		frag := buf[start:end]

		if i == 0 {
			if ttl > 0 && c.handle.now().Sub(msg.tStart) >= ttl {
				return ErrTTLExpired
			}
		}

		slotIdx := int(c.sndNXT) % c.sbufMax
		slot := &c.sbuf[slotIdx]
		slot.inUse = true
		slot.seq = c.sndNXT
		slot.som = som
		slot.fcnt = uint16(fcnt)
		slot.fragIdx = uint16(i)
		slot.dlen = len(frag)
		slot.msg = msg

		hdr := &Header{
			Flags:  FlagACK | FlagVER,
			Src:    c.localPort,
			Dst:    c.foreignPort,
			Seq:    slot.seq,
			Ack:    c.rcvCUR,
			Window: c.rbufWindow(),
			TTL:    ttlMillis(ttl),
		}
		if fcnt > 1 {
			hdr.Flags |= FlagFRAG
			hdr.SOM = som
			hdr.FCnt = uint16(fcnt)
		}

		err := c.handle.emit(c, hdr, nil, frag)
		wouldBlock := err == ErrWouldBlock
		if err != nil && !wouldBlock {
			c.handle.Disconnect(c)
			return ErrFail
		}

		slot.onWire = !wouldBlock
		delta := c.handle.cfg.RetransmitTimeout()
		if wouldBlock {
			delta = delta / UrgentRetransmitDivisor
		}
		c.timers.schedule(timerKey{kind: timerRetransmit, slot: slotIdx}, c.handle.now(), delta, c.handle.cfg.RetransmitRetry+1)

		c.sndNXT = SeqIncrement(c.sndNXT)
		c.pending++
	}

	return nil
}

func ttlMillis(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms <= 0 {
		return 0
	}
	if ms > 0xFFFE {
		return 0xFFFE
	}
	return uint16(ms)
}

// retransmitSlot resends a send slot's data with a fresh ack/window,
// applying the TTL rules spec §4.3 and §9(c)/(d) specify: silent drop
// pre-transmission past TTL (handled in sendData, never reached from here),
// and the reserved expired-TTL value on a stale retransmit.
func (c *Connection) retransmitSlot(idx int) {
	slot := &c.sbuf[idx]
	if !slot.inUse || slot.msg == nil {
		return
	}
	msg := slot.msg
	elapsed := c.handle.now().Sub(msg.tStart)

	var ttl uint16
	if msg.ttl > 0 {
		if elapsed >= msg.ttl {
			ttl = ExpiredTTL
		} else {
			ttl = ttlMillis(msg.ttl - elapsed)
		}
	}

	start := int(slot.fragIdx) * c.maxDlen
	end := start + slot.dlen
	frag := msg.buf[start:end]

	hdr := &Header{
		Flags:  FlagACK | FlagVER,
		Src:    c.localPort,
		Dst:    c.foreignPort,
		Seq:    slot.seq,
		Ack:    c.rcvCUR,
		Window: c.rbufWindow(),
		TTL:    ttl,
	}
	if slot.fcnt > 1 {
		hdr.Flags |= FlagFRAG
		hdr.SOM = slot.som
		hdr.FCnt = slot.fcnt
	}
	_ = c.handle.emit(c, hdr, nil, frag)
}

// abandonMessage is the RetransmitTimer's terminal action (spec §4.2,
// retry==1): tear down every slot belonging to msg and report SendCb(fail)
// exactly once for the whole user buffer.
func (c *Connection) abandonMessage(msg *pendingSend) {
	if msg.expired {
		return
	}
	msg.expired = true
	for i := range c.sbuf {
		slot := &c.sbuf[i]
		if slot.inUse && slot.msg == msg {
			c.timers.cancel(timerKey{kind: timerRetransmit, slot: i})
			slot.inUse = false
			slot.msg = nil
			c.pending--
		}
	}
	c.reportSend(msg, StatusFail)
}

func (c *Connection) reportSend(msg *pendingSend, status Status) {
	if msg.callback != nil {
		msg.callback(msg.buf, status)
	}
	if c.handle.cb.Send != nil {
		c.handle.cb.Send(c.handle, c, msg.buf, status)
	}
}

// flushAckedSegments implements spec §4.3 FlushAckedSegments: release every
// in-use slot with seq<=ack (wrap-aware), firing SendCb once per message on
// its last fragment.
func (c *Connection) flushAckedSegments(ack uint32) {
	for i := range c.sbuf {
		slot := &c.sbuf[i]
		if !slot.inUse || seqGreater(slot.seq, ack) {
			continue
		}
		c.timers.cancel(timerKey{kind: timerRetransmit, slot: i})
		msg := slot.msg
		slot.inUse = false
		slot.msg = nil
		c.pending--

		if msg == nil {
			continue
		}
		// Per §9(b): last fragment is the one whose seq == som+fcnt-1,
		// not the source's inverted seq != som+fcnt predicate.
		if slot.seq == SeqIncrementBy(slot.som, uint32(slot.fcnt)-1) {
			c.reportSend(msg, StatusOK)
		}
	}
}

// cancelEackedSegments implements spec §4.3 CancelEackedSegments: fast
// retransmit the gap at SND.UNA (the oldest unacknowledged segment), then
// cancel the retransmit timer of every slot the peer's EACK mask, based at
// SND.UNA+1, confirms it already has.
func (c *Connection) cancelEackedSegments(mask []uint32) {
	gapIdx := int(c.sndUNA) % c.sbufMax
	if c.sbuf[gapIdx].inUse {
		c.timers.fireAt(timerKey{kind: timerRetransmit, slot: gapIdx}, c.handle.now())
	}

	base := SeqIncrement(c.sndUNA)
	for word := 0; word < len(mask); word++ {
		w := mask[word]
		for bit := 0; bit < 32; bit++ {
			if w&(1<<(31-uint(bit))) == 0 {
				continue
			}
			seq := SeqIncrementBy(base, uint32(word*32+bit))
			idx := int(seq) % c.sbufMax
			if c.sbuf[idx].inUse && c.sbuf[idx].seq == seq {
				c.timers.cancel(timerKey{kind: timerRetransmit, slot: idx})
			}
		}
	}
}

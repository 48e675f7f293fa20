package ardp

// addRcvBuffer implements spec §4.3 AddRcvBuffer: buffer an inbound data
// segment, walk the ring delivering anything newly contiguous, and update
// the EACK mask for anything still out of order.
func (c *Connection) addRcvBuffer(hdr *Header, payload []byte) error {
	ordered := hdr.Seq == SeqIncrement(c.rcvCUR)
	full := c.rbufWindow() == 0
	inGap := !c.rbufEmpty && seqGreaterOrEqual(hdr.Seq, c.rbufFirst) && seqLessOrEqual(hdr.Seq, c.rbufLast)
	if full && !inGap {
		return ErrBackPressure
	}
	if len(payload) > c.rbufMaxBytes {
		return ErrInvalidData
	}

	idx := int(hdr.Seq) % len(c.rbuf)
	slot := &c.rbuf[idx]
	if slot.inUse && slot.seq == hdr.Seq {
		return nil // duplicate, already buffered
	}

	chunk := c.handle.pool.get()
	if chunk == nil {
		return ErrOutOfMemory
	}
	if err := chunkData(chunk).copyFrom(payload); err != nil {
		c.handle.pool.put(chunk)
		return ErrInvalidData
	}

	slot.inUse = true
	slot.seq = hdr.Seq
	slot.som = hdr.SOM
	slot.fcnt = hdr.FCnt
	if slot.fcnt == 0 {
		slot.fcnt = 1
		slot.som = hdr.Seq
	}
	slot.chunk = chunk
	slot.delivered = false

	if c.rbufEmpty {
		c.rbufFirst = hdr.Seq
		c.rbufLast = hdr.Seq
		c.rbufEmpty = false
	} else {
		if seqGreater(hdr.Seq, c.rbufLast) {
			c.rbufLast = hdr.Seq
		}
		if seqGreater(c.rbufFirst, hdr.Seq) {
			c.rbufFirst = hdr.Seq
		}
	}

	if ordered {
		consumed := c.deliverContiguous()
		c.eack.shiftLeft(consumed)
	} else if seqGreater(hdr.Seq, c.rcvCUR) {
		k := int(hdr.Seq-c.rcvCUR) - 2
		if k >= 0 {
			c.eack.set(k)
		}
	}

	c.window = c.rbufWindow()
	return nil
}

// deliverContiguous walks the ring forward from RCV.CUR+1 delivering every
// slot that is buffered and in order, per spec §4.3 step 3. It returns how
// many sequence positions were consumed, for the EACK mask's shiftLeft.
func (c *Connection) deliverContiguous() int {
	consumed := 0
	for {
		next := SeqIncrement(c.rcvCUR)
		idx := int(next) % len(c.rbuf)
		slot := &c.rbuf[idx]
		if !slot.inUse || slot.seq != next || slot.delivered {
			break
		}

		if slot.fcnt > 1 && slot.seq != SeqIncrementBy(slot.som, uint32(slot.fcnt)-1) {
			// Not yet the last fragment of its message; advance RCV.CUR
			// past it (it's in order) but nothing to deliver yet.
			c.rcvCUR = next
			consumed++
			continue
		}

		data, ok := c.assembleMessage(slot)
		if !ok {
			break
		}

		// Marked before the callback so RecvCb may hand the buffer straight
		// back through RecvReady; a refusal clears the marks again.
		c.markDelivered(slot)
		accepted := true
		if c.handle.cb.Recv != nil {
			accepted = c.handle.cb.Recv(c.handle, c, &RecvBuffer{Data: data, Seq: slot.som}, StatusOK)
		}
		if !accepted {
			for i := uint16(0); i < slot.fcnt; i++ {
				c.rbuf[int(SeqIncrementBy(slot.som, uint32(i)))%len(c.rbuf)].delivered = false
			}
			slot.recvTimer = true
			c.timers.schedule(timerKey{kind: timerRecv, slot: idx}, c.handle.now(), c.handle.cfg.RecvTimeout(), c.handle.cfg.RecvRetry+1)
			break
		}

		c.rcvCUR = next
		consumed++
	}
	return consumed
}

// markDelivered flags every slot belonging to last's message (all fcnt of
// them, starting at last.som) as delivered. RecvReady/updateRcvBuffers
// looks the message up by its first fragment's slot (seq == som), so that
// slot's delivered bit — not just the last fragment's, where RecvCb
// actually fired — is what gates the release.
func (c *Connection) markDelivered(last *recvSlot) {
	fcnt := last.fcnt
	if fcnt == 0 {
		fcnt = 1
	}
	for i := uint16(0); i < fcnt; i++ {
		idx := int(SeqIncrementBy(last.som, uint32(i))) % len(c.rbuf)
		c.rbuf[idx].delivered = true
	}
}

// assembleMessage validates that every fragment of slot's message is
// present and concatenates their payloads.
func (c *Connection) assembleMessage(last *recvSlot) ([]byte, bool) {
	if last.fcnt <= 1 {
		return chunkData(last.chunk).slice(), true
	}

	total := 0
	pieces := make([][]byte, last.fcnt)
	for i := uint16(0); i < last.fcnt; i++ {
		seq := SeqIncrementBy(last.som, uint32(i))
		idx := int(seq) % len(c.rbuf)
		s := &c.rbuf[idx]
		if !s.inUse || s.seq != seq || s.som != last.som || s.delivered {
			return nil, false
		}
		data := chunkData(s.chunk).slice()
		pieces[i] = data
		total += len(data)
	}

	out := make([]byte, 0, total)
	for _, p := range pieces {
		out = append(out, p...)
	}
	return out, true
}

// updateRcvBuffers implements spec §4.3 UpdateRcvBuffers: the user has
// consumed the message starting at seq (== RBUF.first), so every slot of
// that message is released back to the pool, in order.
func (c *Connection) updateRcvBuffers(seq uint32) error {
	if c.rbufEmpty || seq != c.rbufFirst {
		return ErrBufferReleased
	}

	idx := int(seq) % len(c.rbuf)
	slot := &c.rbuf[idx]
	if !slot.inUse || !slot.delivered {
		return ErrBufferReleased
	}
	fcnt := slot.fcnt
	if fcnt == 0 {
		fcnt = 1
	}

	for i := uint16(0); i < fcnt; i++ {
		s := SeqIncrementBy(slot.som, uint32(i))
		j := int(s) % len(c.rbuf)
		if c.rbuf[j].chunk != nil {
			c.handle.pool.put(c.rbuf[j].chunk)
			c.rbuf[j].chunk = nil
		}
		c.rbuf[j].inUse = false
		c.rbuf[j].delivered = false
	}

	c.rbufFirst = SeqIncrementBy(slot.som, uint32(fcnt))
	if seqGreater(c.rbufFirst, c.rbufLast) {
		c.rbufEmpty = true
		c.rbufFirst = c.rbufLast
	}
	c.window = c.rbufWindow()
	return nil
}

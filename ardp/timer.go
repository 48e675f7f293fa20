package ardp

import (
	"time"

	"github.com/google/btree"
)

// timerKind identifies the six timer roles a connection schedules.
type timerKind int

const (
	timerConnect timerKind = iota
	timerDisconnect
	timerRetransmit
	timerRecv
	timerWindowCheck
	// timerTombstone expires the short-lived, RST-capable record a
	// connection leaves behind in the handle's table after reaching
	// CLOSED (see Handle.closeConn), so a stray stale segment still gets
	// answered with RST per spec §4.4 instead of being silently dropped.
	timerTombstone
)

// timerKey identifies one scheduled timer. slot is the send- or
// receive-buffer slot index for per-slot timers (retransmit, recv) and
// unused (zero) for the four connection-wide timers; kind always
// disambiguates a connection-wide timer from slot 0 of a per-slot one.
type timerKey struct {
	kind timerKind
	slot int
}

// timerRecord is the tagged-variant timer the design notes call for: no
// erased pointer survives a slot's lifecycle, only a (kind, slot) pair the
// connection already knows how to interpret.
type timerRecord struct {
	key      timerKey
	delta    time.Duration
	retry    int // RetryAlways, or a non-negative countdown
	deadline time.Time
}

// timerItem is the btree element ordering timerRecords by deadline; seq
// breaks ties between timers scheduled for the exact same instant so
// ordering stays deterministic under test.
type timerItem struct {
	deadline time.Time
	seq      uint64
	rec      *timerRecord
}

func (a *timerItem) Less(than btree.Item) bool {
	b := than.(*timerItem)
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

// timerWheel is one connection's ordered set of scheduled timers: a btree
// keyed by deadline for cheap "what fires next", plus a map keyed by
// (kind, slot) for cancellation and reschedule lookups.
type timerWheel struct {
	tree    *btree.BTree
	items   map[timerKey]*timerItem
	nextSeq uint64
}

func newTimerWheel() *timerWheel {
	return &timerWheel{
		tree:  btree.New(16),
		items: make(map[timerKey]*timerItem),
	}
}

func (w *timerWheel) insert(rec *timerRecord) {
	w.nextSeq++
	item := &timerItem{deadline: rec.deadline, seq: w.nextSeq, rec: rec}
	w.items[rec.key] = item
	w.tree.ReplaceOrInsert(item)
}

// schedule arms (or re-arms) the timer identified by key to fire at
// now+delta with the given retry countdown (RetryAlways for a timer that
// never auto-cancels).
func (w *timerWheel) schedule(key timerKey, now time.Time, delta time.Duration, retry int) {
	w.cancel(key)
	rec := &timerRecord{key: key, delta: delta, retry: retry, deadline: now.Add(delta)}
	w.insert(rec)
}

// fireAt reschedules an already-armed timer for an earlier or later
// deadline without touching its retry count, used for the EACK
// fast-retransmit priority bump ("set its deadline to now").
func (w *timerWheel) fireAt(key timerKey, when time.Time) bool {
	item, ok := w.items[key]
	if !ok {
		return false
	}
	w.tree.Delete(item)
	delete(w.items, key)
	rec := item.rec
	rec.deadline = when
	w.insert(rec)
	return true
}

func (w *timerWheel) cancel(key timerKey) {
	item, ok := w.items[key]
	if !ok {
		return
	}
	w.tree.Delete(item)
	delete(w.items, key)
}

func (w *timerWheel) has(key timerKey) bool {
	_, ok := w.items[key]
	return ok
}

func (w *timerWheel) len() int { return len(w.items) }

// timerHandler runs a due timer's effect. destroyed reports that handling
// it tore down the owning connection (no further timer bookkeeping is
// meaningful); suppressReschedule reports that, short of destruction, this
// firing was terminal for the timer (it should not be rearmed even though
// retries remain).
type timerHandler func(rec *timerRecord, now time.Time) (destroyed, suppressReschedule bool)

// fireExpired pops and handles every timer whose deadline has passed,
// rescheduling or retiring each per the generic retry policy: a timer with
// retries remaining (or RetryAlways) that was not suppressed is rearmed at
// now+delta with its retry decremented (RetryAlways never decrements);
// everything else is dropped. It returns whether any timer destroyed the
// connection, in which case the caller must stop processing immediately.
func (w *timerWheel) fireExpired(now time.Time, handler timerHandler) (destroyedConn bool) {
	for {
		min := w.tree.Min()
		if min == nil {
			return false
		}
		item := min.(*timerItem)
		if item.deadline.After(now) {
			return false
		}
		w.tree.Delete(item)
		delete(w.items, item.rec.key)

		rec := item.rec
		destroyed, suppress := handler(rec, now)
		if destroyed {
			return true
		}
		if suppress {
			continue
		}
		if rec.retry == RetryAlways || rec.retry > 0 {
			if rec.retry != RetryAlways {
				rec.retry--
			}
			rec.deadline = now.Add(rec.delta)
			w.insert(rec)
		}
		// rec.retry == 0 here falls through to deletion: already removed above.
	}
}

// nextDeadline reports the time until this connection's earliest timer
// fires, if it has any armed.
func (w *timerWheel) nextDeadline(now time.Time) (time.Duration, bool) {
	min := w.tree.Min()
	if min == nil {
		return 0, false
	}
	item := min.(*timerItem)
	d := item.deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

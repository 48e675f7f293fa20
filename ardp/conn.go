package ardp

import (
	"net"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/sirupsen/logrus"
)

// connKey demultiplexes inbound segments. foreign is 0 on an active
// half-open connection awaiting its peer's SYN-ACK; every other record is
// keyed exact-match. See DESIGN.md "Half-open connection keying".
type connKey struct {
	local, foreign uint16
}

// sendSlot is one ring position in a connection's send buffer. It either
// borrows an in-flight fragment's bytes from pendingSend.buf, or sits idle.
type sendSlot struct {
	inUse   bool
	onWire  bool
	seq     uint32
	som     uint32
	fcnt    uint16
	fragIdx uint16
	dlen    int
	msg     *pendingSend
	header  []byte // not used: retransmitSlot builds each header afresh
}

// pendingSend tracks one user SendData call across however many sendSlots
// its fragments occupy, so the single SendCb can fire once, on the last
// fragment's ack, with the original buffer and full length.
type pendingSend struct {
	buf      []byte
	ttl      time.Duration
	tStart   time.Time
	fcnt     uint16
	acked    uint16
	expired  bool
	callback func(buf []byte, status Status)
}

// RecvBuffer is what RecvCb is handed for one delivered message: the
// reassembled (or single-fragment) payload plus Seq, the sequence of the
// message's first fragment (== RBUF.first once this message is the oldest
// undelivered one). The caller must echo Seq back into Handle.RecvReady
// once it has consumed Data so the underlying slot(s) can be released —
// spec §3's "released when the user signals recv_ready on it".
type RecvBuffer struct {
	Data []byte
	Seq  uint32
}

// recvSlot is one ring position in a connection's receive buffer.
type recvSlot struct {
	inUse     bool
	delivered bool
	seq       uint32
	som       uint32
	fcnt      uint16
	chunk     *rp.Element
	recvTimer bool
}

// Connection is one (local port, foreign port, peer address) RDP session.
type Connection struct {
	handle *Handle
	log    *logrus.Entry

	key         connKey
	localPort   uint16
	foreignPort uint16
	peerAddr    net.Addr
	peerPort    uint16
	passive     bool

	state State

	// SND
	sndISS uint32
	sndNXT uint32
	sndUNA uint32
	sndMAX uint16

	// SBUF
	sbuf          []sendSlot
	sbufMax       int
	pending       int
	maxDlen       int
	minSendWindow int

	// RCV
	rcvIRS uint32
	rcvCUR uint32
	rcvMAX uint16

	// RBUF
	rbuf         []recvSlot
	rbufMaxBytes int
	rbufFirst    uint32
	rbufLast     uint32
	rbufEmpty    bool

	eack *eackMask

	window        uint16
	peerSegMax    uint16
	peerSegBMax   uint16
	sndHdrLen     int
	rcvHdrLen     int

	lastSeen time.Time
	timers   *timerWheel

	userCtx interface{}

	// disconnectReported guards against a second DisconnectCb firing for the same
	// record (spec: "DisconnectCb fires at most once").
	disconnectReported bool
}

func newConnection(h *Handle, key connKey, peerAddr net.Addr, peerPort uint16, passive bool) *Connection {
	c := &Connection{
		handle:      h,
		key:         key,
		localPort:   key.local,
		foreignPort: key.foreign,
		peerAddr:    peerAddr,
		peerPort:    peerPort,
		passive:     passive,
		state:       StateClosed,
		timers:      newTimerWheel(),
		lastSeen:    h.now(),
		sndHdrLen:   BaseHeaderLen,
		rcvHdrLen:   BaseHeaderLen,
	}
	c.log = h.log.WithFields(logrus.Fields{
		"local":   key.local,
		"foreign": key.foreign,
		"passive": passive,
	})
	return c
}

func (c *Connection) setState(s State) {
	if c.state != s {
		c.log.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("state transition")
	}
	c.state = s
}

// initSnd sizes the send ring once the peer's advertised SEGMAX/SEGBMAX are
// known (from a SYN or SYN-ACK).
func (c *Connection) initSnd(iss uint32, segMax, segBMax uint16) {
	c.sndISS = iss
	c.sndNXT = SeqIncrement(iss)
	c.sndUNA = iss
	c.sndMAX = segMax
	c.peerSegMax = segMax
	c.peerSegBMax = segBMax

	c.sbufMax = int(segMax)
	c.sbuf = make([]sendSlot, c.sbufMax)

	c.maxDlen = int(segBMax) - (IPOverhead + UDPOverhead + c.sndHdrLen)
	if c.maxDlen < 1 {
		c.maxDlen = 1
	}
	c.minSendWindow = ceilDiv(maxMessageSize, c.maxDlen)
}

// initRcv sizes the receive ring; segMax/segBMax here are what *we*
// advertise to the peer (RCV.MAX / RBUF.MAX), taken from the handle's
// config at connect/accept time.
func (c *Connection) initRcv(irs uint32, rcvMax uint16, rbufMax int) {
	c.rcvIRS = irs
	c.rcvCUR = irs
	c.rcvMAX = rcvMax
	c.rbufMaxBytes = rbufMax
	c.rbuf = make([]recvSlot, rcvMax)
	c.rbufEmpty = true
	c.rbufFirst = irs
	c.rbufLast = irs
	c.eack = newEackMask(int(rcvMax))
	c.window = rcvMax
}

func (c *Connection) rbufWindow() uint16 {
	if c.rbufEmpty {
		return c.rcvMAX
	}
	span := c.rbufLast - c.rbufFirst + 1
	if span >= uint32(c.rcvMAX) {
		return 0
	}
	return c.rcvMAX - uint16(span)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// maxMessageSize bounds minSendWindow's derivation; the protocol itself
// places no hard ceiling on a single message's length beyond SND.MAX
// fragments, but a connection must be able to buffer enough in-flight
// fragments to cover one maximally sized message without starving.
const maxMessageSize = 64 * 1024

package ardp

import "time"

// Segment flag bits. VER must be set on every segment the engine emits.
const (
	FlagSYN  uint8 = 1 << 0
	FlagACK  uint8 = 1 << 1
	FlagEACK uint8 = 1 << 2
	FlagRST  uint8 = 1 << 3
	FlagNUL  uint8 = 1 << 4
	FlagFRAG uint8 = 1 << 5
	FlagVER  uint8 = 1 << 6
)

// SYN option bits.
const (
	OptSDM uint8 = 1 << 0 // Sequenced Delivery Mode, the only supported mode
)

// Wire layout sizes, in bytes.
const (
	BaseHeaderLen = 20 // flags..ttl, common to every data/ack segment
	FragExtraLen  = 6  // som(4) + fcnt(2), present iff FlagFRAG is set
	SynExtraLen   = 6  // segmax(2) + segbmax(2) + options(1) + pad(1)
	eackWordLen   = 4  // one 32-bit EACK mask word
)

// Connection states.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateOpen
	StateCloseWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateOpen:
		return "OPEN"
	case StateCloseWait:
		return "CLOSE_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Default timing and retry constants, all overridable via Config.
const (
	DefaultTimewait          = 1000 * time.Millisecond
	DefaultConnectTimeout    = 10000 * time.Millisecond
	DefaultRetransmitTimeout = 500 * time.Millisecond
	DefaultRecvTimeout       = 300 * time.Millisecond
	DefaultWindowCheck       = 5000 * time.Millisecond

	RetransmitRetry = 4
	RecvRetry       = 4
	DisconnectRetry = 0
	ConnectRetry    = 0

	// ALWAYS marks a timer that is never auto-cancelled by retry exhaustion.
	RetryAlways = -1
)

// UrgentRetransmitDivisor is applied to RetransmitTimeout to get the urgent
// (post WouldBlock) retransmit delta.
const UrgentRetransmitDivisor = 4

// LinkTimeoutMultiplier * WindowCheck gives the keep-alive link timeout.
const LinkTimeoutMultiplier = 5

// MinSegmentSize is the protocol's minimum segment size. The wire codec does
// not check segments or advertised sizes against it.
const MinSegmentSize = 120

// IP + UDP overhead subtracted from a peer's advertised segment size when
// deriving the maximum data length per fragment.
const (
	IPOverhead  = 20
	UDPOverhead = 8
)

// ExpiredTTL is the reserved TTL value sent on a retransmit whose original
// deadline has already elapsed, telling the peer to discard after acking.
const ExpiredTTL uint16 = 0xFFFF

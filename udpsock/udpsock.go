// Package udpsock is the reference ardp.Socket built on a real UDP socket.
// It lives entirely outside the core's single-threaded contract: a reader
// goroutine feeds a buffered channel so Recv can be non-blocking, the one
// place in this repository a goroutine is appropriate.
package udpsock

import (
	"net"

	"golang.org/x/net/ipv4"

	"github.com/ekanshkaushik/core-alljoyn/ardp"
)

type datagram struct {
	addr net.Addr
	port uint16
	buf  []byte
}

// Socket adapts a bound net.PacketConn to ardp.Socket.
type Socket struct {
	conn    net.PacketConn
	pconn   *ipv4.PacketConn
	myPort  uint16
	inbound chan datagram
	done    chan struct{}
}

// Listen binds a UDP socket on addr and starts the background reader.
// queueDepth bounds how many not-yet-drained datagrams udpsock holds
// before new ones are dropped (the core itself never blocks on this).
func Listen(addr string, localArdpPort uint16, queueDepth int) (*Socket, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &Socket{
		conn:    conn,
		pconn:   ipv4.NewPacketConn(conn),
		myPort:  localArdpPort,
		inbound: make(chan datagram, queueDepth),
		done:    make(chan struct{}),
	}
	// Best-effort: not every platform/transport honors IPv4 TOS, and
	// ardp has no dependency on it succeeding.
	_ = s.pconn.SetTOS(0)

	go s.readLoop()
	return s, nil
}

func (s *Socket) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case s.inbound <- datagram{addr: addr, port: s.myPort, buf: cp}:
		default:
			// Queue full: drop, matching UDP's own no-delivery-guarantee
			// semantics. The protocol's own retransmit timers recover this.
		}
	}
}

// Send implements ardp.Socket.
func (s *Socket) Send(addr net.Addr, _ uint16, b []byte) error {
	_, err := s.conn.WriteTo(b, addr)
	return err
}

// Recv implements ardp.Socket.
func (s *Socket) Recv() (net.Addr, uint16, []byte, error) {
	select {
	case d := <-s.inbound:
		return d.addr, d.port, d.buf, nil
	default:
		return nil, 0, nil, ardp.ErrWouldBlock
	}
}

// Close stops the reader goroutine and closes the underlying socket.
func (s *Socket) Close() error {
	close(s.done)
	return s.conn.Close()
}

package ardp

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// rbufChunk is the pooled backing store for one receive-buffer slot's
// payload area. Pooling these avoids an allocation on every inbound segment
// across every connection a Handle owns.
type rbufChunk struct {
	buf []byte
	n   int
}

// newRbufChunk is the ring pool element factory; params[0] is the slot
// capacity in bytes (a connection's RBUF.MAX).
func newRbufChunk(params ...interface{}) rp.DataInterface {
	size, ok := params[0].(int)
	if !ok || size <= 0 {
		return nil
	}
	return &rbufChunk{buf: make([]byte, size)}
}

func (c *rbufChunk) Reset() {
	for i := range c.buf {
		c.buf[i] = 0
	}
	c.n = 0
}

func (c *rbufChunk) copyFrom(src []byte) error {
	if len(src) > len(c.buf) {
		return fmt.Errorf("ardp: payload of %d bytes exceeds chunk capacity %d", len(src), len(c.buf))
	}
	copy(c.buf, src)
	c.n = len(src)
	return nil
}

func (c *rbufChunk) slice() []byte { return c.buf[:c.n] }

// PrintContent implements rp.DataInterface.
func (c *rbufChunk) PrintContent() {
	fmt.Println("Content:", c.buf[:c.n])
}

// chunkPool wraps a ringpool.RingPool typed to rbufChunk, giving every
// connection on a Handle a shared, size-bounded store of receive payload
// buffers instead of one per connection.
type chunkPool struct {
	pool *rp.RingPool
	size int
}

func newChunkPool(capacity, slotSize int) *chunkPool {
	p := rp.NewRingPool("ardp:rbuf", capacity, newRbufChunk, slotSize)
	return &chunkPool{pool: p, size: slotSize}
}

func (p *chunkPool) get() *rp.Element {
	return p.pool.GetElement()
}

func (p *chunkPool) put(e *rp.Element) {
	if e == nil {
		return
	}
	p.pool.ReturnElement(e)
}

func chunkData(e *rp.Element) *rbufChunk {
	return e.Data.(*rbufChunk)
}

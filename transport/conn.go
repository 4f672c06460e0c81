package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/eyepea/gosip/sip"
	"github.com/rs/zerolog/log"
)

// Connection is what the multiplexer (Layer) and each per-scheme Transport
// hand messages to: something addressable that can serialize and write a
// sip.Message, and that tracks how many callers currently hold it open.
//
// Reference counting exists because a stream connection (TCP/TLS/WS) is
// shared: the transaction layer that dialed it to send a request, and
// whatever later reuses it for an in-dialog request, both need it to stay
// open until the last one is done with it.
type Connection interface {
	WriteMsg(msg sip.Message) error
	Ref(i int)
	// TryClose decrements the reference count and closes the underlying
	// socket only once it reaches zero, returning the count observed.
	TryClose() (int, error)
	Close() error
}

var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// conn wraps a net.Conn (TCP/TLS/WS all ultimately stream over one) with
// the reference-counting behavior Connection needs.
type conn struct {
	net.Conn

	transport string

	mu       sync.RWMutex
	refcount int
}

func (c *conn) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	log.Debug().
		Str("transport", c.transport).
		Str("src", c.LocalAddr().String()).
		Str("dst", c.RemoteAddr().String()).
		Int("ref", ref).
		Msg("connection reference incremented")
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	log.Debug().
		Str("transport", c.transport).
		Str("src", c.LocalAddr().String()).
		Str("dst", c.RemoteAddr().String()).
		Msg("connection force closed")
	return c.Conn.Close()
}

func (c *conn) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()

	log.Debug().
		Str("transport", c.transport).
		Str("src", c.LocalAddr().String()).
		Str("dst", c.RemoteAddr().String()).
		Int("ref", ref).
		Msg("connection reference decremented")

	switch {
	case ref > 0:
		return ref, nil
	case ref < 0:
		log.Warn().
			Str("transport", c.transport).
			Str("src", c.LocalAddr().String()).
			Str("dst", c.RemoteAddr().String()).
			Int("ref", ref).
			Msg("connection reference went negative")
		return 0, nil
	default:
		return 0, c.Conn.Close()
	}
}

func (c *conn) String() string {
	return c.LocalAddr().Network() + ":" + c.LocalAddr().String()
}

func (c *conn) WriteMsg(msg sip.Message) error {
	return c.WriteMsgTo(msg, msg.Destination())
}

func (c *conn) WriteMsgTo(msg sip.Message, raddr string) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	if sip.SIPDebug {
		sip.TraceWrite(c.transport, c.LocalAddr().String(), raddr, data)
	}

	n, err := c.Write(data)
	if err != nil {
		return fmt.Errorf("conn %s write: %w", c, err)
	}
	if n != len(data) {
		return fmt.Errorf("conn %s: short write (%d of %d bytes)", c, n, len(data))
	}
	return nil
}

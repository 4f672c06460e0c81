package transport

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnectionPool is the per-transport half of the Layer multiplexer's
// (transport, peer) connection cache: each
// Transport (UDP/TCP/TLS/WS/WSS) keeps its own pool keyed by the remote
// address string, so Layer.GetConnection/CreateConnection can hand back an
// already-open socket instead of dialing a new one per request.
type ConnectionPool struct {
	mu sync.RWMutex
	m  map[string]Connection
}

func NewConnectionPool() ConnectionPool {
	return ConnectionPool{m: make(map[string]Connection)}
}

func (p *ConnectionPool) Add(addr string, c Connection) {
	p.mu.Lock()
	p.m[addr] = c
	p.mu.Unlock()
}

func (p *ConnectionPool) Get(addr string) Connection {
	p.mu.RLock()
	c := p.m[addr]
	p.mu.RUnlock()
	return c
}

func (p *ConnectionPool) Del(addr string) {
	p.mu.Lock()
	delete(p.m, addr)
	p.mu.Unlock()
}

// CloseAndDelete removes addr from the pool and closes conn, used when a
// connection's read loop exits (peer hung up, or a fatal read error) so it
// stops being handed out for new writes.
func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) {
	p.Del(addr)
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("error closing connection during cleanup")
	}
}

// Clear closes and forgets every pooled connection, used when a Transport
// shuts down.
func (p *ConnectionPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.m {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("addr", addr).Msg("error closing connection during clear")
		}
		delete(p.m, addr)
	}
}

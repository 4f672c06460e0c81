package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionPoolGetReturnsWhatWasAdded(t *testing.T) {
	pool := NewConnectionPool()
	c := &conn{Conn: &net.TCPConn{}}

	addr := (&net.TCPAddr{IP: net.IPv4('1', '2', '3', '4'), Port: 1000}).String()
	pool.Add(addr, c)

	require.Same(t, Connection(c), pool.Get(addr))
}

func TestConnectionPoolDelForgetsConnection(t *testing.T) {
	pool := NewConnectionPool()
	c := &conn{Conn: &net.TCPConn{}}
	addr := "127.0.0.1:5060"

	pool.Add(addr, c)
	pool.Del(addr)

	require.Nil(t, pool.Get(addr))
}

func BenchmarkConnectionPool(b *testing.B) {
	pool := NewConnectionPool()
	for i := 0; i < b.N; i++ {
		c := &conn{Conn: &net.TCPConn{}}
		addr := (&net.TCPAddr{IP: net.IPv4('1', '2', '3', byte(i)), Port: 1000}).String()
		pool.Add(addr, c)
		if pool.Get(addr) != Connection(c) {
			b.Fatal("mismatched connection returned from pool")
		}
	}
}

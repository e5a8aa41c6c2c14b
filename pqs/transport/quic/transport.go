// Package quic carries session datagrams over QUIC unreliable datagrams
// (RFC 9221). QUIC only supplies the path; confidentiality and identity come
// from the session layer above.
package quic

import (
	"context"
	"net"
	"time"

	q "github.com/quic-go/quic-go"
)

// DatagramMTU is the datagram size handed to the session layer. It stays
// under what quic-go accepts in a single DATAGRAM frame before path MTU
// discovery raises the limit.
const DatagramMTU = 1100

func quicConfig() *q.Config {
	return &q.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// Conn is one QUIC connection used as a datagram path.
type Conn struct {
	inner q.Connection
}

// Send transmits one datagram. Delivery is not guaranteed.
func (c *Conn) Send(datagram []byte) error { return c.inner.SendDatagram(datagram) }

// Receive blocks for the next datagram.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) { return c.inner.ReceiveDatagram(ctx) }

func (c *Conn) RemoteAddr() net.Addr { return c.inner.RemoteAddr() }

func (c *Conn) MTU() int { return DatagramMTU }

func (c *Conn) Close() error { return c.inner.CloseWithError(0, "") }

type Listener struct {
	inner *q.Listener
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := NewServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{inner: conn}, nil
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) AddrString() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error { return l.inner.Close() }

func Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsConf, err := NewClientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Conn{inner: conn}, nil
}

// Package session opens shell, copy, and pipe sessions to Ready
// environments through the cloud session broker. The instance has no
// public address; every byte travels over a broker channel.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultPort is the instance port the broker forwards to.
const DefaultPort = 22

// Channel is a raw bidirectional byte stream through the broker.
type Channel interface {
	Send(p []byte) (int, error)
	Receive(p []byte) (int, error)
	Close() error
}

// OpenRequest identifies the instance and credentials for one channel.
type OpenRequest struct {
	InstanceID string
	Region     string
	AWSProfile string
	Port       int
}

// Broker opens channels to instances.
type Broker interface {
	Open(ctx context.Context, req OpenRequest) (Channel, error)
}

// channelConn adapts a Channel to net.Conn for the SSH client.
type channelConn struct {
	ch     Channel
	id     string
	once   sync.Once
	closed error
}

func newConn(ch Channel, instanceID string) *channelConn {
	return &channelConn{ch: ch, id: instanceID}
}

func (c *channelConn) Read(p []byte) (int, error) {
	return c.ch.Receive(p)
}

// Write loops until p is fully sent; channels may accept short writes.
func (c *channelConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := c.ch.Send(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func (c *channelConn) Close() error {
	c.once.Do(func() { c.closed = c.ch.Close() })
	return c.closed
}

func (c *channelConn) LocalAddr() net.Addr  { return brokerAddr("local") }
func (c *channelConn) RemoteAddr() net.Addr { return brokerAddr(c.id) }

// Deadlines are not supported by broker channels; callers bound work with
// contexts instead.
func (c *channelConn) SetDeadline(time.Time) error      { return nil }
func (c *channelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *channelConn) SetWriteDeadline(time.Time) error { return nil }

type brokerAddr string

func (a brokerAddr) Network() string { return "broker" }
func (a brokerAddr) String() string  { return string(a) }

// ErrChannelClosed is returned by channels used after Close.
var ErrChannelClosed = errors.New("channel closed")

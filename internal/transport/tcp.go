package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const defaultDialTimeout = 6 * time.Second

// TCPChannel is a Channel over a raw TCP socket, for UARTs exposed through a
// network serial bridge such as ser2net.
type TCPChannel struct {
	target string

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

func DialTCP(ctx context.Context, host string, port int) (*TCPChannel, error) {
	if host == "" {
		return nil, errors.New("tcp host is empty")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid tcp port: %d", port)
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))
	logger := transportLogger("tcp", "target", target)

	dialer := net.Dialer{Timeout: defaultDialTimeout}
	logger.Info("connecting")
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return nil, fmt.Errorf("dial tcp: %w", err)
	}
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return &TCPChannel{target: target, conn: conn}, nil
}

func (c *TCPChannel) Name() string {
	return "tcp"
}

func (c *TCPChannel) StatusTarget() string {
	return c.target
}

func (c *TCPChannel) Read(buf []byte, timeout time.Duration) (int, error) {
	conn, err := c.currentConn()
	if err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}

	n, err := conn.Read(buf)
	if n > 0 {
		return n, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 0, ErrReadTimeout
	}
	if err != nil {
		return 0, fmt.Errorf("read tcp: %w", err)
	}

	return 0, ErrReadTimeout
}

func (c *TCPChannel) Write(p []byte) (int, error) {
	conn, err := c.currentConn()
	if err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFull(conn.Write, p); err != nil {
		return 0, fmt.Errorf("write tcp: %w", err)
	}

	return len(p), nil
}

func (c *TCPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	transportLogger("tcp", "target", c.target).Info("closed")

	return err
}

func (c *TCPChannel) currentConn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	return c.conn, nil
}

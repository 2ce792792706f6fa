package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const DefaultSerialBaud = 115200

// SerialChannel is a Channel over a local UART.
type SerialChannel struct {
	portName string
	baudRate int

	mu          sync.Mutex
	port        serial.Port
	readTimeout time.Duration
	writeMu     sync.Mutex
}

// OpenSerial opens portName at 8N1 with the given baud rate.
func OpenSerial(portName string, baudRate int) (*SerialChannel, error) {
	portName = strings.TrimSpace(portName)
	logger := transportLogger("serial", "port", portName, "baud", baudRate)
	if portName == "" {
		return nil, errors.New("serial port is empty")
	}
	if baudRate <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", baudRate)
	}

	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		logger.Warn("open failed", "error", err)

		return nil, fmt.Errorf("open serial port %q: %w", portName, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()

		return nil, fmt.Errorf("reset serial input buffer: %w", err)
	}
	logger.Info("opened")

	return &SerialChannel{portName: portName, baudRate: baudRate, port: port}, nil
}

// ListSerialPorts returns the names of serial ports present on the system.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return ports, nil
}

func (c *SerialChannel) Name() string {
	return "serial"
}

func (c *SerialChannel) StatusTarget() string {
	return fmt.Sprintf("%s@%d", c.portName, c.baudRate)
}

func (c *SerialChannel) Read(buf []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return 0, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	if timeout != c.readTimeout {
		if err := c.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("set serial read timeout: %w", err)
		}
		c.readTimeout = timeout
	}

	n, err := c.port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("read serial: %w", err)
	}
	if n == 0 {
		return 0, ErrReadTimeout
	}

	return n, nil
}

func (c *SerialChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFull(port.Write, p); err != nil {
		return 0, fmt.Errorf("write serial: %w", err)
	}

	return len(p), nil
}

func (c *SerialChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	transportLogger("serial", "port", c.portName).Info("closed")

	return err
}

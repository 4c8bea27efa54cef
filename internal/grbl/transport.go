package grbl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrDisconnected reports an unusable link: broken pipe, reset, EOF.
	// The connection manager owns reconnection; transports never retry.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrReadTimeout reports an expired read window. During an exchange the
	// connection manager treats it the same as a disconnect; while draining
	// a banner it just marks the end of pending data.
	ErrReadTimeout = errors.New("read timeout")
)

// Transport is a byte-stream link to the controller. Reads must return once
// at least one byte is available or the configured timeout expires.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(d time.Duration) error
	Close() error
}

// DialFunc opens a Transport. The connection manager calls it for the
// initial connect and on every reconnect attempt.
type DialFunc func(ctx context.Context) (Transport, error)

// DialSerial returns a DialFunc for a serial device at the given baud rate,
// 8N1 framing.
func DialSerial(device string, baud int) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(device, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", device, err)
		}
		return &serialTransport{port: port}, nil
	}
}

// DialTCP returns a DialFunc for a controller reachable over a stream socket.
func DialTCP(host string, port int) DialFunc {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return func(ctx context.Context) (Transport, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &tcpTransport{conn: conn}, nil
	}
}

type serialTransport struct {
	port serial.Port
}

func (t *serialTransport) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if err != nil {
		return n, fmt.Errorf("serial read: %w: %v", ErrDisconnected, err)
	}
	// go.bug.st/serial signals an expired read timeout as a zero-byte read.
	if n == 0 {
		return 0, ErrReadTimeout
	}
	return n, nil
}

func (t *serialTransport) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serial write: %w: %v", ErrDisconnected, err)
	}
	return n, nil
}

func (t *serialTransport) SetReadTimeout(d time.Duration) error {
	return t.port.SetReadTimeout(d)
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

const tcpWriteTimeout = 2 * time.Second

type tcpTransport struct {
	conn        net.Conn
	readTimeout time.Duration
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return 0, fmt.Errorf("tcp read: %w: %v", ErrDisconnected, err)
		}
	}
	n, err := t.conn.Read(p)
	if err != nil {
		if isTimeout(err) {
			return n, ErrReadTimeout
		}
		return n, fmt.Errorf("tcp read: %w: %v", ErrDisconnected, err)
	}
	return n, nil
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout)); err != nil {
		return 0, fmt.Errorf("tcp write: %w: %v", ErrDisconnected, err)
	}
	n, err := t.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("tcp write: %w: %v", ErrDisconnected, err)
	}
	return n, nil
}

func (t *tcpTransport) SetReadTimeout(d time.Duration) error {
	t.readTimeout = d
	return nil
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// lineReader frames the byte stream into terminator-stripped lines. Each call
// consumes exactly one terminated record and is bounded by the deadline —
// never read-until-EOF.
type lineReader struct {
	t       Transport
	buf     []byte
	scratch [256]byte
}

func newLineReader(t Transport) *lineReader {
	return &lineReader{t: t}
}

// ReadLine returns the next line without its terminator. \r\n and bare \n
// both terminate; a lone \r before the terminator is stripped.
func (r *lineReader) ReadLine(deadline time.Time) (string, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := string(bytes.TrimRight(r.buf[:i], "\r"))
			rest := len(r.buf) - i - 1
			copy(r.buf, r.buf[i+1:])
			r.buf = r.buf[:rest]
			return line, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrReadTimeout
		}
		if err := r.t.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("set read timeout: %w: %v", ErrDisconnected, err)
		}
		n, err := r.t.Read(r.scratch[:])
		if err != nil {
			return "", err
		}
		r.buf = append(r.buf, r.scratch[:n]...)
	}
}

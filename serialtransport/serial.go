// Package serialtransport adapts a real serial port (go.bug.st/serial) to
// transport.ByteTransport, the only transport.ByteTransport implementation
// in this module backed by actual hardware rather than an in-memory pipe.
package serialtransport

import (
	"bufio"
	"time"

	"go.bug.st/serial"

	"github.com/xx25/go-serialxfer/transport"
)

const bufSize = 4096

// Transport wraps an open serial.Port as a transport.ByteTransport.
//
// go.bug.st/serial models a hardware read timeout differently than net.Conn:
// Port.Read returns (0, nil) when the timeout elapses with no data, not an
// error. timeoutReader below translates that convention into
// transport.ErrTimedOut before bufio ever sees it, so the rest of this type
// can reuse the same bufio.Reader-based shape as transport.BufferedTransport.
type Transport struct {
	port serial.Port
	tr   *timeoutReader
	r    *bufio.Reader
	w    *bufio.Writer

	cancel chan struct{}
}

// Open opens name at the given baud rate and wraps it as a Transport.
func Open(name string, baudRate int) (*Transport, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	return New(port), nil
}

// New wraps an already-open serial.Port.
func New(port serial.Port) *Transport {
	tr := &timeoutReader{port: port}
	return &Transport{
		port:   port,
		tr:     tr,
		r:      bufio.NewReaderSize(tr, bufSize),
		w:      bufio.NewWriterSize(port, bufSize),
		cancel: make(chan struct{}, 1),
	}
}

// Close releases the underlying serial port.
func (t *Transport) Close() error {
	return t.port.Close()
}

func (t *Transport) Read(timeout time.Duration) (byte, error) {
	select {
	case <-t.cancel:
		return 0, transport.ErrCanceled
	default:
	}
	if t.r.Buffered() == 0 {
		t.tr.timeout = timeout
	}
	b, err := t.r.ReadByte()
	if err != nil {
		return 0, err
	}
	return b, nil
}

func (t *Transport) ReadInto(buf []byte, timeout time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	b, err := t.Read(timeout)
	if err != nil {
		return 0, err
	}
	buf[0] = b
	n := 1
	for n < len(buf) && t.r.Buffered() > 0 {
		c, err := t.r.ReadByte()
		if err != nil {
			return n, nil
		}
		buf[n] = c
		n++
	}
	return n, nil
}

func (t *Transport) WriteAll(p []byte) error {
	_, err := t.w.Write(p)
	return err
}

func (t *Transport) Flush() error {
	return t.w.Flush()
}

func (t *Transport) Available() int {
	return t.r.Buffered()
}

func (t *Transport) Skip(n int) int {
	avail := t.r.Buffered()
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return 0
	}
	discarded, _ := t.r.Discard(n)
	return discarded
}

// CancelRead unblocks a currently-blocked Read by signaling the cancel
// channel; the in-flight port.Read still has to return on its own timeout
// first, since go.bug.st/serial has no read-interrupt primitive, but the
// next Transport.Read call observes the cancellation immediately.
func (t *Transport) CancelRead() {
	select {
	case t.cancel <- struct{}{}:
	default:
	}
}

// timeoutReader adapts serial.Port's "(0, nil) on timeout" convention into
// the io.Reader contract transport.ErrTimedOut expects: a real error.
type timeoutReader struct {
	port    serial.Port
	timeout time.Duration
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	if err := r.port.SetReadTimeout(r.timeout); err != nil {
		return 0, err
	}
	n, err := r.port.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, transport.ErrTimedOut
	}
	return n, nil
}

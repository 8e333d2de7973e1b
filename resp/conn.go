// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package resp

import (
	"bufio"
	"io"
	"net"

	"github.com/pkg/errors"
)

// readBufSize is the initial read buffer capacity. The buffer grows when a
// single frame exceeds it.
const readBufSize = 4096

// ErrReset reports a stream that ended in the middle of a frame.
var ErrReset = errors.New("resp: connection reset by peer")

// Conn decorates a byte stream with the RESP codec: an incrementally filled
// read buffer on one side and a buffered writer on the other.
//
// Conn is not safe for concurrent use. Reads and writes may be issued from
// different goroutines, but at most one of each at a time.
type Conn struct {
	conn net.Conn

	// unconsumed received bytes
	buf []byte

	w *bufio.Writer
	// encode scratch, reused across WriteFrame calls
	enc []byte
}

// NewConn wraps an established stream.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		buf:  make([]byte, 0, readBufSize),
		w:    bufio.NewWriter(conn),
	}
}

// RemoteAddr returns the peer address of the underlying stream.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the underlying stream. Any blocked ReadFrame returns.
func (c *Conn) Close() error { return c.conn.Close() }

// ReadFrame returns the next frame from the stream. A clean end of stream
// yields io.EOF; an end of stream with a partial frame buffered yields
// ErrReset. Malformed input yields an ErrProtocol wrap and poisons the
// connection.
func (c *Conn) ReadFrame() (Frame, error) {
	for {
		if len(c.buf) > 0 {
			end, err := checkFrame(c.buf, 0)
			switch {
			case err == nil:
				f, n, err := parseFrame(c.buf, 0)
				if err != nil {
					return nil, err
				}
				if n != end {
					return nil, errors.Wrap(ErrProtocol, "parse and check disagree")
				}
				c.buf = c.buf[:copy(c.buf, c.buf[end:])]
				return f, nil
			case err == errIncomplete:
				// fall through to the read below
			default:
				return nil, err
			}
		}

		if len(c.buf) == cap(c.buf) {
			grown := make([]byte, len(c.buf), 2*cap(c.buf))
			copy(grown, c.buf)
			c.buf = grown
		}
		n, err := c.conn.Read(c.buf[len(c.buf):cap(c.buf)])
		c.buf = c.buf[:len(c.buf)+n]
		if err != nil {
			if err == io.EOF {
				if len(c.buf) == 0 {
					return nil, io.EOF
				}
				return nil, ErrReset
			}
			return nil, errors.WithStack(err)
		}
	}
}

// WriteFrame encodes one frame and flushes the buffered writer so the peer
// observes the reply.
func (c *Conn) WriteFrame(f Frame) error {
	enc, err := appendFrame(c.enc[:0], f)
	if err != nil {
		return err
	}
	c.enc = enc
	if _, err := c.w.Write(enc); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.w.Flush())
}

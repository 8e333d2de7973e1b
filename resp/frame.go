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

// Package resp implements the RESP wire format: a tagged frame codec over a
// buffered byte stream.
package resp

import (
	"strconv"

	"github.com/pkg/errors"
)

const (
	// SizeMax caps the declared length of a bulk string. Larger declarations
	// are treated as a protocol violation rather than an allocation request.
	SizeMax = 512 << 20

	// ElementMax caps the declared element count of an array header.
	ElementMax = 1 << 20
)

// ErrProtocol signals malformed RESP reception. It is fatal to the
// connection that produced it.
var ErrProtocol = errors.New("resp: protocol violation")

// errIncomplete reports that the buffer does not yet hold a whole frame.
// More bytes must be read from the transport before retrying.
var errIncomplete = errors.New("resp: incomplete frame")

// Frame is one unit of RESP: a simple string, an error string, an unsigned
// integer, a length-prefixed bulk, the null bulk, or an array of frames.
type Frame interface {
	frame()
}

// Simple is the "+" line frame. It must not contain CR or LF.
type Simple string

// Error is the "-" line frame, carrying a server error message.
type Error string

// Integer is the ":" frame.
type Integer uint64

// Bulk is the "$" frame: binary-safe, length-prefixed bytes.
type Bulk []byte

// Null is the null bulk "$-1".
type Null struct{}

// Array is the "*" frame. The codec decodes arrays at any depth but only
// encodes one level; servers never emit nested arrays.
type Array []Frame

func (Simple) frame()  {}
func (Error) frame()   {}
func (Integer) frame() {}
func (Bulk) frame()    {}
func (Null) frame()    {}
func (Array) frame()   {}

// checkFrame scans buf from pos for one complete frame without allocating.
// It returns the offset just past the frame, errIncomplete when more bytes
// are needed, or a protocol error.
func checkFrame(buf []byte, pos int) (int, error) {
	if pos >= len(buf) {
		return 0, errIncomplete
	}

	switch buf[pos] {
	case '+', '-':
		_, next, err := readLine(buf, pos+1)
		return next, err
	case ':':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return 0, err
		}
		if _, err := parseDecimal(line); err != nil {
			return 0, err
		}
		return next, nil
	case '$':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return 0, err
		}
		if len(line) > 0 && line[0] == '-' {
			// null bulk; -1 is the only legal negative length
			if string(line) != "-1" {
				return 0, errors.Wrapf(ErrProtocol, "bad bulk length %q", line)
			}
			return next, nil
		}
		size, err := parseDecimal(line)
		if err != nil {
			return 0, err
		}
		if size > SizeMax {
			return 0, errors.Wrapf(ErrProtocol, "bulk of %d bytes exceeds limit", size)
		}
		end := next + int(size) + 2
		if end > len(buf) {
			return 0, errIncomplete
		}
		if buf[end-2] != '\r' || buf[end-1] != '\n' {
			return 0, errors.Wrap(ErrProtocol, "bulk payload not CRLF terminated")
		}
		return end, nil
	case '*':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return 0, err
		}
		size, err := parseDecimal(line)
		if err != nil {
			return 0, err
		}
		if size > ElementMax {
			return 0, errors.Wrapf(ErrProtocol, "array of %d elements exceeds limit", size)
		}
		for i := uint64(0); i < size; i++ {
			next, err = checkFrame(buf, next)
			if err != nil {
				return 0, err
			}
		}
		return next, nil
	}
	return 0, errors.Wrapf(ErrProtocol, "illegal leading byte %q", buf[pos])
}

// parseFrame decodes one frame starting at pos. The caller must have
// validated the region with checkFrame first; buffered bulk payloads are
// copied out so the read buffer can be reclaimed.
func parseFrame(buf []byte, pos int) (Frame, int, error) {
	switch buf[pos] {
	case '+':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return nil, 0, err
		}
		return Simple(line), next, nil
	case '-':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return nil, 0, err
		}
		return Error(line), next, nil
	case ':':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return nil, 0, err
		}
		v, err := parseDecimal(line)
		if err != nil {
			return nil, 0, err
		}
		return Integer(v), next, nil
	case '$':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return nil, 0, err
		}
		if len(line) > 0 && line[0] == '-' {
			if string(line) != "-1" {
				return nil, 0, errors.Wrapf(ErrProtocol, "bad bulk length %q", line)
			}
			return Null{}, next, nil
		}
		size, err := parseDecimal(line)
		if err != nil {
			return nil, 0, err
		}
		end := next + int(size)
		// non-nil even when empty, so an empty bulk stays distinct from Null
		data := make([]byte, size)
		copy(data, buf[next:end])
		return Bulk(data), end + 2, nil
	case '*':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return nil, 0, err
		}
		size, err := parseDecimal(line)
		if err != nil {
			return nil, 0, err
		}
		array := make(Array, 0, size)
		for i := uint64(0); i < size; i++ {
			var f Frame
			f, next, err = parseFrame(buf, next)
			if err != nil {
				return nil, 0, err
			}
			array = append(array, f)
		}
		return array, next, nil
	}
	return nil, 0, errors.Wrapf(ErrProtocol, "illegal leading byte %q", buf[pos])
}

// readLine scans for the next CRLF and returns the line body without the
// terminator, plus the offset just past it.
func readLine(buf []byte, pos int) ([]byte, int, error) {
	for i := pos; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return buf[pos:i], i + 2, nil
		}
	}
	return nil, 0, errIncomplete
}

// parseDecimal converts an ASCII unsigned decimal. No sign, no leading
// zeros beyond a lone "0", no overflow.
func parseDecimal(line []byte) (uint64, error) {
	if len(line) == 0 {
		return 0, errors.Wrap(ErrProtocol, "empty decimal")
	}
	if line[0] == '0' && len(line) > 1 {
		return 0, errors.Wrapf(ErrProtocol, "padded decimal %q", line)
	}
	var v uint64
	for _, c := range line {
		if c < '0' || c > '9' {
			return 0, errors.Wrapf(ErrProtocol, "bad decimal %q", line)
		}
		d := uint64(c - '0')
		if v > (1<<64-1-d)/10 {
			return 0, errors.Wrapf(ErrProtocol, "decimal %q overflows", line)
		}
		v = v*10 + d
	}
	return v, nil
}

// appendFrame encodes one top-level frame. Array elements are encoded one
// level deep only; a nested array is a caller bug.
func appendFrame(buf []byte, f Frame) ([]byte, error) {
	if array, ok := f.(Array); ok {
		buf = append(buf, '*')
		buf = strconv.AppendUint(buf, uint64(len(array)), 10)
		buf = append(buf, '\r', '\n')
		for _, entry := range array {
			var err error
			buf, err = appendValue(buf, entry)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return appendValue(buf, f)
}

func appendValue(buf []byte, f Frame) ([]byte, error) {
	switch f := f.(type) {
	case Simple:
		buf = append(buf, '+')
		buf = append(buf, f...)
		buf = append(buf, '\r', '\n')
	case Error:
		buf = append(buf, '-')
		buf = append(buf, f...)
		buf = append(buf, '\r', '\n')
	case Integer:
		buf = append(buf, ':')
		buf = strconv.AppendUint(buf, uint64(f), 10)
		buf = append(buf, '\r', '\n')
	case Bulk:
		buf = append(buf, '$')
		buf = strconv.AppendUint(buf, uint64(len(f)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, f...)
		buf = append(buf, '\r', '\n')
	case Null:
		buf = append(buf, "$-1\r\n"...)
	case Array:
		return nil, errors.New("resp: nested array encoding is unsupported")
	default:
		return nil, errors.Errorf("resp: cannot encode %T", f)
	}
	return buf, nil
}

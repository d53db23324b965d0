package prun

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/GermanZvezdin/prun/lib/shm"
)

// MaxScriptSize bounds script bodies and, with them, frame payloads.
// One byte of the slot is reserved so a script always fits its slot.
const MaxScriptSize = shm.BlockSize - 1

// maxHeaderLen bounds the decimal length header. MaxScriptSize has 6
// digits; JSON overhead never pushes a valid payload past 7.
const maxHeaderLen = 8

// RequestCodec parses one length-prefixed request from a stream socket.
// The wire format is an ASCII decimal length, LF, then exactly that
// many payload bytes. It is not safe for concurrent use; keep one
// instance per connection.
type RequestCodec struct {
	header  []byte
	payload []byte
	rest    []byte
	length  int
	framed  bool
	err     error
}

// OnChunk feeds bytes read from the socket into the codec.
// It returns the parse error, if any. Once an error is returned the
// codec stays failed until Reset.
func (c *RequestCodec) OnChunk(p []byte) error {
	if c.err != nil {
		return c.err
	}
	for len(p) > 0 {
		if c.framed {
			need := c.length - len(c.payload)
			if need <= 0 {
				// bytes past the frame belong to the next request
				c.rest = append(c.rest, p...)
				return nil
			}
			if len(p) < need {
				need = len(p)
			}
			c.payload = append(c.payload, p[:need]...)
			p = p[need:]
			continue
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			c.header = append(c.header, p...)
			if len(c.header) > maxHeaderLen {
				c.err = fmt.Errorf("%s: header of %d bytes", ErrMalformedHeader, len(c.header))
				return c.err
			}
			return nil
		}
		c.header = append(c.header, p[:i]...)
		p = p[i+1:]
		n, err := strconv.Atoi(string(c.header))
		if err != nil || n < 0 || n > MaxScriptSize {
			c.err = fmt.Errorf("%s: %q", ErrMalformedHeader, string(c.header))
			return c.err
		}
		c.length = n
		c.framed = true
		c.payload = make([]byte, 0, n)
	}
	return nil
}

// IsComplete reports whether a full request has been read.
func (c *RequestCodec) IsComplete() bool {
	return c.err == nil && c.framed && len(c.payload) >= c.length
}

// Payload returns the request payload. It is only meaningful once
// IsComplete reports true.
func (c *RequestCodec) Payload() []byte {
	return c.payload
}

// Remainder returns bytes received past the complete frame; they
// belong to the next request on the connection.
func (c *RequestCodec) Remainder() []byte {
	return c.rest
}

// Reset makes the codec ready for the next request on the connection.
func (c *RequestCodec) Reset() {
	c.header = c.header[:0]
	c.payload = nil
	c.rest = nil
	c.length = 0
	c.framed = false
	c.err = nil
}

// EncodeFrame wraps a payload in the wire frame.
func EncodeFrame(payload []byte) []byte {
	head := strconv.Itoa(len(payload))
	buf := make([]byte, 0, len(head)+1+len(payload))
	buf = append(buf, head...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	return buf
}

// ReadFrame reads one framed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var c RequestCodec
	buf := make([]byte, 1024)
	for !c.IsComplete() {
		n, err := r.Read(buf)
		if n > 0 {
			if cerr := c.OnChunk(buf[:n]); cerr != nil {
				return nil, cerr
			}
		}
		if err != nil {
			if err == io.EOF && c.IsComplete() {
				break
			}
			return nil, err
		}
	}
	return c.Payload(), nil
}

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeFrame(payload))
	return err
}

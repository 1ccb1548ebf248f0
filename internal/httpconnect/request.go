// Package httpconnect reads and parses the single HTTP CONNECT request a
// client sends before its tunnel is established, and writes the fixed
// responses the proxy sends back.
package httpconnect

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
)

const (
	// MaxRequestSize bounds the header block. Larger requests are rejected,
	// never truncated.
	MaxRequestSize = 2048

	// MaxHeaders is the most header lines a CONNECT request may carry.
	MaxHeaders = 16
)

var (
	ErrNoRequest        = errors.New("no http request")
	ErrRequestTooLarge  = errors.New("http request too large")
	ErrTooManyHeaders   = errors.New("too many http headers")
	ErrMalformedRequest = errors.New("failed to parse http request")
	ErrNotConnect       = errors.New("http request not CONNECT")
	ErrNoTarget         = errors.New("http request without target")
)

var terminator = []byte("\r\n\r\n")

// Request is a parsed CONNECT request.
type Request struct {
	// Target is the request-target exactly as sent, normally host:port.
	Target string

	// Pending holds bytes the client sent after the header block in the same
	// reads. They belong to the tunnel.
	Pending []byte
}

// ReadRequest reads from r until a complete header block ending in
// "\r\n\r\n" has arrived and parses it. End of stream before the terminator
// is ErrNoRequest; filling MaxRequestSize first is ErrRequestTooLarge.
func ReadRequest(r io.Reader) (*Request, error) {
	buf := make([]byte, MaxRequestSize)
	n := 0
	for {
		if n == len(buf) {
			return nil, ErrRequestTooLarge
		}

		m, err := r.Read(buf[n:])
		// The terminator may straddle the previous read.
		from := max(n-len(terminator)+1, 0)
		n += m

		if i := bytes.Index(buf[from:n], terminator); i >= 0 {
			end := from + i + len(terminator)
			req, perr := Parse(buf[:end])
			if perr != nil {
				return nil, perr
			}
			if end < n {
				req.Pending = bytes.Clone(buf[end:n])
			}
			return req, nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrNoRequest
			}
			return nil, fmt.Errorf("read http request: %w", err)
		}
	}
}

// Parse parses a complete header block: an HTTP/1.x request line followed by
// header lines and a blank line. Only the CONNECT method is accepted. The
// target is not validated; a bad address fails at the allowlist or the dial.
func Parse(block []byte) (*Request, error) {
	// Request line, each header line, and the final blank line each end in
	// CRLF.
	if bytes.Count(block, []byte("\r\n"))-2 > MaxHeaders {
		return nil, ErrTooManyHeaders
	}

	line, rest, _ := bytes.Cut(block, []byte("\r\n"))
	method, rest1, ok := bytes.Cut(line, []byte(" "))
	if !ok {
		return nil, fmt.Errorf("%w: bad request line", ErrMalformedRequest)
	}
	if string(method) != http.MethodConnect {
		return nil, ErrNotConnect
	}
	target, proto, ok := bytes.Cut(rest1, []byte(" "))
	if !ok || bytes.IndexByte(proto, ' ') >= 0 {
		return nil, fmt.Errorf("%w: bad request line", ErrMalformedRequest)
	}
	if major, _, ok := http.ParseHTTPVersion(string(proto)); !ok || major != 1 {
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrMalformedRequest, proto)
	}
	if len(target) == 0 {
		return nil, ErrNoTarget
	}

	// Header fields must be well-formed, but none of them change how the
	// tunnel is set up.
	if _, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(rest))).ReadMIMEHeader(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	return &Request{Target: string(target)}, nil
}

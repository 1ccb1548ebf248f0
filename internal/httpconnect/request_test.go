package httpconnect

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestReadRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         string
		wantTarget string
		wantErr    error
	}{
		{
			name:       "connect with host",
			in:         "CONNECT allowed.example.com:443 HTTP/1.1\r\nHost: allowed.example.com:443\r\n\r\n",
			wantTarget: "allowed.example.com:443",
		},
		{
			name:       "no headers",
			in:         "CONNECT 10.0.0.1:22 HTTP/1.0\r\n\r\n",
			wantTarget: "10.0.0.1:22",
		},
		{
			name:       "ipv6 literal",
			in:         "CONNECT [::1]:8443 HTTP/1.1\r\n\r\n",
			wantTarget: "[::1]:8443",
		},
		{
			name:       "target returned verbatim",
			in:         "CONNECT Example.COM.:443 HTTP/1.1\r\n\r\n",
			wantTarget: "Example.COM.:443",
		},
		{
			name:       "target without port is not validated here",
			in:         "CONNECT example.com HTTP/1.1\r\n\r\n",
			wantTarget: "example.com",
		},
		{
			name:       "non-numeric port",
			in:         "CONNECT example.com:abc HTTP/1.1\r\n\r\n",
			wantTarget: "example.com:abc",
		},
		{
			name:       "service name port",
			in:         "CONNECT example.com:https HTTP/1.1\r\nHost: example.com:https\r\n\r\n",
			wantTarget: "example.com:https",
		},
		{
			name:       "percent sequence kept",
			in:         "CONNECT host:%zz HTTP/1.1\r\n\r\n",
			wantTarget: "host:%zz",
		},
		{
			name:       "duplicate content-length",
			in:         "CONNECT a.example:443 HTTP/1.1\r\nContent-Length: 0\r\nContent-Length: 5\r\n\r\n",
			wantTarget: "a.example:443",
		},
		{
			name:       "trailing bytes kept for tunnel",
			in:         "CONNECT a.example:443 HTTP/1.1\r\n\r\n\x16\x03\x01",
			wantTarget: "a.example:443",
		},
		{
			name:    "get is rejected",
			in:      "GET / HTTP/1.1\r\n\r\n",
			wantErr: ErrNotConnect,
		},
		{
			name:    "method is case sensitive",
			in:      "connect a.example:443 HTTP/1.1\r\n\r\n",
			wantErr: ErrNotConnect,
		},
		{
			name:    "garbage request line",
			in:      "hello\r\n\r\n",
			wantErr: ErrMalformedRequest,
		},
		{
			name:    "empty target",
			in:      "CONNECT  HTTP/1.1\r\n\r\n",
			wantErr: ErrNoTarget,
		},
		{
			name:    "missing version",
			in:      "CONNECT a.example:443\r\n\r\n",
			wantErr: ErrMalformedRequest,
		},
		{
			name:    "extra request line field",
			in:      "CONNECT a.example:443 HTTP/1.1 x\r\n\r\n",
			wantErr: ErrMalformedRequest,
		},
		{
			name:    "header line without colon",
			in:      "CONNECT a.example:443 HTTP/1.1\r\nnot a header\r\n\r\n",
			wantErr: ErrMalformedRequest,
		},
		{
			name:    "not http/1",
			in:      "CONNECT a.example:443 HTTP/2.0\r\n\r\n",
			wantErr: ErrMalformedRequest,
		},
		{
			name:    "eof before terminator",
			in:      "CONNECT a.example:443 HTTP/1.1\r\nHost: a.example:443\r\n",
			wantErr: ErrNoRequest,
		},
		{
			name:    "empty stream",
			in:      "",
			wantErr: ErrNoRequest,
		},
		{
			name:    "oversized header block",
			in:      "CONNECT a.example:443 HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", MaxRequestSize) + "\r\n\r\n",
			wantErr: ErrRequestTooLarge,
		},
		{
			name:    "too many headers",
			in:      "CONNECT a.example:443 HTTP/1.1\r\n" + strings.Repeat("X-A: b\r\n", MaxHeaders+1) + "\r\n",
			wantErr: ErrTooManyHeaders,
		},
		{
			name:       "header limit is inclusive",
			in:         "CONNECT a.example:443 HTTP/1.1\r\n" + strings.Repeat("X-A: b\r\n", MaxHeaders) + "\r\n",
			wantTarget: "a.example:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// One byte per read so the terminator search crosses read
			// boundaries.
			for _, r := range []io.Reader{strings.NewReader(tt.in), iotest.OneByteReader(strings.NewReader(tt.in))} {
				req, err := ReadRequest(r)
				if tt.wantErr != nil {
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("got err %v want %v", err, tt.wantErr)
					}
					continue
				}
				if err != nil {
					t.Fatal(err)
				}
				if req.Target != tt.wantTarget {
					t.Fatalf("target %q want %q", req.Target, tt.wantTarget)
				}
			}
		})
	}
}

func TestReadRequestPending(t *testing.T) {
	t.Parallel()

	in := "CONNECT a.example:443 HTTP/1.1\r\nHost: a.example:443\r\n\r\nearly data"
	req, err := ReadRequest(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if string(req.Pending) != "early data" {
		t.Fatalf("pending %q", req.Pending)
	}
}

func TestReadRequestReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("CONNECT a.example:443"), iotest.ErrReader(boom))
	if _, err := ReadRequest(r); !errors.Is(err, boom) {
		t.Fatalf("got %v want %v", err, boom)
	}
}

func TestWriteResponses(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteEstablished(&buf); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "HTTP/1.0 200 Connection Established\r\n\r\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	buf.Reset()
	if err := WriteForbidden(&buf); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "HTTP/1.0 403 Forbidden\r\n\r\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

package httpconnect

import (
	"fmt"
	"io"
)

const (
	establishedResponse = "HTTP/1.0 200 Connection Established\r\n\r\n"
	forbiddenResponse   = "HTTP/1.0 403 Forbidden\r\n\r\n"
)

// WriteEstablished tells the client its tunnel is open. Everything after it
// on the stream is relayed bytes.
func WriteEstablished(w io.Writer) error {
	if _, err := io.WriteString(w, establishedResponse); err != nil {
		return fmt.Errorf("write 200 response: %w", err)
	}
	return nil
}

// WriteForbidden tells the client its target is not on the allowlist.
func WriteForbidden(w io.Writer) error {
	if _, err := io.WriteString(w, forbiddenResponse); err != nil {
		return fmt.Errorf("write 403 response: %w", err)
	}
	return nil
}

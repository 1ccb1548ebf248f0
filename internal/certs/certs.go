// Package certs loads the PEM certificate chain and private key used to
// terminate TLS on the client side of the proxy.
//
// Both files are read once at startup. Any failure here is fatal to startup
// and is never retried per connection.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	ErrNoPrivateKey       = errors.New("no private key found")
	ErrMultiplePrivateKey = errors.New("more than one private key found")
	ErrNoCertificate      = errors.New("no certificate found")
	ErrKeyMismatch        = errors.New("private key does not match certificate")
)

// LoadError reports a failure to load certificate material from Path.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadCertificateChain returns the DER bytes of every CERTIFICATE block in
// the PEM file at path, in file order. Other block types are skipped.
func LoadCertificateChain(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var chain [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("invalid X509 certificate: %w", err)}
		}
		chain = append(chain, block.Bytes)
	}
	return chain, nil
}

// LoadPrivateKey returns the single private key in the PEM file at path.
// PKCS#8, PKCS#1 and SEC 1 encodings are accepted; zero keys or more than
// one key is an error.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var key crypto.Signer
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		k, err := parsePrivateKey(block)
		if err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
		if k == nil {
			continue
		}
		if key != nil {
			return nil, &LoadError{Path: path, Err: ErrMultiplePrivateKey}
		}
		key = k
	}

	if key == nil {
		return nil, &LoadError{Path: path, Err: ErrNoPrivateKey}
	}
	return key, nil
}

// parsePrivateKey returns nil, nil for blocks that aren't private keys.
func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("bad private key: %w", err)
		}
		switch k := k.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("bad private key: unsupported type %T", k)
		}
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("bad private key: %w", err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("bad private key: %w", err)
		}
		return k, nil
	default:
		return nil, nil
	}
}

// NewServerTLSConfig loads the chain and key and builds the server-side TLS
// configuration shared by every handshake. Client certificates are not
// requested.
func NewServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	chain, err := LoadCertificateChain(certPath)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, &LoadError{Path: certPath, Err: ErrNoCertificate}
	}

	key, err := LoadPrivateKey(keyPath)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, &LoadError{Path: certPath, Err: err}
	}
	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(key.Public()) {
		return nil, fmt.Errorf("tls server config: %w", ErrKeyMismatch)
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		Certificates: []tls.Certificate{{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        leaf,
		}},
	}, nil
}

package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/die-net/connect-proxy/internal/testutil"
)

func TestNewServerTLSConfig(t *testing.T) {
	t.Parallel()

	certPath, keyPath, _ := testutil.WriteSelfSignedCert(t, t.TempDir())

	cfg, err := NewServerTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates", len(cfg.Certificates))
	}
	if len(cfg.Certificates[0].Certificate) != 1 {
		t.Fatalf("got chain length %d", len(cfg.Certificates[0].Certificate))
	}
}

func TestLoadCertificateChainOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certA, _, _ := testutil.WriteSelfSignedCert(t, mkdir(t, dir, "a"))
	certB, _, _ := testutil.WriteSelfSignedCert(t, mkdir(t, dir, "b"))

	a := readDER(t, certA)
	b := readDER(t, certB)
	path := filepath.Join(dir, "chain.pem")
	testutil.WritePEM(t, path,
		&pem.Block{Type: "CERTIFICATE", Bytes: a},
		&pem.Block{Type: "COMMENT", Bytes: []byte("ignored")},
		&pem.Block{Type: "CERTIFICATE", Bytes: b},
	)

	chain, err := LoadCertificateChain(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("got %d certificates", len(chain))
	}
	if string(chain[0]) != string(a) || string(chain[1]) != string(b) {
		t.Fatal("chain out of order")
	}
}

func TestLoadCertificateChainErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := LoadCertificateChain(filepath.Join(dir, "missing.pem"))
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %v", err)
	}

	bad := filepath.Join(dir, "bad.pem")
	testutil.WritePEM(t, bad, &pem.Block{Type: "CERTIFICATE", Bytes: []byte("garbage")})
	if _, err := LoadCertificateChain(bad); err == nil {
		t.Fatal("expected error for invalid certificate")
	}

	empty := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	chain, err := LoadCertificateChain(empty)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 0 {
		t.Fatalf("got %d certificates", len(chain))
	}
	if _, err := NewServerTLSConfig(empty, empty); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("expected ErrNoCertificate, got %v", err)
	}
}

func TestLoadPrivateKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	k1 := newECDSAKey(t)
	k2 := newECDSAKey(t)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(k1)
	if err != nil {
		t.Fatal(err)
	}
	sec1, err := x509.MarshalECPrivateKey(k2)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		blocks  []*pem.Block
		wantErr error
	}{
		{name: "pkcs8", blocks: []*pem.Block{{Type: "PRIVATE KEY", Bytes: pkcs8}}},
		{name: "sec1", blocks: []*pem.Block{{Type: "EC PRIVATE KEY", Bytes: sec1}}},
		{name: "with certificate block", blocks: []*pem.Block{{Type: "CERTIFICATE", Bytes: []byte("x")}, {Type: "PRIVATE KEY", Bytes: pkcs8}}},
		{name: "none", blocks: []*pem.Block{{Type: "CERTIFICATE", Bytes: []byte("x")}}, wantErr: ErrNoPrivateKey},
		{name: "two", blocks: []*pem.Block{{Type: "PRIVATE KEY", Bytes: pkcs8}, {Type: "EC PRIVATE KEY", Bytes: sec1}}, wantErr: ErrMultiplePrivateKey},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "key"+string(rune('a'+i))+".pem")
			testutil.WritePEM(t, path, tt.blocks...)

			key, err := LoadPrivateKey(path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if key == nil {
				t.Fatal("got nil key")
			}
		})
	}

	path := filepath.Join(dir, "corrupt.pem")
	testutil.WritePEM(t, path, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte("garbage")})
	if _, err := LoadPrivateKey(path); err == nil {
		t.Fatal("expected error for corrupt key")
	}
}

func TestNewServerTLSConfigKeyMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath, _, _ := testutil.WriteSelfSignedCert(t, dir)

	der, err := x509.MarshalPKCS8PrivateKey(newECDSAKey(t))
	if err != nil {
		t.Fatal(err)
	}
	otherKey := filepath.Join(dir, "other.pem")
	testutil.WritePEM(t, otherKey, &pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if _, err := NewServerTLSConfig(certPath, otherKey); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func newECDSAKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func mkdir(t *testing.T, parent, name string) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func readDER(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatalf("no PEM block in %s", path)
	}
	return block.Bytes
}

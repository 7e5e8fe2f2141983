package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return pem.EncodeToMemory(block), key
}

func TestNewDisabled(t *testing.T) {
	signer, err := New(Options{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if signer != nil {
		t.Fatalf("expected nil signer when nothing is configured")
	}
	// A nil signer passes messages through.
	msg := []byte("From: a@x\r\n\r\nbody")
	out, err := signer.Sign(msg, "a@x")
	if err != nil || string(out) != string(msg) {
		t.Fatalf("nil signer should be a no-op")
	}
}

func TestNewRequiresSelector(t *testing.T) {
	pemData, _ := testKeyPEM(t)
	if _, err := New(Options{PrivateKey: string(pemData)}); !errors.Is(err, ErrSelectorRequired) {
		t.Fatalf("expected ErrSelectorRequired, got %v", err)
	}
	if _, err := New(Options{Selector: "s1"}); err == nil {
		t.Fatalf("expected error without key material")
	}
	if _, err := New(Options{Selector: "s1", PrivateKey: "not pem"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNewFromKeyPath(t *testing.T) {
	pemData, _ := testKeyPEM(t)
	path := filepath.Join(t.TempDir(), "dkim.pem")
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	signer, err := New(Options{Selector: "s1", KeyPath: path, Domain: "Example.COM"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if signer.Selector() != "s1" || signer.Domain() != "example.com" {
		t.Fatalf("unexpected signer settings %q/%q", signer.Selector(), signer.Domain())
	}
}

func TestSignerSignAddsHeader(t *testing.T) {
	pemData, _ := testKeyPEM(t)
	signer, err := New(Options{Selector: "test", PrivateKey: string(pemData)})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	raw := "From: sender@example.com\nSubject: Test\n\nBody\n"
	signed, err := signer.Sign([]byte(raw), "<sender@Example.com>")
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	payload := string(signed)
	if !strings.HasPrefix(payload, "DKIM-Signature:") {
		t.Fatalf("expected DKIM-Signature header, got %q", payload)
	}
	if !strings.Contains(payload, "d=example.com") || !strings.Contains(payload, "s=test") {
		t.Fatalf("expected sender domain and selector in signature, got %q", payload)
	}
	if !strings.Contains(payload, "\r\nFrom: sender@example.com") {
		t.Fatalf("expected CRLF normalized output, got %q", payload)
	}
}

func TestSignerRejectsUnknownDomain(t *testing.T) {
	pemData, _ := testKeyPEM(t)
	signer, err := New(Options{Selector: "test", PrivateKey: string(pemData)})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := signer.Sign([]byte("From: nobody\r\n\r\nx"), "nobody"); err == nil {
		t.Fatalf("expected error when the signing domain cannot be determined")
	}
}

func TestSignerSkipsWhenHeaderPresent(t *testing.T) {
	pemData, _ := testKeyPEM(t)
	signer, err := New(Options{Selector: "test", PrivateKey: string(pemData)})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	raw := "DKIM-Signature: existing\r\nFrom: sender@example.com\r\n\r\nBody\r\n"
	signed, err := signer.Sign([]byte(raw), "sender@example.com")
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if string(signed) != raw {
		t.Fatalf("expected message to remain unchanged when signature exists")
	}
}


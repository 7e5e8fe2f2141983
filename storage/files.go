// Package storage keeps undeliverable mail and rejected batches on disk for
// operator inspection.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mailbridge/internal/email"
)

const (
	failedDir   = "failed"
	rejectedDir = "rejected"
)

// Spool writes files under a base directory, one subdirectory per UTC day.
type Spool struct {
	baseDir string
	now     func() time.Time
	newID   func() string
}

// NewSpool returns a spool rooted at dir.
func NewSpool(dir string) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("spool: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return &Spool{baseDir: dir, now: time.Now, newID: randomID}, nil
}

// Dir returns the spool root.
func (s *Spool) Dir() string {
	return s.baseDir
}

// SaveFailed stores the wire form of a document that could not be delivered.
// The file name carries a hash of the first recipient, never the address.
func (s *Spool) SaveFailed(doc email.Document, _ error) error {
	data := doc.Raw
	if len(data) == 0 {
		composed, err := email.Compose(doc)
		if err != nil {
			return fmt.Errorf("spool: compose: %w", err)
		}
		data = composed
	}
	var rcpt string
	if rcpts := doc.Recipients(); len(rcpts) > 0 {
		rcpt = rcpts[0]
	}
	return s.write(failedDir, fmt.Sprintf("%s_%s.eml", s.newID(), hashRecipient(rcpt)), data)
}

// SaveRejected stores a queue payload that could not be decoded, unmodified.
func (s *Spool) SaveRejected(payload []byte, _ error) error {
	return s.write(rejectedDir, s.newID()+".msgpack", payload)
}

func (s *Spool) write(kind, name string, data []byte) error {
	safeName, err := sanitizeComponent(name)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.baseDir, kind, s.now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	payload := append([]byte(nil), data...)
	if err := os.WriteFile(filepath.Join(dir, safeName), payload, 0o600); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	return nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("spool: invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("spool: empty identifier")
	}
	return v, nil
}

func hashRecipient(addr string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(addr))))
	return hex.EncodeToString(sum[:8])
}

func randomID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

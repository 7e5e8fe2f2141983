package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mailbridge/internal/email"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	s.now = func() time.Time { return time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC) }
	s.newID = func() string { return "abc123" }
	return s
}

func TestSaveFailed(t *testing.T) {
	s := newTestSpool(t)
	doc := email.Document{From: "from@example.com", To: []string{"recipient@example.com"}, Raw: []byte("body")}

	if err := s.SaveFailed(doc, errors.New("550 rejected")); err != nil {
		t.Fatalf("SaveFailed returned error: %v", err)
	}

	dayDir := filepath.Join(s.Dir(), "failed", "2026-03-04")
	files, err := os.ReadDir(dayDir)
	if err != nil {
		t.Fatalf("ReadDir day: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}

	name := files[0].Name()
	if strings.Contains(name, "recipient@example.com") {
		t.Fatalf("expected recipient to be hashed, got %q", name)
	}
	if name != "abc123_"+hashRecipient("Recipient@Example.com ")+".eml" {
		t.Fatalf("unexpected file name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dayDir, name))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "body" {
		t.Fatalf("expected raw message, got %q", string(data))
	}
}

func TestSaveFailedComposesWhenRawMissing(t *testing.T) {
	s := newTestSpool(t)
	doc := email.Document{From: "a@x", To: []string{"b@y"}, Subject: "Hi", Body: "Hello"}

	if err := s.SaveFailed(doc, nil); err != nil {
		t.Fatalf("SaveFailed returned error: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Dir(), "failed", "*", "*.eml"))
	if len(matches) != 1 {
		t.Fatalf("expected one spooled message, got %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	parsed, err := email.Parse(data)
	if err != nil {
		t.Fatalf("spooled message should parse: %v", err)
	}
	if parsed.Subject != "Hi" {
		t.Fatalf("unexpected subject %q", parsed.Subject)
	}
}

func TestSaveRejected(t *testing.T) {
	s := newTestSpool(t)
	payload := []byte{0x91, 0xc3}

	if err := s.SaveRejected(payload, errors.New("decode")); err != nil {
		t.Fatalf("SaveRejected returned error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(), "rejected", "2026-03-04", "abc123.msgpack"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("payload must be stored unmodified")
	}
}

func TestSpoolSanitizesID(t *testing.T) {
	s := newTestSpool(t)
	s.newID = func() string { return "../bad" }

	if err := s.SaveRejected([]byte{0x90}, nil); err == nil {
		t.Fatalf("expected error for invalid identifier")
	}
}

func TestNewSpoolRequiresDir(t *testing.T) {
	if _, err := NewSpool(" "); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}

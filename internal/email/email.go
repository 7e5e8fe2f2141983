package email

import (
	"errors"
	"fmt"
	"strings"

	gomail "github.com/emersion/go-message/mail"
)

var (
	// ErrInvalidAddress indicates the address failed validation.
	ErrInvalidAddress = errors.New("invalid email address")
	// ErrEmptyMessage indicates a buffer carried no message at all.
	ErrEmptyMessage = errors.New("empty message")
	// ErrNoSender indicates the message lacks a From address.
	ErrNoSender = errors.New("message has no sender")
	// ErrNoRecipients indicates the message lacks To, Cc and Bcc addresses.
	ErrNoRecipients = errors.New("message has no recipients")
)

// ParseAddress validates a single mailbox such as "Ops <ops@example.com>" and
// returns the bare address portion.
func ParseAddress(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	parsed, err := gomail.ParseAddress(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return parsed.Address, nil
}

// Domain returns the domain component of a validated email address.
func Domain(address string) (string, error) {
	address = strings.TrimSpace(address)
	address = strings.TrimSuffix(strings.TrimPrefix(address, "<"), ">")
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return strings.ToLower(domain), nil
}

package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// ErrStartTLSUnsupported is returned when authentication is required but the
// server does not offer STARTTLS.
var ErrStartTLSUnsupported = errors.New("server does not support STARTTLS")

// sender is one open transport session.
type sender interface {
	Send(ctx context.Context, from string, to []string, data []byte) error
	Reset() error
	Close() error
}

type smtpSession struct {
	conn    net.Conn
	client  *smtp.Client
	timeout time.Duration
}

// dialSMTP opens a session to the configured relay host. In authenticated mode
// the session is upgraded with STARTTLS before AUTH; otherwise it stays
// plaintext.
func dialSMTP(ctx context.Context, cfg Config) (sender, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := conn.SetDeadline(deadline(ctx, cfg.DialTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("new client: %w", err)
	}

	if err := client.Hello(cfg.HeloName); err != nil {
		client.Close()
		return nil, fmt.Errorf("helo: %w", err)
	}

	if cfg.RequireAuth {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", ErrStartTLSUnsupported)
		}
		if err := client.StartTLS(clientTLSConfig(cfg)); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
		if err := client.Auth(chooseAuth(client, cfg)); err != nil {
			client.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	return &smtpSession{conn: conn, client: client, timeout: cfg.SendTimeout}, nil
}

func (s *smtpSession) Send(ctx context.Context, from string, to []string, data []byte) error {
	if err := s.conn.SetDeadline(deadline(ctx, s.timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := s.client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := s.client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	return nil
}

func (s *smtpSession) Reset() error {
	if err := s.conn.SetDeadline(deadline(context.Background(), s.timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := s.client.Reset(); err != nil {
		return fmt.Errorf("rset: %w", err)
	}
	return nil
}

func (s *smtpSession) Close() error {
	_ = s.conn.SetDeadline(deadline(context.Background(), s.timeout))
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

func clientTLSConfig(cfg Config) *tls.Config {
	if cfg.TLS != nil {
		conf := cfg.TLS.Clone()
		if conf.ServerName == "" {
			conf.ServerName = cfg.Host
		}
		return conf
	}
	return &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
}

// chooseAuth prefers PLAIN and falls back to LOGIN when only LOGIN is offered.
func chooseAuth(client *smtp.Client, cfg Config) smtp.Auth {
	_, mechanisms := client.Extension("AUTH")
	offered := strings.Fields(strings.ToUpper(mechanisms))
	hasPlain, hasLogin := false, false
	for _, m := range offered {
		switch m {
		case "PLAIN":
			hasPlain = true
		case "LOGIN":
			hasLogin = true
		}
	}
	if hasLogin && !hasPlain {
		return &loginAuth{username: cfg.Username, password: cfg.Password}
	}
	return smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
}

// deadline returns now+d capped by the context deadline. A zero d with no
// context deadline yields the zero time, which clears any deadline.
func deadline(ctx context.Context, d time.Duration) time.Time {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	if dl, ok := ctx.Deadline(); ok && (t.IsZero() || dl.Before(t)) {
		t = dl
	}
	return t
}

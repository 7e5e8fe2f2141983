package email

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	htmlcharset "golang.org/x/net/html/charset"
)

const maxBodyBytes = 4 * 1024 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Document is one parsed, self-contained mail message.
//
// Raw holds the bytes that go on the wire during DATA. It is the original
// buffer with any Bcc header removed; envelope recipients still include the
// Bcc addresses.
type Document struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
	HTML    bool
	Raw     []byte
}

// Recipients returns the envelope recipients in header order: To, Cc, Bcc.
func (d Document) Recipients() []string {
	out := make([]string, 0, len(d.To)+len(d.Cc)+len(d.Bcc))
	out = append(out, d.To...)
	out = append(out, d.Cc...)
	out = append(out, d.Bcc...)
	return out
}

// Parse reads one RFC 5322 message. The message must name a sender and at
// least one recipient.
func Parse(raw []byte) (Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Document{}, ErrEmptyMessage
	}

	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return Document{}, fmt.Errorf("read header: %w", err)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return Document{}, fmt.Errorf("read body: %w", err)
	}

	header := gomail.Header{Header: gomessage.Header{Header: h}}

	var doc Document
	from, err := addresses(&header, "From")
	if err != nil {
		return Document{}, err
	}
	if len(from) == 0 {
		return Document{}, ErrNoSender
	}
	doc.From = from[0]

	if doc.To, err = addresses(&header, "To"); err != nil {
		return Document{}, err
	}
	if doc.Cc, err = addresses(&header, "Cc"); err != nil {
		return Document{}, err
	}
	if doc.Bcc, err = addresses(&header, "Bcc"); err != nil {
		return Document{}, err
	}
	if len(doc.To)+len(doc.Cc)+len(doc.Bcc) == 0 {
		return Document{}, ErrNoRecipients
	}

	if subject, err := header.Subject(); err == nil {
		doc.Subject = subject
	} else {
		doc.Subject = header.Get("Subject")
	}

	entity, err := gomessage.New(gomessage.Header{Header: h}, bytes.NewReader(rest))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return Document{}, fmt.Errorf("read entity: %w", err)
	}
	doc.Body, doc.HTML = readBody(entity)

	if h.Has("Bcc") {
		h.Del("Bcc")
		var buf bytes.Buffer
		if err := textproto.WriteHeader(&buf, h); err != nil {
			return Document{}, fmt.Errorf("rewrite header: %w", err)
		}
		buf.Write(rest)
		doc.Raw = buf.Bytes()
	} else {
		doc.Raw = append([]byte(nil), raw...)
	}

	return doc, nil
}

// Compose renders a document as a single-part message. Date and Message-Id
// headers are generated.
func Compose(d Document) ([]byte, error) {
	if d.From == "" {
		return nil, ErrNoSender
	}
	if len(d.To)+len(d.Cc)+len(d.Bcc) == 0 {
		return nil, ErrNoRecipients
	}

	var h gomail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*gomail.Address{{Address: d.From}})
	if len(d.To) > 0 {
		h.SetAddressList("To", toAddresses(d.To))
	}
	if len(d.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(d.Cc))
	}
	if len(d.Bcc) > 0 {
		h.SetAddressList("Bcc", toAddresses(d.Bcc))
	}
	h.SetSubject(d.Subject)
	mediaType := "text/plain"
	if d.HTML {
		mediaType = "text/html"
	}
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if _, err := io.WriteString(w, d.Body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func addresses(header *gomail.Header, key string) ([]string, error) {
	list, err := header.AddressList(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, key, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out, nil
}

func toAddresses(values []string) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(values))
	for _, v := range values {
		out = append(out, &gomail.Address{Address: v})
	}
	return out
}

// readBody prefers the first text/plain part and falls back to text/html.
func readBody(entity *gomessage.Entity) (string, bool) {
	if entity == nil {
		return "", false
	}
	if mr := entity.MultipartReader(); mr != nil {
		var html string
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				break
			}
			mediaType, _, _ := part.Header.ContentType()
			switch {
			case strings.HasPrefix(mediaType, "multipart/"):
				if body, isHTML := readBody(part); body != "" {
					if !isHTML {
						return body, false
					}
					if html == "" {
						html = body
					}
				}
			case mediaType == "text/html":
				if html == "" {
					html = readLimited(part.Body)
				}
			case mediaType == "" || mediaType == "text/plain":
				return readLimited(part.Body), false
			}
		}
		return html, html != ""
	}

	mediaType, _, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	return readLimited(entity.Body), strings.EqualFold(mediaType, "text/html")
}

func readLimited(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	return string(data)
}

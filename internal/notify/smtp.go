package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SMTPConfig configures the mail transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// From defaults to Username when empty.
	From string
	// To receives the message directly; everyone else is BCC'd.
	To []string
}

// SMTPTransport sends reports as plain-text mail with base64 PDF attachments.
type SMTPTransport struct {
	cfg SMTPConfig
	// sendMail is swappable for tests; defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPTransport{cfg: cfg, sendMail: smtp.SendMail}
}

func (t *SMTPTransport) Send(ctx context.Context, bcc []string, subject, body string, attachments []Attachment) error {
	msg, err := buildMessage(t.cfg.From, t.cfg.To, bcc, subject, body, attachments)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	// BCC recipients appear in the envelope only, never in headers.
	rcpts := append(append([]string{}, t.cfg.To...), bcc...)
	if len(rcpts) == 0 {
		// Nothing to deliver to; tolerated by contract.
		return nil
	}

	// net/smtp has no context support; run the dial/send in a goroutine so
	// a stage timeout still bounds the call.
	done := make(chan error, 1)
	go func() { done <- t.sendMail(addr, auth, t.cfg.From, rcpts, msg) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

const mimeBoundary = "reportd-mixed-boundary"

func buildMessage(from string, to, bcc []string, subject, body string, attachments []Attachment) ([]byte, error) {
	var b bytes.Buffer

	fmt.Fprintf(&b, "From: %s\r\n", from)
	if len(to) > 0 {
		fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n", mimeBoundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	for _, a := range attachments {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", a.Path, err)
		}
		fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
		b.WriteString("Content-Type: application/pdf\r\n")
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n\r\n", filepath.Base(a.Path))
		writeBase64Wrapped(&b, data)
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", mimeBoundary)

	return b.Bytes(), nil
}

// writeBase64Wrapped emits base64 in 76-column lines per RFC 2045.
func writeBase64Wrapped(b *bytes.Buffer, data []byte) {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	if len(enc) > 0 {
		b.WriteString(enc)
		b.WriteString("\r\n")
	}
}

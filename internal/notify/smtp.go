package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/MetaDevZone/secure-2fa/internal/config"
	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

var (
	ErrSMTPHostRequired = errors.New("smtp host and port are required")
	ErrNoRecipient      = errors.New("no recipient provided")
	ErrNoSender         = errors.New("no sender provided")
)

// SMTPNotifier delivers OTP messages over net/smtp with a
// multipart/alternative body when both HTML and text are present.
type SMTPNotifier struct {
	addr string
	host string
	auth smtp.Auth
}

func NewSMTPNotifier(cfg config.SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, ErrSMTPHostRequired
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTPNotifier{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		host: cfg.Host,
		auth: auth,
	}, nil
}

func (n *SMTPNotifier) Send(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To == "" {
		return ErrNoRecipient
	}
	if msg.From == "" {
		return ErrNoSender
	}

	body, contentType := buildBody(msg)

	// Caller-supplied values must not smuggle extra headers.
	headers := []string{
		fmt.Sprintf("From: %s", headerValue(msg.From)),
		fmt.Sprintf("To: %s", headerValue(msg.To)),
		fmt.Sprintf("Subject: %s", headerValue(msg.Subject)),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: %s", contentType),
	}
	raw := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := smtp.SendMail(n.addr, n.auth, msg.From, []string{msg.To}, []byte(raw)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	util.Debug("Message delivered",
		util.String("subject", msg.Subject))
	return nil
}

// HealthCheck verifies the notifier configuration without sending
// anything; it must never deliver a real message.
func (n *SMTPNotifier) HealthCheck(_ context.Context) error {
	if n.addr == "" || n.host == "" {
		return ErrSMTPHostRequired
	}
	return nil
}

func buildBody(msg model.Message) (body, contentType string) {
	if msg.HTML != "" && msg.Text != "" {
		boundary := multipartBoundary()
		var sb strings.Builder
		sb.WriteString("This is a multipart message in MIME format.\r\n")
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		sb.WriteString(msg.Text)
		sb.WriteString("\r\n")
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		sb.WriteString(msg.HTML)
		sb.WriteString("\r\n")
		fmt.Fprintf(&sb, "--%s--", boundary)
		return sb.String(), fmt.Sprintf("multipart/alternative; boundary=%s", boundary)
	}

	if msg.HTML != "" {
		return msg.HTML, "text/html; charset=UTF-8"
	}
	return msg.Text, "text/plain; charset=UTF-8"
}

// headerValue strips CR and LF so a value can never terminate its
// header line.
func headerValue(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func multipartBoundary() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "secure2fa-boundary-fallback"
	}
	return "secure2fa-boundary-" + hex.EncodeToString(b[:])
}

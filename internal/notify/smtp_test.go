package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MetaDevZone/secure-2fa/internal/config"
	"github.com/MetaDevZone/secure-2fa/internal/model"
)

func TestNewSMTPNotifierRequiresHost(t *testing.T) {
	_, err := NewSMTPNotifier(config.SMTPConfig{Port: 587})
	assert.ErrorIs(t, err, ErrSMTPHostRequired)

	_, err = NewSMTPNotifier(config.SMTPConfig{Host: "mail.example.com"})
	assert.ErrorIs(t, err, ErrSMTPHostRequired)

	n, err := NewSMTPNotifier(config.SMTPConfig{Host: "mail.example.com", Port: 587})
	require.NoError(t, err)
	assert.NoError(t, n.HealthCheck(context.Background()))
}

func TestSendRejectsMissingAddresses(t *testing.T) {
	n, err := NewSMTPNotifier(config.SMTPConfig{Host: "mail.example.com", Port: 587})
	require.NoError(t, err)
	ctx := context.Background()

	err = n.Send(ctx, model.Message{From: "a@example.com"})
	assert.ErrorIs(t, err, ErrNoRecipient)

	err = n.Send(ctx, model.Message{To: "b@example.com"})
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestHeaderValueStripsCRLF(t *testing.T) {
	injected := "Your code\r\nBcc: attacker@example.com"
	assert.Equal(t, "Your codeBcc: attacker@example.com", headerValue(injected))
	assert.Equal(t, "plain subject", headerValue("plain subject"))
	assert.NotContains(t, headerValue("a\rb\nc"), "\r")
	assert.NotContains(t, headerValue("a\rb\nc"), "\n")
}

func TestBuildBodyMultipart(t *testing.T) {
	body, contentType := buildBody(model.Message{HTML: "<p>hi</p>", Text: "hi"})
	assert.Contains(t, contentType, "multipart/alternative")
	assert.Contains(t, contentType, "boundary=")
	assert.Contains(t, body, "Content-Type: text/plain")
	assert.Contains(t, body, "Content-Type: text/html")
	assert.Contains(t, body, "<p>hi</p>")
	assert.True(t, strings.HasSuffix(body, "--"))

	body, contentType = buildBody(model.Message{Text: "hi"})
	assert.Equal(t, "hi", body)
	assert.Contains(t, contentType, "text/plain")

	body, contentType = buildBody(model.Message{HTML: "<p>hi</p>"})
	assert.Equal(t, "<p>hi</p>", body)
	assert.Contains(t, contentType, "text/html")
}

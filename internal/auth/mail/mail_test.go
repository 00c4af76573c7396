package mail

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	msg, err := r.Render(KindPasswordReset, "a@example.com", map[string]any{
		"Email":     "a@example.com",
		"Link":      "https://app.example/reset?token=abc",
		"ExpiresIn": "1h0m0s",
	})
	require.NoError(t, err)
	require.Equal(t, "Reset your password", msg.Subject)
	require.Contains(t, msg.Body, "https://app.example/reset?token=abc")
	require.Contains(t, msg.Body, "within 1h0m0s")

	_, err = r.Render("welcome", "a@example.com", nil)
	require.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestLogMailerSend(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewLogMailer(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, err)

	n, err := m.Send(context.Background(), KindVerifyEmail, "b@example.com", map[string]any{
		"Email": "b@example.com",
		"Link":  "https://app.example/verify?token=xyz",
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, buf.String(), `"msg":"mail_sent"`)
	require.Contains(t, buf.String(), "verify?token=xyz")

	n, err = m.Send(context.Background(), KindVerifyEmail, "", nil)
	require.Error(t, err)
	require.Zero(t, n)
}

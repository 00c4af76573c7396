// Package mail delivers templated account emails.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
)

const (
	KindVerifyEmail   = "verify_email"
	KindPasswordReset = "password_reset"
)

var ErrUnknownTemplate = errors.New("mail: unknown template")

// Mailer sends one templated message and reports how many were delivered.
type Mailer interface {
	Send(ctx context.Context, kind, recipient string, data map[string]any) (int, error)
}

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	Body    string
}

type templateSet struct {
	subject *template.Template
	body    *template.Template
}

var defaultTemplates = map[string][2]string{
	KindVerifyEmail: {
		"Confirm your email address",
		`Hi{{with .Name}} {{.}}{{end}},

Confirm {{.Email}} by opening the link below. It expires in {{.ExpiresIn}}.

{{.Link}}
`,
	},
	KindPasswordReset: {
		"Reset your password",
		`Someone asked to reset the password for {{.Email}}.
If that was you, open the link below within {{.ExpiresIn}}. Otherwise ignore this message.

{{.Link}}
`,
	},
}

// Renderer turns a kind and its data into a Message.
type Renderer struct {
	templates map[string]templateSet
}

func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]templateSet, len(defaultTemplates))}
	for kind, tpl := range defaultTemplates {
		subject, err := template.New(kind + ".subject").Option("missingkey=zero").Parse(tpl[0])
		if err != nil {
			return nil, fmt.Errorf("mail: parse %s subject: %w", kind, err)
		}
		body, err := template.New(kind + ".body").Option("missingkey=zero").Parse(tpl[1])
		if err != nil {
			return nil, fmt.Errorf("mail: parse %s body: %w", kind, err)
		}
		r.templates[kind] = templateSet{subject: subject, body: body}
	}
	return r, nil
}

func (r *Renderer) Render(kind, recipient string, data map[string]any) (Message, error) {
	set, ok := r.templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, kind)
	}

	var subject, body bytes.Buffer
	if err := set.subject.Execute(&subject, data); err != nil {
		return Message{}, err
	}
	if err := set.body.Execute(&body, data); err != nil {
		return Message{}, err
	}
	return Message{To: recipient, Subject: strings.TrimSpace(subject.String()), Body: body.String()}, nil
}

// LogMailer renders messages and writes them to the log instead of an SMTP
// relay. It is the development and test delivery backend.
type LogMailer struct {
	Logger   *slog.Logger
	renderer *Renderer
}

func NewLogMailer(logger *slog.Logger) (*LogMailer, error) {
	r, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{Logger: logger, renderer: r}, nil
}

func (m *LogMailer) Send(ctx context.Context, kind, recipient string, data map[string]any) (int, error) {
	if recipient == "" {
		return 0, errors.New("mail: empty recipient")
	}
	msg, err := m.renderer.Render(kind, recipient, data)
	if err != nil {
		return 0, err
	}
	m.Logger.InfoContext(ctx, "mail_sent",
		slog.String("kind", kind),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body),
	)
	return 1, nil
}

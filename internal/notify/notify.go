// Package notify delivers operator notifications for daemon events.
// Delivery is best-effort: a failed notification is logged and dropped,
// never propagated into the recording or transcoding paths.
package notify

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/jmylchreest/pvrd/internal/config"
)

// Kind classifies a notification event.
type Kind string

const (
	KindError        Kind = "error"
	KindTranscodeEnd Kind = "transcode_end"
	KindShutdown     Kind = "shutdown"
)

// Event is one notification.
type Event struct {
	Kind    Kind
	Subject string
	Body    string
}

// Notifier delivers events to the operator.
type Notifier interface {
	Notify(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}

// LogNotifier writes events to the log only.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(e Event) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		slog.String("kind", string(e.Kind)),
		slog.String("subject", e.Subject))
}

// Mailer sends events by mail, filtered by the per-kind config toggles.
// Sends happen on the caller's goroutine kept short by the dial timeout;
// failures are logged and swallowed.
type Mailer struct {
	cfg    config.MailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *slog.Logger
}

// NewMailer builds a mail notifier from the mail configuration.
func NewMailer(cfg config.MailConfig) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (m *Mailer) WithLogger(logger *slog.Logger) *Mailer {
	m.logger = logger
	return m
}

func (m *Mailer) enabled(k Kind) bool {
	switch k {
	case KindError:
		return m.cfg.OnError
	case KindTranscodeEnd:
		return m.cfg.OnTranscodeEnd
	case KindShutdown:
		return m.cfg.OnShutdown
	}
	return false
}

// Notify sends the event if its kind is enabled and an address is set.
func (m *Mailer) Notify(e Event) {
	if !m.enabled(e.Kind) || m.cfg.Address == "" {
		return
	}

	from := m.cfg.From
	if from == "" {
		host, _ := os.Hostname()
		from = "pvrd@" + host
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", m.cfg.Address)
	fmt.Fprintf(&b, "Subject: [pvrd] %s\r\n", e.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	b.WriteString(e.Body)
	b.WriteString("\r\n")

	server := m.cfg.SMTPServer
	if !m.cfg.SMTPEnabled || server == "" {
		server = "localhost:25"
	}
	if !strings.Contains(server, ":") {
		server += ":25"
	}

	var auth smtp.Auth
	if m.cfg.SMTPEnabled && m.cfg.SMTPUser != "" {
		host := server[:strings.Index(server, ":")]
		auth = smtp.PlainAuth("", m.cfg.SMTPUser, m.cfg.SMTPPassword, host)
	}

	if err := m.send(server, auth, from, []string{m.cfg.Address}, []byte(b.String())); err != nil {
		m.logger.Warn("sending notification mail",
			slog.String("subject", e.Subject),
			slog.Any("error", err))
		return
	}
	m.logger.Debug("notification mail sent", slog.String("subject", e.Subject))
}

// FromConfig picks the notifier implementation for the configuration.
func FromConfig(cfg config.MailConfig, logger *slog.Logger) Notifier {
	if cfg.OnError || cfg.OnTranscodeEnd || cfg.OnShutdown {
		return NewMailer(cfg).WithLogger(logger)
	}
	return LogNotifier{Logger: logger}
}

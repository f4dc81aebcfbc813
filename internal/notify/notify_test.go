package notify

import (
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pvrd/internal/config"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func stubbedMailer(cfg config.MailConfig) (*Mailer, *[]sentMail) {
	var sent []sentMail
	m := NewMailer(cfg)
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return m, &sent
}

func TestMailerSendsEnabledKinds(t *testing.T) {
	m, sent := stubbedMailer(config.MailConfig{
		OnError: true,
		Address: "op@example.net",
		From:    "pvrd@box",
	})

	m.Notify(Event{Kind: KindError, Subject: "capture failed", Body: "details"})
	require.Len(t, *sent, 1)

	got := (*sent)[0]
	assert.Equal(t, "localhost:25", got.addr)
	assert.Equal(t, []string{"op@example.net"}, got.to)
	assert.Contains(t, got.msg, "Subject: [pvrd] capture failed")
	assert.Contains(t, got.msg, "details")
}

func TestMailerDropsDisabledKinds(t *testing.T) {
	m, sent := stubbedMailer(config.MailConfig{
		OnError: true,
		Address: "op@example.net",
	})

	m.Notify(Event{Kind: KindTranscodeEnd, Subject: "done"})
	m.Notify(Event{Kind: KindShutdown, Subject: "bye"})
	assert.Empty(t, *sent)
}

func TestMailerRequiresAddress(t *testing.T) {
	m, sent := stubbedMailer(config.MailConfig{OnError: true})
	m.Notify(Event{Kind: KindError, Subject: "x"})
	assert.Empty(t, *sent)
}

func TestMailerUsesSMTPServer(t *testing.T) {
	m, sent := stubbedMailer(config.MailConfig{
		OnShutdown:  true,
		Address:     "op@example.net",
		SMTPEnabled: true,
		SMTPServer:  "mail.example.net",
	})

	m.Notify(Event{Kind: KindShutdown, Subject: "bye"})
	require.Len(t, *sent, 1)
	assert.Equal(t, "mail.example.net:25", (*sent)[0].addr)
}

func TestFromConfig(t *testing.T) {
	n := FromConfig(config.MailConfig{}, nil)
	_, isLog := n.(LogNotifier)
	assert.True(t, isLog)

	n = FromConfig(config.MailConfig{OnError: true, Address: "x@y"}, nil)
	_, isMailer := n.(*Mailer)
	assert.True(t, isMailer)
}

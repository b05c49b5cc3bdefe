package report

import (
	"bytes"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deliverer hands a report to moderators.
type Deliverer interface {
	Deliver(rec Record) error
}

// SMTPConfig configures SMTPMailer. An empty Addr disables e-mail.
type SMTPConfig struct {
	Addr     string `yaml:"addr"` // host:port
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Enabled reports whether enough fields are set to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Addr != "" && c.From != "" && c.To != ""
}

// SMTPMailer e-mails each report to the moderation address.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Deliver implements Deliverer.
func (m *SMTPMailer) Deliver(rec Record) error {
	var auth smtp.Auth
	if m.cfg.Username != "" {
		host, _, err := net.SplitHostPort(m.cfg.Addr)
		if err != nil {
			return fmt.Errorf("report: smtp addr: %w", err)
		}
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}
	to := strings.Split(m.cfg.To, ",")
	for i := range to {
		to[i] = strings.TrimSpace(to[i])
	}
	if err := m.send(m.cfg.Addr, auth, m.cfg.From, to, FormatEmail(m.cfg.From, to, rec)); err != nil {
		return fmt.Errorf("report: send mail: %w", err)
	}
	return nil
}

// FormatEmail renders rec as an RFC 5322 message.
func FormatEmail(from string, to []string, rec Record) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [drift] %s report %s\r\n", rec.Reason, rec.ID)
	fmt.Fprintf(&b, "Date: %s\r\n", rec.Timestamp.Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Report:   %s\r\n", rec.ID)
	fmt.Fprintf(&b, "Time:     %s\r\n", rec.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Reason:   %s\r\n", rec.Reason)
	fmt.Fprintf(&b, "Session:  %s\r\n", rec.SessionID)
	fmt.Fprintf(&b, "Reporter: %s\r\n", rec.Reporter)
	fmt.Fprintf(&b, "Reported: %s\r\n", rec.Reported)
	if rec.Details != "" {
		b.WriteString("\r\n")
		b.WriteString(strings.ReplaceAll(rec.Details, "\n", "\r\n"))
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

// LogDeliverer writes reports to the log. It is used when SMTP is not
// configured.
type LogDeliverer struct {
	log zerolog.Logger
}

// NewLogDeliverer creates a LogDeliverer.
func NewLogDeliverer() *LogDeliverer {
	return &LogDeliverer{log: log.With().Str("component", "notifier").Logger()}
}

// Deliver implements Deliverer.
func (l *LogDeliverer) Deliver(rec Record) error {
	l.log.Info().Str("report_id", rec.ID).Time("timestamp", rec.Timestamp).Str("reason", string(rec.Reason)).
		Str("session_id", rec.SessionID).Str("reporter", rec.Reporter).Str("reported", rec.Reported).
		Str("details", rec.Details).Msg("abuse report")
	return nil
}

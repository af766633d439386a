package utils

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Email is the unit handed to the mail collaborator.
type Email struct {
	From    string
	To      string
	Subject string
	Body    string
}

// SMTPMailer delivers email through a single configured SMTP account.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
	}
}

// Send delivers the email and returns the Message-ID it was sent with.
func (m *SMTPMailer) Send(email Email) (string, error) {
	from := email.From
	if from == "" {
		from = m.from
	}

	messageID := fmt.Sprintf("<%s@relaycrm>", uuid.New().String())

	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	msg.SetHeader("Message-ID", messageID)
	msg.SetBody("text/html", email.Body)

	dialer := gomail.NewDialer(m.host, m.port, m.username, m.password)
	if err := dialer.DialAndSend(msg); err != nil {
		return "", fmt.Errorf("failed to send email to %s: %w", email.To, err)
	}

	return messageID, nil
}

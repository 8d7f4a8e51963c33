package services

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailNotifier delivers operator alerts by SMTP.
type EmailNotifier struct {
	host     string
	port     string
	user     string
	password string
	from     string
	to       []string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(host, port, user, password, from, target string) *EmailNotifier {
	var to []string
	for _, addr := range strings.Split(target, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return &EmailNotifier{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		from:     from,
		to:       to,
		send:     smtp.SendMail,
	}
}

func (s *EmailNotifier) Notify(ctx context.Context, subject, body string) error {
	if s.host == "" || s.port == "" || s.user == "" || s.password == "" {
		return fmt.Errorf("SMTP credentials not fully configured")
	}
	if len(s.to) == 0 {
		return fmt.Errorf("no alert recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	auth := smtp.PlainAuth("", s.user, s.password, s.host)

	message := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", s.from, strings.Join(s.to, ", "), subject, body))

	addr := fmt.Sprintf("%s:%s", s.host, s.port)

	if err := s.send(addr, auth, s.from, s.to, message); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

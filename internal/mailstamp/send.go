// SPDX-License-Identifier: Apache-2.0

package mailstamp

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// sendRequest composes and sends the timestamp request by SMTP: connect,
// STARTTLS, authenticate, and send one message with the marker body. Grounded on the stdlib net/smtp STARTTLS dance, since no third-party
// SMTP client appears anywhere in the retrieval pack.
func (w *Worker) sendRequest(body []byte) error {
	host, _, err := net.SplitHostPort(w.cfg.SMTPServer)
	if err != nil {
		host = w.cfg.SMTPServer
	}

	c, err := smtp.Dial(w.cfg.SMTPServer)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.SMTPServer, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if w.cfg.SMTPUser != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", w.cfg.SMTPUser, w.cfg.SMTPPassword, host)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := c.Mail(w.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(w.cfg.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	defer wc.Close()

	message := buildMessage(w.cfg.From, w.cfg.To, w.cfg.Clock.Now(), body)
	if _, err := wc.Write(message); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// buildMessage renders the minimal headers required: From, To, Date
// (RFC 2822 UTC), Subject, then a blank line and the marker body verbatim.
func buildMessage(from, to string, now time.Time, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Date: %s\r\n", now.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Subject: Stamping request\r\n")
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}

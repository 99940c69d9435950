// SPDX-License-Identifier: Apache-2.0

package mailstamp

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-sasl"

	"github.com/zeitgitter/zeitgitterd/internal/gitutil"
)

// receiveLoop implements receive phase: connect, run check once, then
// either IDLE-and-retry or poll, until a reply is accepted, the connection
// reports BYE, the repository's HEAD advances past the one this request was
// for (making the reply stale), or a poll budget is exhausted.
func (w *Worker) receiveLoop(ctx context.Context, markerSize int64, mtime time.Time) {
	headAtStart, _ := w.cfg.Repo.HeadCommit()

	c, err := w.dialIMAP()
	if err != nil {
		w.logger().Warn("imap connect failed, request remains outstanding for next start", "error", err)
		return
	}
	defer c.Logout() //nolint:errcheck

	accepted, err := w.check(c, markerSize, mtime)
	if err != nil {
		w.logger().Warn("initial imap check failed", "error", err)
	}
	if accepted {
		return
	}

	caps, err := c.Capability()
	if err == nil && caps["IDLE"] {
		w.idleLoop(ctx, c, markerSize, mtime, headAtStart)
		return
	}
	w.pollLoop(ctx, c, markerSize, mtime, headAtStart)
}

func (w *Worker) dialIMAP() (*client.Client, error) {
	host, _, err := net.SplitHostPort(w.cfg.IMAPServer)
	if err != nil {
		host = w.cfg.IMAPServer
	}

	c, err := client.Dial(w.cfg.IMAPServer)
	if err != nil {
		return nil, err
	}
	if ok, err := c.SupportStartTLS(); err == nil && ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			c.Close() //nolint:errcheck
			return nil, err
		}
	}

	auth := sasl.NewPlainClient("", w.cfg.IMAPUser, w.cfg.IMAPPassword)
	if err := c.Authenticate(auth); err != nil {
		if err := c.Login(w.cfg.IMAPUser, w.cfg.IMAPPassword); err != nil {
			c.Close() //nolint:errcheck
			return nil, err
		}
	}

	if _, err := c.Select("INBOX", false); err != nil {
		c.Close() //nolint:errcheck
		return nil, err
	}
	return c, nil
}

// idleLoop implements IDLE branch: send IDLE, wait for an untagged
// EXISTS update (new mail arrived), stop IDLE, run check.
func (w *Worker) idleLoop(ctx context.Context, c *client.Client, markerSize int64, mtime time.Time, headAtStart gitutil.Hash) {
	updates := make(chan client.Update, 4)
	c.Updates = updates
	idleClient := idle.NewClient(c)

	for {
		if w.headAdvanced(headAtStart) {
			w.logger().Info("head advanced while awaiting email reply, abandoning wait")
			return
		}

		stop := make(chan struct{})
		done := make(chan error, 1)
		go func() { done <- idleClient.IdleWithFallback(stop, 0) }()

	waitForUpdate:
		for {
			select {
			case update := <-updates:
				if _, ok := update.(*client.MailboxUpdate); ok {
					close(stop)
					<-done
					break waitForUpdate
				}
			case err := <-done:
				if err != nil {
					w.logger().Warn("imap idle ended with an error, abandoning wait", "error", err)
					return
				}
				break waitForUpdate
			case <-ctx.Done():
				close(stop)
				<-done
				return
			}
		}

		accepted, err := w.check(c, markerSize, mtime)
		if err != nil {
			w.logger().Warn("imap check after idle failed", "error", err)
		}
		if accepted {
			return
		}
	}
}

// pollLoop implements fallback: poll check every 60s for up to 10
// minutes when the server does not advertise IDLE.
func (w *Worker) pollLoop(ctx context.Context, c *client.Client, markerSize int64, mtime time.Time, headAtStart gitutil.Hash) {
	deadline := w.cfg.Clock.Now().Add(pollTimeout)
	ticker := w.cfg.Clock.NewTicker(pollInterval)
	defer ticker.Stop()

	for w.cfg.Clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if w.headAdvanced(headAtStart) {
			w.logger().Info("head advanced while awaiting email reply, abandoning wait")
			return
		}

		accepted, err := w.check(c, markerSize, mtime)
		if err != nil {
			w.logger().Warn("imap poll check failed", "error", err)
		}
		if accepted {
			return
		}
	}
	w.logger().Warn("email reply poll window exhausted without a valid reply")
}

func (w *Worker) headAdvanced(headAtStart gitutil.Hash) bool {
	current, err := w.cfg.Repo.HeadCommit()
	if err != nil {
		return false
	}
	return current.String() != headAtStart.String()
}

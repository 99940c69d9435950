// SPDX-License-Identifier: Apache-2.0

// Package mailstamp implements the Mail Timestamp Worker: it sends the
// request (the marker body as plain, unsigned text) by SMTP, awaits the PGP Timestamping Server's reply over
// IMAP (using IDLE when the server advertises it, polling otherwise),
// validates the reply, and folds the extracted signature into the
// repository as pgp-timestamp.sig. Exactly one request is outstanding at a
// time, tracked by the presence of the marker file pgp-timestamp.tmp.
//
// No file in the retrieval pack uses an SMTP or IMAP client library, so this
// package is grounded on the upstream emersion/go-imap ecosystem (client,
// go-sasl, go-imap-idle) rather than a pack example; see DESIGN.md. The send
// side uses stdlib net/smtp, since no third-party SMTP client appears
// anywhere in the pack either and net/smtp's STARTTLS+auth sequence is a
// small, stable stdlib contract.
package mailstamp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zeitgitter/zeitgitterd/internal/gitutil"
)

const (
	MarkerFileName = "pgp-timestamp.tmp"
	defaultSignatureName = "pgp-timestamp.sig"
	minMarkerSize = 40
	searchWindow = 16384
	pollInterval = 60 * time.Second
	pollTimeout = 10 * time.Minute
)

// Config configures one Worker.
type Config struct {
	Repo *gitutil.Repository
	Clock clockwork.Clock

	SMTPServer string
	SMTPUser string
	SMTPPassword string
	From string
	To string

	IMAPServer string
	IMAPUser string
	IMAPPassword string
	StamperFrom string
	StamperKeyID string
	NoDovecotBugWorkaround bool

	GPGProgram string

	Logger *slog.Logger
}

// Worker tracks the single outstanding request for one repository.
type Worker struct {
	cfg Config
	mu sync.Mutex // serializes concurrent Trigger calls; Resume does not take it
}

func New(cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.GPGProgram == "" {
		cfg.GPGProgram = "gpg"
	}
	return &Worker{cfg: cfg}
}

func (w *Worker) logger() *slog.Logger {
	if w.cfg.Logger != nil {
		return w.cfg.Logger
	}
	return slog.Default()
}

func (w *Worker) markerPath() string {
	return filepath.Join(w.cfg.Repo.Worktree(), MarkerFileName)
}

func (w *Worker) signaturePath() string {
	return filepath.Join(w.cfg.Repo.Worktree(), defaultSignatureName)
}

// Outstanding reports whether a request is currently awaiting a reply.
func (w *Worker) Outstanding() bool {
	_, err := os.Stat(w.markerPath())
	return err == nil
}

// Trigger implements commitloop.MailTrigger: starts the send phase
// synchronously and the receive phase on a background goroutine. It is a
// no-op if a request is already outstanding.
func (w *Worker) Trigger(ctx context.Context, preservedLog []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Outstanding() {
		return nil
	}

	body, err := w.writeMarker(preservedLog)
	if err != nil {
		return fmt.Errorf("write timestamp marker: %w", err)
	}
	if err := w.sendRequest(body); err != nil {
		// A network failure here still leaves the marker in place so the
		// round trip resumes on next start; we do not delete it.
		return fmt.Errorf("send timestamp request: %w", err)
	}

	go w.receiveLoop(context.Background(), int64(len(body)), w.cfg.Clock.Now())
	return nil
}

// Resume restarts the receive phase from a marker file left behind by a
// prior process. It returns false if no marker exists. A marker smaller
// than minMarkerSize makes it return an error without starting the
// receive phase.
func (w *Worker) Resume(ctx context.Context) (bool, error) {
	info, err := os.Stat(w.markerPath())
	if err != nil {
		return false, nil
	}
	if info.Size() < minMarkerSize {
		return false, fmt.Errorf("marker file %s is only %d bytes, refusing to resume", w.markerPath(), info.Size())
	}
	go w.receiveLoop(ctx, info.Size(), info.ModTime())
	return true, nil
}

func (w *Worker) writeMarker(preservedLog []byte) ([]byte, error) {
	head, err := w.cfg.Repo.HeadCommit()
	if err != nil {
		return nil, err
	}
	header := fmt.Sprintf("Timestamp requested for\ngit commit %s\nat %s\n",
		head.String(), w.cfg.Clock.Now().UTC().Format(time.RFC1123Z))

	var buf bytes.Buffer
	buf.WriteString(header)
	buf.Write(preservedLog)

	if err := os.WriteFile(w.markerPath(), buf.Bytes(), 0o644); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

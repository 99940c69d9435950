// SPDX-License-Identifier: Apache-2.0

// Package commitloop implements the periodic commit/rotation state machine:
// wake on a fixed schedule, fold the evidence log into a signed Git commit,
// cross-timestamp against peers, push, and optionally kick off the email
// cross-timestamp protocol. Grounded on gittuf's use of a ticker goroutine
// pattern in its dev/test harnesses, generalized here into a standalone
// scheduler since gittuf itself has no long-running daemon loop.
package commitloop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zeitgitter/zeitgitterd/internal/config"
	"github.com/zeitgitter/zeitgitterd/internal/evidencelog"
	"github.com/zeitgitter/zeitgitterd/internal/gitutil"
)

// MailTrigger starts the Mail Timestamp Worker's send phase with the
// preserved log's bytes as the request body. It must be a no-op (and return
// nil) if a request is already outstanding -- commitloop never checks the
// marker file itself; only the worker's own Trigger implementation does.
type MailTrigger func(ctx context.Context, preservedLog []byte) error

// Loop runs the periodic state machine for one repository.
type Loop struct {
	Repo *gitutil.Repository
	Log *evidencelog.Log
	Clock clockwork.Clock
	Logger *slog.Logger

	KeyID string // signing key id for evidence-log commits; autoblockchainify ticks commit unsigned and ignore it

	Interval time.Duration
	Offset time.Duration // negative: choose randomly once, on first Start
	UpstreamSleep time.Duration
	Peers []config.Peer
	Remotes []config.Remote

	Autoblockchainify bool
	ForceAfterIntervals int

	MailEnabled bool
	MailTrigger MailTrigger

	ticksSinceCommit int
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Start blocks, firing Tick on schedule until ctx is cancelled. A tick
// already in progress when ctx is cancelled is allowed to finish -- the
// state machine never leaves the evidence log mid-rotation.
func (l *Loop) Start(ctx context.Context) error {
	offset := l.Offset
	if offset < 0 {
		offset = chooseOffset(l.Interval)
		l.logger().Info("commit loop scheduled", "offset", offset)
	}

	for {
		now := l.Clock.Now()
		fire := nextFire(now, l.Interval, offset)
		wait := fire.Sub(now)

		timer := l.Clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}

		if err := l.Tick(ctx); err != nil {
			l.logger().Error("commit loop tick failed", "error", err)
		}
	}
}

// Tick runs exactly one iteration of the state machine.
func (l *Loop) Tick(ctx context.Context) error {
	if l.Autoblockchainify {
		return l.tickAutoblockchainify()
	}

	preservedLog, committed, err := l.rotateAndCommit()
	if err != nil {
		return err
	}

	l.crossTimestampPeers()
	l.pushRemotes()

	if committed && l.MailEnabled && l.MailTrigger != nil {
		if err := l.MailTrigger(ctx, preservedLog); err != nil {
			l.logger().Warn("email cross-timestamp trigger failed", "error", err)
		}
	}
	return nil
}

// rotateAndCommit rotates the working evidence log under its lock, commits
// the rotated file (recovering any dangling rotated file left behind by a
// prior crash first), and returns the bytes of the freshly preserved log if
// a commit was made.
func (l *Loop) rotateAndCommit() (preservedLog []byte, committed bool, err error) {
	l.Log.Lock()
	defer l.Log.Unlock()

	// Recover a rotated file left behind by a crash before the last commit.
	if mtime, ok := l.Log.RotatedExistsLocked(); ok {
		if err := l.commitPath(l.Log.RotatedPath(), fmt.Sprintf("Found uncommitted data from %s", mtime.UTC().Format(time.RFC3339))); err != nil {
			return nil, false, fmt.Errorf("dangling-log recovery commit: %w", err)
		}
		if err := l.Log.DiscardRotatedLocked(); err != nil {
			return nil, false, fmt.Errorf("discard recovered rotated log: %w", err)
		}
	}

	mtime, ok, err := l.Log.RotateLocked()
	if err != nil {
		return nil, false, fmt.Errorf("rotate evidence log: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	message := fmt.Sprintf("Newly timestamped commits up to %s", mtime.UTC().Format(time.RFC3339))
	if err := l.commitPath(l.Log.RotatedPath(), message); err != nil {
		return nil, false, fmt.Errorf("commit rotated log: %w", err)
	}
	if err := l.Log.PreserveLocked(); err != nil {
		return nil, false, fmt.Errorf("preserve rotated log: %w", err)
	}

	if err := l.Log.RecreateWorkingLocked(); err != nil {
		return nil, false, fmt.Errorf("recreate working log: %w", err)
	}

	preserved, err := l.Log.ReadPreserved()
	if err != nil {
		return nil, false, fmt.Errorf("read preserved log: %w", err)
	}
	return preserved, true, nil
}

func (l *Loop) commitPath(path, message string) error {
	if err := l.Repo.Add(path); err != nil {
		return err
	}
	_, err := l.Repo.Commit(gitutil.CommitOptions{Message: message, SigningKey: l.KeyID})
	return err
}

// crossTimestampPeers contacts each configured peer in turn, best-effort.
func (l *Loop) crossTimestampPeers() {
	for i, peer := range l.Peers {
		if err := l.Repo.CrossTimestamp(peer.URL, peer.Branch); err != nil {
			l.logger().Warn("peer cross-timestamp failed", "peer", peer.URL, "error", err)
		}
		if i < len(l.Peers)-1 && l.UpstreamSleep > 0 {
			l.Clock.Sleep(l.UpstreamSleep)
		}
	}
}

// pushRemotes pushes each configured remote in turn, best-effort.
func (l *Loop) pushRemotes() {
	for _, remote := range l.Remotes {
		if err := l.Repo.Push(remote.Name, remote.Branches...); err != nil {
			l.logger().Warn("push failed", "remote", remote.Name, "error", err)
		}
	}
}

// tickAutoblockchainify implements the degenerate unsigned mode:
// commit the whole working tree with a fixed message, forced after
// ForceAfterIntervals ticks even without changes, less 5% tolerance for
// scheduling jitter.
func (l *Loop) tickAutoblockchainify() error {
	l.ticksSinceCommit++
	forceAt := float64(l.ForceAfterIntervals) * 0.95
	force := forceAt <= 0 || float64(l.ticksSinceCommit) >= forceAt

	if err := l.Repo.AddAll(); err != nil {
		return fmt.Errorf("autoblockchainify add: %w", err)
	}

	changed, err := l.Repo.HasStagedChanges()
	if err != nil {
		return fmt.Errorf("autoblockchainify status: %w", err)
	}
	if !changed && !force {
		return nil
	}

	if _, err := l.Repo.Commit(gitutil.CommitOptions{
		Message: "Automatic blockchainify commit",
		AllowEmpty: true,
	}); err != nil {
		return fmt.Errorf("autoblockchainify commit: %w", err)
	}

	l.ticksSinceCommit = 0
	l.crossTimestampPeers()
	l.pushRemotes()
	return nil
}

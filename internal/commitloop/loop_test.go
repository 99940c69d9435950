// SPDX-License-Identifier: Apache-2.0

package commitloop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zeitgitter/zeitgitterd/internal/evidencelog"
	"github.com/zeitgitter/zeitgitterd/internal/gitutil"
)

func newTestRepo(t *testing.T) (*gitutil.Repository, *evidencelog.Log) {
	t.Helper()
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Unix(1551155115, 0).UTC())
	repo, err := gitutil.Init(dir, clock)
	require.NoError(t, err)
	return repo, evidencelog.New(dir, evidencelog.DefaultNames())
}

// Preserved log round-trips the appended commits; working log is
// recreated empty.
func TestTickRotatesCommitsAndRecreatesWorkingLog(t *testing.T) {
	repo, log := newTestRepo(t)

	log.Lock()
	require.NoError(t, log.AppendLocked("1111111111111111111111111111111111111111"))
	require.NoError(t, log.AppendLocked("2222222222222222222222222222222222222222"))
	log.Unlock()

	loop := &Loop{Repo: repo, Log: log, Clock: repo.Clock()}
	require.NoError(t, loop.Tick(context.Background()))

	preserved, err := log.ReadPreserved()
	require.NoError(t, err)
	require.Equal(t,
		"1111111111111111111111111111111111111111\n2222222222222222222222222222222222222222\n",
		string(preserved))

	info, err := os.Stat(log.WorkingPath())
	require.NoError(t, err)
	require.Zero(t, info.Size())

	head, err := repo.HeadCommit()
	require.NoError(t, err)
	require.NotZero(t, head.String())
}

func TestTickWithEmptyLogIsNoop(t *testing.T) {
	repo, log := newTestRepo(t)
	loop := &Loop{Repo: repo, Log: log, Clock: repo.Clock()}
	require.NoError(t, loop.Tick(context.Background()))

	head, err := repo.HeadCommit()
	require.NoError(t, err)
	require.Zero(t, head.String(), "nothing to commit, HEAD stays unborn")
}

func TestTickRecoversDanglingRotatedLog(t *testing.T) {
	repo, log := newTestRepo(t)

	log.Lock()
	require.NoError(t, log.AppendLocked("3333333333333333333333333333333333333333"))
	_, ok, err := log.RotateLocked()
	require.NoError(t, err)
	require.True(t, ok)
	log.Unlock()

	loop := &Loop{Repo: repo, Log: log, Clock: repo.Clock()}
	require.NoError(t, loop.Tick(context.Background()))

	head, err := repo.HeadCommit()
	require.NoError(t, err)
	require.NotZero(t, head.String())

	// Recovery does not preserve: no hashes.stamp written by this tick
	// because the subsequent normal rotation found nothing new to rotate.
	_, err = os.Stat(filepath.Join(repo.Worktree(), "hashes.stamp"))
	require.Error(t, err)
}

func TestTickTriggersMailOnlyWhenCommitted(t *testing.T) {
	repo, log := newTestRepo(t)

	var triggered [][]byte
	loop := &Loop{
		Repo: repo,
		Log: log,
		Clock: repo.Clock(),
		MailEnabled: true,
		MailTrigger: func(_ context.Context, preserved []byte) error {
			triggered = append(triggered, preserved)
			return nil
		},
	}

	require.NoError(t, loop.Tick(context.Background()))
	require.Empty(t, triggered, "no commit means no trigger")

	log.Lock()
	require.NoError(t, log.AppendLocked("4444444444444444444444444444444444444444"))
	log.Unlock()

	require.NoError(t, loop.Tick(context.Background()))
	require.Len(t, triggered, 1)
	require.Equal(t, "4444444444444444444444444444444444444444\n", string(triggered[0]))
}

func TestAutoblockchainifyForcesAfterIdleIntervals(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Unix(1551155115, 0).UTC())
	repo, err := gitutil.Init(dir, clock)
	require.NoError(t, err)

	loop := &Loop{Repo: repo, Clock: clock, Autoblockchainify: true, ForceAfterIntervals: 2}

	require.NoError(t, loop.Tick(context.Background()))
	head1, err := repo.HeadCommit()
	require.NoError(t, err)
	require.Zero(t, head1.String(), "tick 1: no changes, below force threshold")

	require.NoError(t, loop.Tick(context.Background()))
	head2, err := repo.HeadCommit()
	require.NoError(t, err)
	require.NotZero(t, head2.String(), "tick 2: forced even without changes")
}

func TestAutoblockchainifyCommitsRealChangesImmediately(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Unix(1551155115, 0).UTC())
	repo, err := gitutil.Init(dir, clock)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tree.txt"), []byte("hello"), 0o644))

	loop := &Loop{Repo: repo, Clock: clock, Autoblockchainify: true, ForceAfterIntervals: 1000}
	require.NoError(t, loop.Tick(context.Background()))

	head, err := repo.HeadCommit()
	require.NoError(t, err)
	require.NotZero(t, head.String())
}

// SPDX-License-Identifier: Apache-2.0

package gitutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testClock() clockwork.Clock {
	return clockwork.NewFakeClockAt(time.Date(2019, time.February, 26, 4, 25, 15, 0, time.UTC))
}

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()

	repo, err := Init(dir, testClock())
	require.NoError(t, err)
	require.NoError(t, repo.SetConfig("user.name", "Jane Doe"))
	require.NoError(t, repo.SetConfig("user.email", "jane.doe@example.com"))

	expectedGitDir, err := filepath.Abs(filepath.Join(dir, ".git"))
	require.NoError(t, err)
	actualGitDir, err := filepath.Abs(repo.GitDir())
	require.NoError(t, err)
	require.Equal(t, expectedGitDir, actualGitDir)

	reopened, err := Open(dir, testClock())
	require.NoError(t, err)
	require.Equal(t, "jane.doe@example.com", reopened.GetConfig("user.email"))
}

func TestCommitAndPush(t *testing.T) {
	upstream := t.TempDir()
	cmdInit := Init
	upstreamRepo, err := cmdInit(upstream, testClock())
	require.NoError(t, err)

	dir := t.TempDir()
	repo, err := Init(dir, testClock())
	require.NoError(t, err)
	require.NoError(t, repo.SetConfig("user.name", "Jane Doe"))
	require.NoError(t, repo.SetConfig("user.email", "jane.doe@example.com"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "hashes.log"), []byte("abc\n"), 0o644))
	require.NoError(t, repo.Add("hashes.log"))

	commitID, err := repo.Commit(CommitOptions{Message: "Newly timestamped commits up to now"})
	require.NoError(t, err)
	require.False(t, commitID.IsZero())

	head, err := repo.HeadCommit()
	require.NoError(t, err)
	require.Equal(t, commitID, head)

	require.NoError(t, repo.Push(upstream, "HEAD:refs/heads/pushed"))
	pushed, err := upstreamRepo.executor("rev-parse", "--verify", "refs/heads/pushed").executeString()
	require.NoError(t, err)
	require.Equal(t, commitID.String(), pushed)
}

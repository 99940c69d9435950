// SPDX-License-Identifier: Apache-2.0

package gitutil

import "fmt"

// Add stages the given paths (relative to the worktree root).
func (r *Repository) Add(paths ...string) error {
	args := append([]string{"add"}, paths...)
	_, err := r.executor(args...).executeString()
	return err
}

// AddAll stages every tracked and untracked change in the worktree. Used by
// the autoblockchainify mode, which commits the whole tree rather than a
// single rotated evidence log.
func (r *Repository) AddAll() error {
	_, err := r.executor("add", "-A", ".").executeString()
	return err
}

// CommitOptions controls how Commit invokes `git commit`.
type CommitOptions struct {
	Message string
	SigningKey string // if non-empty, --gpg-sign=<key>
	AllowEmpty bool
}

// Commit runs `git commit` against the currently staged tree, returning the
// new commit id. Committer/author dates are taken from the repository's
// clock so that tests using a frozen clockwork.FakeClock produce
// reproducible commit ids.
func (r *Repository) Commit(opts CommitOptions) (Hash, error) {
	args := []string{"commit", "-m", opts.Message}
	if opts.SigningKey != "" {
		args = append(args, fmt.Sprintf("--gpg-sign=%s", opts.SigningKey))
	} else {
		args = append(args, "--no-gpg-sign")
	}
	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}

	now := r.clock.Now().Format("2006-01-02T15:04:05-0700")
	env := []string{
		"GIT_AUTHOR_DATE=" + now,
		"GIT_COMMITTER_DATE=" + now,
	}

	if _, err := r.executor(args...).withEnv(env...).executeString(); err != nil {
		return Hash{}, fmt.Errorf("git commit failed: %w", err)
	}
	return r.HeadCommit()
}

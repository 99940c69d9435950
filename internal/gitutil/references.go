// SPDX-License-Identifier: Apache-2.0

package gitutil

import "fmt"

// HeadCommit returns the commit id the current HEAD points to, or the zero
// value if the repository has no commits yet.
func (r *Repository) HeadCommit() (Hash, error) {
	stdout, err := r.executor("rev-parse", "--verify", "-q", "HEAD").executeString()
	if err != nil {
		return Hash{}, nil //nolint:nilerr // unborn HEAD is not an error here
	}
	return NewHash(stdout)
}

// ResolveTree returns the tree id for the given commit-ish.
func (r *Repository) ResolveTree(commitish string) (Hash, error) {
	stdout, err := r.executor("rev-parse", "--verify", fmt.Sprintf("%s^{tree}", commitish)).executeString()
	if err != nil {
		return Hash{}, fmt.Errorf("unable to resolve tree for %q: %w", commitish, err)
	}
	return NewHash(stdout)
}

// HasStagedChanges reports whether `git status --porcelain` lists any
// change (staged, unstaged or untracked), so callers can decide whether an
// empty commit would actually be empty.
func (r *Repository) HasStagedChanges() (bool, error) {
	stdout, err := r.executor("status", "--porcelain").executeString()
	if err != nil {
		return false, fmt.Errorf("unable to check worktree status: %w", err)
	}
	return stdout != "", nil
}

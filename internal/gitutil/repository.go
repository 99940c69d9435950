// SPDX-License-Identifier: Apache-2.0

// Package gitutil wraps the `git` binary for the handful of operations the
// timestamping service needs: initializing the working tree, inspecting and
// writing Git config, resolving references, committing, and pushing. Like
// its teacher, it never shells out to a Git porcelain for anything that can
// be answered locally, and it never mutates the ambient process environment
// -- every subprocess gets an explicit environment slice.
package gitutil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jonboulle/clockwork"
)

const binary = "git"

// Repository is a lightweight handle on a Git working tree's GIT_DIR.
type Repository struct {
	gitDir string
	worktree string
	clock clockwork.Clock
}

// Open returns a Repository rooted at worktree, which must already contain a
//.git directory (or be a bare repository at gitDir == worktree).
func Open(worktree string, clock clockwork.Clock) (*Repository, error) {
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("git binary not found in PATH: %w", err)
	}
	r := &Repository{worktree: worktree, gitDir: worktree, clock: clock}
	stdout, err := r.executor("rev-parse", "--git-dir").executeString()
	if err != nil {
		return nil, fmt.Errorf("%q is not a Git repository: %w", worktree, err)
	}
	if !strings.HasPrefix(stdout, "/") {
		stdout = worktree + string(os.PathSeparator) + stdout
	}
	r.gitDir = stdout
	return r, nil
}

// Init creates a new, non-bare Git repository at worktree if one does not
// already exist, and returns a handle to it either way.
func Init(worktree string, clock clockwork.Clock) (*Repository, error) {
	if _, err := os.Stat(worktree + "/.git"); err == nil {
		return Open(worktree, clock)
	}
	if err := os.MkdirAll(worktree, 0o755); err != nil {
		return nil, err
	}
	cmd := exec.Command(binary, "init", worktree)
	cmd.Env = baseEnv()
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git init failed: %w: %s", err, out)
	}
	return Open(worktree, clock)
}

func (r *Repository) Worktree() string { return r.worktree }
func (r *Repository) GitDir() string { return r.gitDir }
func (r *Repository) Clock() clockwork.Clock { return r.clock }

func baseEnv() []string {
	return append(os.Environ(), "LC_ALL=C")
}

// executor is a thin wrapper around os/exec.Cmd for running `git` in this
// repository's worktree, capturing stdout/stderr separately. Grounded on
// gittuf's internal/gitinterface executor: always force the C locale, never
// touch the caller's os.Environ in place.
type executor struct {
	r *Repository
	args []string
	env []string
	dir string
	stdin *bytes.Buffer
}

func (r *Repository) executor(args ...string) *executor {
	return &executor{r: r, args: args, env: baseEnv(), dir: r.worktree}
}

func (e *executor) withEnv(kv ...string) *executor {
	e.env = append(e.env, kv...)
	return e
}

func (e *executor) withStdin(b *bytes.Buffer) *executor {
	e.stdin = b
	return e
}

func (e *executor) execute() (stdout, stderr []byte, err error) {
	cmd := exec.Command(binary, e.args...) //nolint:gosec
	cmd.Dir = e.dir
	cmd.Env = e.env
	if e.stdin != nil {
		cmd.Stdin = e.stdin
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

func (e *executor) executeString() (string, error) {
	stdout, stderr, err := e.execute()
	if err != nil {
		return "", fmt.Errorf("%w when running `git %s`: %s", err, strings.Join(e.args, " "), strings.TrimSpace(string(stderr)))
	}
	return strings.TrimSpace(string(stdout)), nil
}

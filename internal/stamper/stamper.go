// SPDX-License-Identifier: Apache-2.0

// Package stamper implements stampTag and stampBranch: validating a
// client-submitted commit id, binding it into the evidence log before any
// signature is produced, and assembling the signed Git tag or commit object
// text returned to the client.
//
// The wire text is built by hand rather than through go-git's commit/tag
// encoders, since this package fixes the exact byte layout, including how a
// commit's gpgsig header embeds the armored signature. go-git is still
// used, grounded on gittuf's pattern in internal/gitinterface/{tag,commit}.go,
// to decode the assembled object straight back into a plumbing.MemoryObject
// as a well-formedness check before the signature is considered final.
package stamper

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/jonboulle/clockwork"

	"github.com/zeitgitter/zeitgitterd/internal/evidencelog"
	"github.com/zeitgitter/zeitgitterd/internal/signerpool"
)

var (
	ErrInvalidCommit = errors.New("invalid commit id")
	ErrInvalidTag = errors.New("invalid tag name")
	ErrInvalidTree = errors.New("invalid tree id")
	ErrInvalidParent = errors.New("invalid parent commit id")
)

var (
	commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)
	tagPattern = regexp.MustCompile(`^[_a-zA-Z][-._a-zA-Z0-9]{0,99}$`)
)

// ValidCommit reports whether s is a well-formed 40-character lowercase hex commit id.
func ValidCommit(s string) bool {
	return commitPattern.MatchString(s) && !strings.Contains(s, "\n")
}

// ValidTag reports whether s is a well-formed Git tag ref name component.
func ValidTag(s string) bool {
	return len(s) >= 1 && len(s) <= 100 &&
		tagPattern.MatchString(s) &&
		!strings.Contains(s, "..") &&
		!strings.Contains(s, "\n")
}

// Stamper produces signed Git tag and commit objects for validated client
// requests, binding each request's commit id into the evidence log before
// requesting a signature.
type Stamper struct {
	Log *evidencelog.Log
	Pool *signerpool.Pool
	Clock clockwork.Clock
	FullIdentity string // "Name <email>", used as tagger/author/committer
	OwnURL string
}

// StampTag implements stampTag(commit, tagName)
func (s *Stamper) StampTag(ctx context.Context, commit, tagName string) ([]byte, error) {
	if !ValidCommit(commit) {
		return nil, ErrInvalidCommit
	}
	if !ValidTag(tagName) {
		return nil, ErrInvalidTag
	}

	now, err := s.appendAndFreeze(commit)
	if err != nil {
		return nil, err
	}

	name, email, err := splitIdentity(s.FullIdentity)
	if err != nil {
		return nil, err
	}

	body := fmt.Sprintf(
		"object %s\ntype commit\ntag %s\ntagger %s <%s> %d +0000\n\n:watch: %s tag timestamp\n",
		commit, tagName, name, email, now.Unix(), s.OwnURL,
	)

	sig, err := s.Pool.Sign(ctx, []byte(body), now)
	if err != nil {
		return nil, err
	}

	full := append([]byte(body), sig...)
	if err := verifyTagDecodes(full); err != nil {
		return nil, fmt.Errorf("internal error: generated tag object does not parse: %w", err)
	}
	return full, nil
}

// StampBranch implements stampBranch(commit, parent?, tree)
func (s *Stamper) StampBranch(ctx context.Context, commit, parent, tree string) ([]byte, error) {
	if !ValidCommit(commit) {
		return nil, ErrInvalidCommit
	}
	if !ValidCommit(tree) {
		return nil, ErrInvalidTree
	}
	if parent != "" && !ValidCommit(parent) {
		return nil, ErrInvalidParent
	}

	now, err := s.appendAndFreeze(commit)
	if err != nil {
		return nil, err
	}

	name, email, err := splitIdentity(s.FullIdentity)
	if err != nil {
		return nil, err
	}

	var header strings.Builder
	fmt.Fprintf(&header, "tree %s\n", tree)
	if parent == "" {
		fmt.Fprintf(&header, "parent %s\n", commit)
	} else {
		// parent goes first; the client commit is the merged-in parent.
		fmt.Fprintf(&header, "parent %s\n", parent)
		fmt.Fprintf(&header, "parent %s\n", commit)
	}
	fmt.Fprintf(&header, "author %s <%s> %d +0000\n", name, email, now.Unix())
	fmt.Fprintf(&header, "committer %s <%s> %d +0000\n", name, email, now.Unix())

	trailer := fmt.Sprintf("\n:watch: %s branch timestamp %s\n", s.OwnURL, now.UTC().Format("2006-01-02 15:04:05 UTC"))

	sig, err := s.Pool.Sign(ctx, []byte(header.String()+trailer), now)
	if err != nil {
		return nil, err
	}

	full := header.String() + embedSignature(string(sig)) + trailer
	if err := verifyCommitDecodes([]byte(full)); err != nil {
		return nil, fmt.Errorf("internal error: generated commit object does not parse: %w", err)
	}
	return []byte(full), nil
}

// appendAndFreeze acquires the evidence log lock, appends commit, fsyncs,
// releases the lock, and returns the frozen signing time for this request.
func (s *Stamper) appendAndFreeze(commit string) (time.Time, error) {
	s.Log.Lock()
	defer s.Log.Unlock()

	if err := s.Log.AppendLocked(commit); err != nil {
		return time.Time{}, err
	}
	return signerpool.Now(s.Clock), nil
}

// embedSignature turns an ASCII-armored signature into a "gpgsig" header
// block: the first line follows "gpgsig ", every continuation line is
// indented by a single space, and the signature's own trailing newline is
// dropped before the header block's own terminating newline is added.
func embedSignature(armor string) string {
	armor = strings.TrimSuffix(armor, "\n")
	lines := strings.Split(armor, "\n")
	var b strings.Builder
	b.WriteString("gpgsig ")
	for i, line := range lines {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func splitIdentity(identity string) (name, email string, err error) {
	open := strings.LastIndex(identity, "<")
	close := strings.LastIndex(identity, ">")
	if open < 0 || close < open {
		return "", "", fmt.Errorf("malformed identity %q, want \"Name <email>\"", identity)
	}
	return strings.TrimSpace(identity[:open]), identity[open+1 : close], nil
}

func verifyTagDecodes(data []byte) error {
	obj := memory.NewStorage().NewEncodedObject()
	obj.SetType(plumbing.TagObject)
	w, err := obj.Writer()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	tag := &object.Tag{}
	return tag.Decode(obj)
}

func verifyCommitDecodes(data []byte) error {
	obj := memory.NewStorage().NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	w, err := obj.Writer()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	commit := &object.Commit{}
	return commit.Decode(obj)
}

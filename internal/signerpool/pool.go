// SPDX-License-Identifier: Apache-2.0

// Package signerpool bounds signing concurrency and round-robins requests
// across a set of replica keystores. The design is
// grounded on gittuf's keystore/agent-per-replica idea but generalizes it:
// gittuf signs with a single local key; this service needs N independent
// gpg-agent sockets so that up to maxParallelSignatures signings can be
// in flight without serializing on one agent socket.
package signerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zeitgitter/zeitgitterd/internal/pgpkey"
)

// ErrTimeout is returned when a signing request could not acquire a permit
// within maxParallelTimeout. Callers surface this as HTTP 429.
var ErrTimeout = errors.New("signer pool exhausted")

// SignFunc performs the actual signing against one replica keystore. Tests
// substitute this to simulate slow signers without shelling out to gpg.
type SignFunc func(gnupgHome, keyID string, data []byte, now time.Time) ([]byte, error)

// Pool bounds concurrent signing with a counting semaphore and serializes
// replica selection/creation with a mutex.
type Pool struct {
	originalHome string
	keyID string
	signFunc SignFunc

	sem chan struct{}
	timeout time.Duration // 0 means wait forever

	replicaMu sync.Mutex
	maxThreads int
	replicas []string // round-robin queue of GNUPGHOME directories

	clock clockwork.Clock
}

// Config describes how to construct a Pool.
type Config struct {
	OriginalKeystore string
	KeyID string
	Program string
	MaxParallelSignatures int
	MaxParallelTimeout time.Duration // 0 = wait forever
	Clock clockwork.Clock

	// SignFunc overrides the default gpg-backed signer; nil uses gpg via
	// internal/pgpkey. Tests use this to simulate latency/failures.
	SignFunc SignFunc
}

// New creates a Pool. The pool always starts with maxThreads=1; call Promote
// once boot has finished to raise it to the configured number of agents, so
// replica creation never races the HTTP server coming up.
func New(cfg Config) *Pool {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	signFunc := cfg.SignFunc
	if signFunc == nil {
		program := cfg.Program
		if program == "" {
			program = pgpkey.DefaultProgram
		}
		signFunc = func(gnupgHome, keyID string, data []byte, now time.Time) ([]byte, error) {
			return pgpkey.NewSigner(gnupgHome, keyID, pgpkey.WithProgram(program)).Sign(data, now)
		}
	}
	return &Pool{
		originalHome: cfg.OriginalKeystore,
		keyID: cfg.KeyID,
		signFunc: signFunc,
		sem: make(chan struct{}, cfg.MaxParallelSignatures),
		timeout: cfg.MaxParallelTimeout,
		maxThreads: 1,
		replicas: []string{cfg.OriginalKeystore},
		clock: clock,
	}
}

// Promote raises the number of replicas the pool is allowed to create.
func (p *Pool) Promote(maxThreads int) {
	p.replicaMu.Lock()
	defer p.replicaMu.Unlock()
	p.maxThreads = maxThreads
}

// Now returns the time to bind into a signature: wall-clock, unless the
// FAKE_TIME environment variable is set, in which case its integer value is
// used verbatim. This exists solely for reproducible tests and must
// never be consulted anywhere except here, right before signing.
func Now(clock clockwork.Clock) time.Time {
	if v := os.Getenv("FAKE_TIME"); v != "" {
		var secs int64
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	return clock.Now()
}

// Sign acquires a permit (bounded by MaxParallelSignatures, with an optional
// timeout), picks the next replica in round-robin order, and produces a
// detached ASCII-armored signature over data as of now.
func (p *Pool) Sign(ctx context.Context, data []byte, now time.Time) ([]byte, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-p.sem }()

	replica, err := p.nextReplica()
	if err != nil {
		return nil, err
	}

	return p.signFunc(replica, p.keyID, data, now)
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.timeout <= 0 {
		select {
		case p.sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextReplica returns the next keystore directory to sign with. If fewer
// than maxThreads replicas exist yet, a new one is cloned from the original
// and appended; otherwise the head of the round-robin queue is popped and
// pushed to the tail.
func (p *Pool) nextReplica() (string, error) {
	p.replicaMu.Lock()
	defer p.replicaMu.Unlock()

	if len(p.replicas) < p.maxThreads {
		clone, err := p.cloneKeystore(len(p.replicas))
		if err != nil {
			return "", err
		}
		p.replicas = append(p.replicas, clone)
		return clone, nil
	}

	replica := p.replicas[0]
	p.replicas = append(p.replicas[1:], replica)
	return replica, nil
}

// cloneKeystore copies the original keystore directory into a fresh
// sibling directory, excluding agent sockets (S.*) and backup files (*~).
func (p *Pool) cloneKeystore(index int) (string, error) {
	dest := fmt.Sprintf("%s-replica-%d", p.originalHome, index)
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return "", err
	}

	err := filepath.WalkDir(p.originalHome, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p.originalHome, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "S.") || strings.HasSuffix(name, "~") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, rel)
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, d)
	})
	if err != nil {
		return "", fmt.Errorf("unable to clone keystore into %s: %w", dest, err)
	}
	return dest, nil
}

func copyFile(src, dst string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

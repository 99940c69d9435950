// SPDX-License-Identifier: Apache-2.0

// Package pgpkey resolves and exports the service's PGP signing key, and
// produces detached ASCII-armored signatures over arbitrary bytes. It
// shells out to `gpg` for every key-material operation, grounded on
// gittuf's internal/signerverifier/gpg package, which takes the same
// approach (subprocess + github.com/ProtonMail/go-crypto/openpgp for
// inspecting the exported armor).
package pgpkey

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

const DefaultProgram = "gpg"

var (
	ErrAmbiguousKey = errors.New("more than one secret key matches")
	ErrKeyCreateFailed = errors.New("unable to create signing key")
	ErrNoMatchingKey = errors.New("requested key id does not match any secret key and is not a creatable identity")
)

var identityPattern = regexp.MustCompile(`^[^<>]+<[^<>@\s]+@[^<>@\s]+>$`)

// Manager resolves the service's signing key id against a GNUPGHOME
// keystore.
type Manager struct {
	program string
	gnupgHome string
}

func NewManager(gnupgHome string, opts ...Option) *Manager {
	m := &Manager{program: DefaultProgram, gnupgHome: gnupgHome}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type Option func(*Manager)

func WithProgram(program string) Option {
	return func(m *Manager) { m.program = program }
}

// Resolve applies the following four-way resolution order:
//
//	(a) keyID given, exactly one secret key matches it -> use it
//	(b) keyID given, no match, keyID looks like "Name <email>" -> create it
//	(c) keyID empty, keyring holds exactly one secret key -> use it
//	(d) keyID empty, keyring is empty -> derive "Nickname Timestamping
//	 Service <nickname@domain>" and create it
//
// Any other case (keyID given but ambiguous, or empty with more than one
// secret key present) is fatal
func (m *Manager) Resolve(keyID, nickname, domain string) (string, error) {
	secretKeys, err := m.listSecretKeyIDs()
	if err != nil {
		return "", err
	}

	if keyID != "" {
		matches := matchKeyID(secretKeys, keyID)
		switch {
		case len(matches) == 1:
			return matches[0], nil
		case len(matches) > 1:
			return "", fmt.Errorf("%w: %q matches %d keys", ErrAmbiguousKey, keyID, len(matches))
		case identityPattern.MatchString(keyID):
			return m.Create(keyID)
		default:
			return "", fmt.Errorf("%w: %q", ErrNoMatchingKey, keyID)
		}
	}

	switch len(secretKeys) {
	case 0:
		identity := fmt.Sprintf("%s Timestamping Service <%s@%s>", nickname, nickname, domain)
		return m.Create(identity)
	case 1:
		return secretKeys[0], nil
	default:
		return "", fmt.Errorf("%w: keyring has %d secret keys and none was specified", ErrAmbiguousKey, len(secretKeys))
	}
}

// Create generates an Ed25519/EdDSA sign-only key with no passphrase for the
// given "Name <email>" identity and returns its key id (fingerprint).
func (m *Manager) Create(identity string) (string, error) {
	cmd := exec.Command(m.program, "--homedir", m.gnupgHome, "--batch", //nolint:gosec
		"--pinentry-mode", "loopback", "--passphrase", "",
		"--quick-gen-key", identity, "ed25519", "sign", "never")
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: %s", ErrKeyCreateFailed, out)
	}

	keys, err := m.listSecretKeyIDs()
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if id, err := m.IdentityOf(k); err == nil && id == identity {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: newly created key for %q not found afterwards", ErrKeyCreateFailed, identity)
}

// listSecretKeyIDs returns every secret key's fingerprint, via
// `gpg --with-colons --list-secret-keys`.
func (m *Manager) listSecretKeyIDs() ([]string, error) {
	cmd := exec.Command(m.program, "--homedir", m.gnupgHome, "--batch", //nolint:gosec
		"--with-colons", "--fingerprint", "--list-secret-keys")
	out, err := cmd.CombinedOutput()
	if err != nil {
		// An empty keyring exits non-zero in some gpg versions; treat as "no keys".
		if bytes.Contains(out, []byte("No secret key")) || len(bytes.TrimSpace(out)) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("gpg --list-secret-keys failed: %w: %s", err, out)
	}

	var keys []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) > 9 && fields[0] == "fpr" {
			keys = append(keys, fields[9])
		}
	}
	return keys, nil
}

// IdentityOf returns the "Name <email>" uid string bound to a key id. Callers
// use this as the tagger/author/committer identity instead of deriving one
// from nickname/domain, since the identity is a property of the key itself.
func (m *Manager) IdentityOf(keyID string) (string, error) {
	cmd := exec.Command(m.program, "--homedir", m.gnupgHome, "--batch", //nolint:gosec
		"--with-colons", "--list-secret-keys", keyID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gpg --list-secret-keys %s failed: %w: %s", keyID, err, out)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) > 9 && fields[0] == "uid" {
			return fields[9], nil
		}
	}
	return "", fmt.Errorf("no uid found for key %s", keyID)
}

func matchKeyID(keys []string, keyID string) []string {
	var matches []string
	for _, k := range keys {
		if strings.EqualFold(k, keyID) || strings.HasSuffix(strings.ToUpper(k), strings.ToUpper(keyID)) {
			matches = append(matches, k)
		}
	}
	return matches
}

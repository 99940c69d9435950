// SPDX-License-Identifier: Apache-2.0

package pgpkey

import (
	"bytes"
	"fmt"
	"os/exec"
	"time"
)

// Signer produces detached ASCII-armored PGP signatures for a given
// GNUPGHOME keystore and key id, pinning GnuPG's notion of "now" exactly to
// the caller-supplied time (the trailing "!" on --faked-system-time means
// exact, not "at least", per gpg(1)) -- this is what lets stampTag and
// stampBranch be deterministic under a frozen clock.
type Signer struct {
	program string
	gnupgHome string
	keyID string
}

func NewSigner(gnupgHome, keyID string, opts ...Option) *Signer {
	m := &Manager{program: DefaultProgram}
	for _, opt := range opts {
		opt(m)
	}
	return &Signer{program: m.program, gnupgHome: gnupgHome, keyID: keyID}
}

// Sign returns a detached, ASCII-armored signature over data as of now.
func (s *Signer) Sign(data []byte, now time.Time) ([]byte, error) {
	cmd := exec.Command(s.program, "--homedir", s.gnupgHome, "--batch", //nolint:gosec
		"--pinentry-mode", "loopback", "--passphrase", "",
		"--faked-system-time", fmt.Sprintf("%d!", now.Unix()),
		"--status-fd=2", "-bsau", s.keyID)
	cmd.Stdin = bytes.NewReader(data)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gpg signing failed for key %s: %w", s.keyID, err)
	}
	return out, nil
}

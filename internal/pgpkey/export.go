// SPDX-License-Identifier: Apache-2.0

package pgpkey

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// ExportPublicKey returns the ASCII-armored public key block for keyID.
func (m *Manager) ExportPublicKey(keyID string) ([]byte, error) {
	cmd := exec.Command(m.program, "--homedir", m.gnupgHome, "--batch", //nolint:gosec
		"--armor", "--export", keyID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("gpg --export %s failed: %w: %s", keyID, err, out)
	}
	return out, nil
}

// Fingerprint parses an ASCII-armored public key block and returns its
// primary key fingerprint, the way gittuf's gpg.LoadGPGKeyFromBytes does.
func Fingerprint(armoredPublicKey []byte) (string, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredPublicKey))
	if err != nil {
		return "", fmt.Errorf("unable to parse armored public key: %w", err)
	}
	if len(keyring) == 0 {
		return "", fmt.Errorf("armored key block contains no entities")
	}
	return fmt.Sprintf("%x", keyring[0].PrimaryKey.Fingerprint), nil
}
